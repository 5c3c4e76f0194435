package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/antdist/antdist/pkg/network"
)

func fastPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Jitter: 0}
}

func TestDoSucceedsFirstTry(t *testing.T) {
	t.Parallel()

	calls := 0
	err := fastPolicy().Do(context.Background(), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDoRetriesTransient(t *testing.T) {
	t.Parallel()

	calls := 0
	err := fastPolicy().Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return network.ErrUnavailable
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	t.Parallel()

	calls := 0
	err := fastPolicy().Do(context.Background(), func() error {
		calls++
		return network.ErrTimeout
	})
	if !errors.Is(err, network.ErrTimeout) {
		t.Fatalf("expected timeout error to surface, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoDoesNotRetryPermanent(t *testing.T) {
	t.Parallel()

	boom := errors.New("schema violation")
	calls := 0
	err := fastPolicy().Do(context.Background(), func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected permanent error to surface, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("permanent errors must not be retried, got %d calls", calls)
	}
}

func TestDoHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Policy{MaxAttempts: 10, BaseDelay: time.Hour}.Do(ctx, func() error {
		return network.ErrUnavailable
	})
	if err == nil {
		t.Fatal("expected error under cancelled context")
	}
}
