package graph

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antdist/antdist/pkg/address"
	"github.com/antdist/antdist/pkg/network"
	"github.com/antdist/antdist/pkg/retry"
	"github.com/antdist/antdist/pkg/transfer"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	mem := network.NewMemoryNet()
	handle := network.NewHandle(func(context.Context, network.Mode) (network.Client, error) {
		return mem, nil
	}, nil)
	require.NoError(t, handle.Connect(context.Background(), network.ModeLocal))

	tr := transfer.New(handle,
		transfer.WithRetryPolicy(retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}),
	)
	t.Cleanup(tr.Close)

	m := New(tr, handle, nil)
	m.policy = retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}
	return m
}

func manifestFor(version string) []byte {
	return []byte(fmt.Sprintf(`{"id":"app","version":%q}`, version))
}

func TestPublishAndResolveLatest(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	ctx := context.Background()

	v1, err := m.Publish(ctx, "app.example", manifestFor("1.0.0"), nil)
	require.NoError(t, err)
	assert.Empty(t, v1.Entry.Parents)

	latest, err := m.ResolveLatest(ctx, "app.example")
	require.NoError(t, err)
	assert.True(t, latest.Address.Equal(v1.Address))

	v2, err := m.Publish(ctx, "app.example", manifestFor("2.0.0"), []address.Address{v1.Address})
	require.NoError(t, err)

	latest, err = m.ResolveLatest(ctx, "app.example")
	require.NoError(t, err)
	assert.True(t, latest.Address.Equal(v2.Address), "latest must follow the second publish")
	require.Len(t, latest.Entry.Parents, 1)
	assert.True(t, latest.Entry.Parents[0].Equal(v1.Address))
}

func TestResolveLatestUnknownApp(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	_, err := m.ResolveLatest(context.Background(), "never.published")
	require.ErrorIs(t, err, ErrPointerNotFound)
}

func TestHistoryWalksAllVersions(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	ctx := context.Background()

	v1, err := m.Publish(ctx, "app", manifestFor("1.0.0"), nil)
	require.NoError(t, err)
	v2, err := m.Publish(ctx, "app", manifestFor("2.0.0"), []address.Address{v1.Address})
	require.NoError(t, err)
	v3, err := m.Publish(ctx, "app", manifestFor("3.0.0"), []address.Address{v2.Address})
	require.NoError(t, err)

	it := m.History("app")
	visited := map[string]int{}
	for {
		ref, err := it.Next(ctx)
		if errors.Is(err, Done) {
			break
		}
		require.NoError(t, err)
		visited[ref.Address.Hex()]++
	}

	assert.Len(t, visited, 3)
	for _, ref := range []EntryRef{v1, v2, v3} {
		assert.Equal(t, 1, visited[ref.Address.Hex()], "entry %s must appear exactly once", ref.Address)
	}
}

func TestHistoryVisitsDiamondOnce(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	ctx := context.Background()

	// root <- a, root <- b, merge(a, b): the root is reachable twice.
	root, err := m.Publish(ctx, "app", manifestFor("1.0.0"), nil)
	require.NoError(t, err)
	a, err := m.Publish(ctx, "app", manifestFor("2.0.0"), []address.Address{root.Address})
	require.NoError(t, err)
	b, err := m.Publish(ctx, "app", manifestFor("2.0.1"), []address.Address{root.Address})
	require.NoError(t, err)
	merge, err := m.Publish(ctx, "app", manifestFor("3.0.0"), []address.Address{a.Address, b.Address})
	require.NoError(t, err)

	it := m.History("app")
	visited := map[string]int{}
	for {
		ref, err := it.Next(ctx)
		if errors.Is(err, Done) {
			break
		}
		require.NoError(t, err)
		visited[ref.Address.Hex()]++
	}

	assert.Len(t, visited, 4)
	for _, ref := range []EntryRef{root, a, b, merge} {
		assert.Equal(t, 1, visited[ref.Address.Hex()])
	}
}

func TestHistoryRestartable(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	ctx := context.Background()

	v1, err := m.Publish(ctx, "app", manifestFor("1.0.0"), nil)
	require.NoError(t, err)
	_, err = m.Publish(ctx, "app", manifestFor("2.0.0"), []address.Address{v1.Address})
	require.NoError(t, err)

	it := m.History("app")
	count := func() int {
		n := 0
		for {
			_, err := it.Next(ctx)
			if errors.Is(err, Done) {
				return n
			}
			require.NoError(t, err)
			n++
		}
	}

	assert.Equal(t, 2, count())
	it.Reset()
	assert.Equal(t, 2, count())
}

func TestHistoryLazy(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)

	// Creating an iterator for an unpublished app must not fail until
	// Next is called.
	it := m.History("never.published")
	_, err := it.Next(context.Background())
	require.ErrorIs(t, err, ErrPointerNotFound)
}

func TestLosingEntryStaysRetrievable(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	ctx := context.Background()

	// Two racing publishes from the same base: the pointer follows the
	// last write, but the earlier entry stays fetchable by address.
	winner, err := m.Publish(ctx, "app", manifestFor("1.0.0"), nil)
	require.NoError(t, err)
	loser := winner
	winner, err = m.Publish(ctx, "app", manifestFor("1.0.1"), nil)
	require.NoError(t, err)

	latest, err := m.ResolveLatest(ctx, "app")
	require.NoError(t, err)
	assert.True(t, latest.Address.Equal(winner.Address))

	orphan, err := m.Entry(ctx, loser.Address)
	require.NoError(t, err)
	assert.True(t, orphan.Entry.Manifest.Equal(loser.Entry.Manifest))
}

func TestPointerNameDeterministic(t *testing.T) {
	t.Parallel()

	assert.True(t, PointerName("app").Equal(PointerName("app")))
	assert.False(t, PointerName("app").Equal(PointerName("other")))
}
