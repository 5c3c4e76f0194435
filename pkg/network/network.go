// Package network manages the connection to the content-addressed
// storage network. The peer protocol itself is out of scope: it hides
// behind the Client interface, and everything above (transfers, graph
// operations) only ever sees a Handle.
package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/antdist/antdist/pkg/address"
)

var (
	// ErrUnavailable means no reachable network entry point exists or
	// an operation failed in a way that may succeed on retry.
	ErrUnavailable = errors.New("network: unavailable")
	// ErrTimeout means a single operation exceeded its deadline. It is
	// treated like ErrUnavailable by retry policies.
	ErrTimeout = errors.New("network: timeout")
	// ErrNotConnected means the handle has no live connection. The
	// caller must reconnect explicitly; the handle never does so on
	// its own.
	ErrNotConnected = errors.New("network: not connected")
	// ErrChunkNotFound means the requested chunk is absent from the
	// network.
	ErrChunkNotFound = errors.New("network: chunk not found")
	// ErrPointerNotFound means no pointer exists under the given name.
	ErrPointerNotFound = errors.New("network: pointer not found")
)

// Mode selects which network a handle connects to.
type Mode int

const (
	// ModeLocal connects to an in-process network, used for tests and
	// local development.
	ModeLocal Mode = iota
	// ModeRemote connects to the real storage network through a
	// caller-supplied dialer.
	ModeRemote
)

func (m Mode) String() string {
	switch m {
	case ModeLocal:
		return "local"
	case ModeRemote:
		return "remote"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Client is the opaque storage network. All writes are
// content-addressed and therefore idempotent: putting the same chunk
// twice is a no-op. Pointers are the one mutable primitive,
// last-write-wins.
type Client interface {
	// PutChunk stores data under addr. Implementations must verify
	// nothing; the address is authoritative for the caller.
	PutChunk(ctx context.Context, addr address.Address, data []byte) error
	// GetChunk returns the bytes stored under addr, or
	// ErrChunkNotFound.
	GetChunk(ctx context.Context, addr address.Address) ([]byte, error)
	// PutPointer sets the named pointer to target, overwriting any
	// previous value.
	PutPointer(ctx context.Context, name address.Address, target address.Address) error
	// GetPointer returns the current target of the named pointer, or
	// ErrPointerNotFound.
	GetPointer(ctx context.Context, name address.Address) (address.Address, error)
	// ChunkFee returns the network's current fee per stored chunk, in
	// the network's smallest token unit.
	ChunkFee(ctx context.Context) (uint64, error)
	// Ping checks reachability.
	Ping(ctx context.Context) error
	// Close releases the connection.
	Close() error
}

// Dialer establishes a connection for the given mode.
type Dialer func(ctx context.Context, mode Mode) (Client, error)

// Handle wraps one shared connection to the storage network. Its
// operations are safe for concurrent use; Connect is serialized and
// establishes at most one connection. A handle that observes a failed
// operation stays failed until the caller reconnects explicitly.
type Handle struct {
	log    *slog.Logger
	dialer Dialer

	mu     sync.RWMutex
	client Client
	mode   Mode
}

// NewHandle creates a disconnected handle. A nil dialer falls back to
// the in-memory network for ModeLocal and refuses ModeRemote.
func NewHandle(dialer Dialer, logger *slog.Logger) *Handle {
	if logger == nil {
		logger = slog.Default()
	}
	if dialer == nil {
		dialer = defaultDialer
	}
	return &Handle{log: logger, dialer: dialer}
}

func defaultDialer(_ context.Context, mode Mode) (Client, error) {
	if mode == ModeLocal {
		return NewMemoryNet(), nil
	}
	return nil, fmt.Errorf("%w: no dialer configured for remote mode", ErrUnavailable)
}

// Connect establishes the connection. Connecting an already connected
// handle is a no-op.
func (h *Handle) Connect(ctx context.Context, mode Mode) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.client != nil {
		return nil
	}

	started := time.Now()
	client, err := h.dialer(ctx, mode)
	if err != nil {
		return fmt.Errorf("%w: connect %s: %v", ErrUnavailable, mode, err)
	}

	h.client = client
	h.mode = mode
	h.log.Info("connected to storage network", "mode", mode.String(), "took", time.Since(started))
	return nil
}

// HealthCheck reports whether the network is reachable. It never
// returns an error: a degraded or disconnected network is simply
// false.
func (h *Handle) HealthCheck(ctx context.Context) bool {
	h.mu.RLock()
	client := h.client
	h.mu.RUnlock()

	if client == nil {
		return false
	}
	if err := client.Ping(ctx); err != nil {
		h.log.Warn("health check failed", "error", err)
		return false
	}
	return true
}

// Disconnect releases the connection. Disconnecting a disconnected
// handle is a no-op.
func (h *Handle) Disconnect() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.client == nil {
		return nil
	}
	err := h.client.Close()
	h.client = nil
	if err != nil {
		return fmt.Errorf("network: disconnect: %w", err)
	}
	return nil
}

// Client returns the live connection or ErrNotConnected.
func (h *Handle) Client() (Client, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.client == nil {
		return nil, ErrNotConnected
	}
	return h.client, nil
}

// Mode returns the mode of the current connection. Only meaningful
// while connected.
func (h *Handle) Mode() Mode {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.mode
}

// Transient reports whether an error is worth retrying. Only network
// unavailability and timeouts qualify; everything else is permanent.
func Transient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout)
}
