package network

import (
	"context"
	"sync"

	"github.com/antdist/antdist/pkg/address"
)

// MemoryNet is an in-process Client. It backs ModeLocal and the test
// suite. Writes are idempotent the same way the real network's are:
// storing an already-present chunk changes nothing.
type MemoryNet struct {
	mu       sync.RWMutex
	chunks   map[address.Address][]byte
	pointers map[address.Address]address.Address
	fee      uint64
	writes   int
	closed   bool
}

// NewMemoryNet creates an empty in-memory network with a fee of one
// token unit per chunk.
func NewMemoryNet() *MemoryNet {
	return &MemoryNet{
		chunks:   make(map[address.Address][]byte),
		pointers: make(map[address.Address]address.Address),
		fee:      1,
	}
}

func (m *MemoryNet) PutChunk(ctx context.Context, addr address.Address, data []byte) error {
	if err := ctx.Err(); err != nil {
		return ErrTimeout
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrUnavailable
	}
	if _, ok := m.chunks[addr]; ok {
		return nil
	}
	m.chunks[addr] = append([]byte{}, data...)
	m.writes++
	return nil
}

func (m *MemoryNet) GetChunk(ctx context.Context, addr address.Address) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrTimeout
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrUnavailable
	}
	data, ok := m.chunks[addr]
	if !ok {
		return nil, ErrChunkNotFound
	}
	return append([]byte{}, data...), nil
}

func (m *MemoryNet) PutPointer(ctx context.Context, name address.Address, target address.Address) error {
	if err := ctx.Err(); err != nil {
		return ErrTimeout
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrUnavailable
	}
	m.pointers[name] = target
	return nil
}

func (m *MemoryNet) GetPointer(ctx context.Context, name address.Address) (address.Address, error) {
	if err := ctx.Err(); err != nil {
		return address.Address{}, ErrTimeout
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return address.Address{}, ErrUnavailable
	}
	target, ok := m.pointers[name]
	if !ok {
		return address.Address{}, ErrPointerNotFound
	}
	return target, nil
}

func (m *MemoryNet) ChunkFee(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, ErrTimeout
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrUnavailable
	}
	return m.fee, nil
}

func (m *MemoryNet) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return ErrTimeout
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrUnavailable
	}
	return nil
}

func (m *MemoryNet) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// SetChunkFee overrides the per-chunk fee. Test hook.
func (m *MemoryNet) SetChunkFee(fee uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fee = fee
}

// ChunkCount returns the number of distinct chunks stored.
func (m *MemoryNet) ChunkCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks)
}

// WriteCount returns the number of logical chunk writes performed,
// not counting idempotent re-puts of existing chunks.
func (m *MemoryNet) WriteCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// DropChunk removes a chunk. Test hook for simulating missing or
// never-uploaded content.
func (m *MemoryNet) DropChunk(addr address.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chunks, addr)
}

// CorruptChunk replaces a stored chunk's bytes. Test hook for
// simulating a node serving bad data.
func (m *MemoryNet) CorruptChunk(addr address.Address, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks[addr] = append([]byte{}, data...)
}
