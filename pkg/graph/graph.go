// Package graph maintains the version history of published
// applications: an append-only set of immutable entries linked by
// parent addresses, plus one mutable pointer per application naming
// the current latest entry. The pointer is the only mutable state in
// the whole system; writes are last-write-wins, and two publishers
// racing on the same application id can orphan one entry. That entry
// stays retrievable by address; the graph never merges histories on
// its own. Single-writer discipline is expected from the publishing
// tool.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/antdist/antdist/pkg/address"
	"github.com/antdist/antdist/pkg/codec"
	"github.com/antdist/antdist/pkg/model"
	"github.com/antdist/antdist/pkg/network"
	"github.com/antdist/antdist/pkg/retry"
	"github.com/antdist/antdist/pkg/transfer"
)

// ErrPointerNotFound means no version was ever published for the
// application id.
var ErrPointerNotFound = errors.New("graph: pointer not found")

// Done signals the end of a history enumeration.
var Done = errors.New("graph: no more entries")

var pointerDomain = []byte("antdist.pointer.v1:")

// EntryRef pairs a graph entry with its content address.
type EntryRef struct {
	Address address.Address
	Entry   model.GraphEntry
}

// Manager publishes and resolves version histories over one shared
// transfer layer.
type Manager struct {
	transfer *transfer.Transfer
	handle   *network.Handle
	policy   retry.Policy
	log      *slog.Logger

	// publishMu serializes publishes per application id within this
	// process. The cross-process race on the network pointer remains;
	// see the package comment.
	mu        sync.Mutex
	publishMu map[string]*sync.Mutex
}

// New creates a Manager.
func New(tr *transfer.Transfer, handle *network.Handle, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		transfer:  tr,
		handle:    handle,
		policy:    retry.Default(),
		log:       logger,
		publishMu: make(map[string]*sync.Mutex),
	}
}

// PointerName derives the network-side pointer name for an
// application id. Deterministic, so every client resolves the same
// pointer for the same id.
func PointerName(appID string) address.Address {
	return address.FromData(append(append([]byte{}, pointerDomain...), appID...))
}

func (m *Manager) appLock(appID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.publishMu[appID]
	if !ok {
		l = &sync.Mutex{}
		m.publishMu[appID] = l
	}
	return l
}

// Publish uploads a manifest, appends a graph entry referencing the
// given parents, and moves the application's pointer to the new entry.
// Parents is normally the current latest entry, or empty for a first
// publish. The entry is only uploaded after its manifest is, and the
// pointer only written after the entry is, so a failed publish never
// leaves the pointer on a dangling address.
func (m *Manager) Publish(ctx context.Context, appID string, manifestBytes []byte, parents []address.Address) (EntryRef, error) {
	lock := m.appLock(appID)
	lock.Lock()
	defer lock.Unlock()

	manifestURI, err := m.transfer.Upload(ctx, manifestBytes)
	if err != nil {
		return EntryRef{}, fmt.Errorf("graph: manifest upload: %w", err)
	}
	manifestAddr, err := address.DecodeURI(manifestURI)
	if err != nil {
		return EntryRef{}, err
	}

	entry := model.GraphEntry{
		Manifest: manifestAddr,
		Parents:  parents,
		Created:  time.Now().UnixMilli(),
	}
	encoded, err := codec.Marshal(entry)
	if err != nil {
		return EntryRef{}, fmt.Errorf("graph: entry encode: %w", err)
	}

	entryURI, err := m.transfer.Upload(ctx, encoded)
	if err != nil {
		return EntryRef{}, fmt.Errorf("graph: entry upload: %w", err)
	}
	entryAddr, err := address.DecodeURI(entryURI)
	if err != nil {
		return EntryRef{}, err
	}

	client, err := m.handle.Client()
	if err != nil {
		return EntryRef{}, err
	}
	err = m.policy.Do(ctx, func() error {
		return client.PutPointer(ctx, PointerName(appID), entryAddr)
	})
	if err != nil {
		return EntryRef{}, fmt.Errorf("graph: pointer write: %w", err)
	}

	m.log.Info("published version",
		"app", appID,
		"entry", entryAddr.Hex(),
		"parents", len(parents))
	return EntryRef{Address: entryAddr, Entry: entry}, nil
}

// ResolveLatest returns the entry the application's pointer currently
// names. Fails with ErrPointerNotFound when nothing was ever
// published.
func (m *Manager) ResolveLatest(ctx context.Context, appID string) (EntryRef, error) {
	client, err := m.handle.Client()
	if err != nil {
		return EntryRef{}, err
	}

	var target address.Address
	err = m.policy.Do(ctx, func() error {
		var opErr error
		target, opErr = client.GetPointer(ctx, PointerName(appID))
		return opErr
	})
	if errors.Is(err, network.ErrPointerNotFound) {
		return EntryRef{}, fmt.Errorf("%w: app %q", ErrPointerNotFound, appID)
	}
	if err != nil {
		return EntryRef{}, err
	}

	return m.Entry(ctx, target)
}

// Entry fetches and decodes a single graph entry by address.
func (m *Manager) Entry(ctx context.Context, addr address.Address) (EntryRef, error) {
	data, err := m.transfer.Download(ctx, address.EncodeURI(addr))
	if err != nil {
		return EntryRef{}, err
	}

	var entry model.GraphEntry
	if err := codec.Unmarshal(data, &entry); err != nil {
		return EntryRef{}, fmt.Errorf("graph: entry decode: %w", err)
	}
	return EntryRef{Address: addr, Entry: entry}, nil
}

// History returns a lazy iterator over every entry reachable from the
// application's latest, each visited exactly once. No network traffic
// happens before the first Next call. Enumeration order is not
// specified beyond the exactly-once guarantee.
func (m *Manager) History(appID string) *HistoryIterator {
	return &HistoryIterator{m: m, appID: appID}
}

// HistoryIterator walks parent links from the latest entry with an
// explicit visited set, so diamonds in mirrored or re-published
// histories are traversed once. Restartable via Reset.
type HistoryIterator struct {
	m       *Manager
	appID   string
	started bool
	stack   []address.Address
	seen    map[address.Address]struct{}
}

// Next returns the next reachable entry, or Done when the history is
// exhausted.
func (it *HistoryIterator) Next(ctx context.Context) (EntryRef, error) {
	if !it.started {
		latest, err := it.m.ResolveLatest(ctx, it.appID)
		if err != nil {
			return EntryRef{}, err
		}
		it.started = true
		it.stack = nil
		it.seen = map[address.Address]struct{}{latest.Address: {}}
		for _, p := range latest.Entry.Parents {
			it.push(p)
		}
		return latest, nil
	}

	if len(it.stack) == 0 {
		return EntryRef{}, Done
	}

	addr := it.stack[len(it.stack)-1]
	it.stack = it.stack[:len(it.stack)-1]

	ref, err := it.m.Entry(ctx, addr)
	if err != nil {
		return EntryRef{}, err
	}
	for _, p := range ref.Entry.Parents {
		it.push(p)
	}
	return ref, nil
}

func (it *HistoryIterator) push(addr address.Address) {
	if _, ok := it.seen[addr]; ok {
		return
	}
	it.seen[addr] = struct{}{}
	it.stack = append(it.stack, addr)
}

// Reset rewinds the iterator; the next Next call resolves latest
// again.
func (it *HistoryIterator) Reset() {
	it.started = false
	it.stack = nil
	it.seen = nil
}
