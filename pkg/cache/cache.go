// Package cache is the local resolution cache: verified component
// bytes keyed by component id and version, plus a locally mirrored
// copy of each application's last known pointer for offline reads.
// Entries are written only after integrity verification and verified
// again on every read; since verified content is immutable, entries
// never go stale; they only leave via explicit eviction or corruption
// detection.
package cache

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/antdist/antdist/pkg/address"
	"github.com/antdist/antdist/pkg/codec"
)

var log *logrus.Logger

var (
	// ErrMiss means the cache holds no entry for the key.
	ErrMiss = errors.New("cache: miss")
	// ErrCorrupt means a stored entry no longer matches its hash. The
	// entry is evicted before this is returned; the caller re-fetches.
	ErrCorrupt = errors.New("cache: corrupt entry")
)

var (
	artifactPrefix = []byte("artifact:")
	pointerPrefix  = []byte("pointer:")
)

// Entry is one verified cache record.
type Entry struct {
	ComponentID string          `cbor:"1,keyasint"`
	Version     string          `cbor:"2,keyasint"`
	URI         string          `cbor:"3,keyasint"`
	Hash        address.Address `cbor:"4,keyasint"`
	Data        []byte          `cbor:"5,keyasint"`
}

// Config configures the cache store.
type Config struct {
	// Dir is the cache directory.
	Dir string
	// MinimumFreeGB refuses to open the cache when the filesystem has
	// less free space than this. Zero disables the check.
	MinimumFreeGB uint
	// Logger is optional.
	Logger *logrus.Logger
}

// Store is a badger-backed cache.
type Store struct {
	db     *badger.DB
	config Config
}

// New opens (or creates) the cache directory.
func New(config Config) (*Store, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	log = config.Logger

	if config.Dir == "" {
		return nil, fmt.Errorf("cache: no directory configured")
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create dir: %w", err)
	}
	if err := checkFreeSpace(config.Dir, config.MinimumFreeGB); err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(config.Dir)
	opts.Logger = nil
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("cache: open store: %w", err)
	}

	return &Store{db: db, config: config}, nil
}

func checkFreeSpace(dir string, minimumGB uint) error {
	if minimumGB == 0 {
		return nil
	}
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return fmt.Errorf("cache: statfs %s: %w", dir, err)
	}
	freeGB := stat.Bavail * uint64(stat.Bsize) / 1e9
	log.WithFields(logrus.Fields{
		"dir":    dir,
		"freeGB": freeGB,
	}).Info("cache directory free space")
	if freeGB < uint64(minimumGB) {
		return fmt.Errorf("cache: only %d GB free in %s, %d GB required", freeGB, dir, minimumGB)
	}
	return nil
}

// Close releases the store.
func (s *Store) Close() error {
	return s.db.Close()
}

func artifactKey(componentID, version string) []byte {
	return append(artifactPrefix, []byte(componentID+"\x00"+version)...)
}

func pointerKey(appID string) []byte {
	return append(pointerPrefix, []byte(appID)...)
}

// Put stores a verified entry. The data must match the entry's hash;
// a mismatch is refused so an unverified artifact can never enter the
// cache.
func (s *Store) Put(e Entry) error {
	if !address.FromData(e.Data).Equal(e.Hash) {
		return fmt.Errorf("cache: refusing to store %s@%s: data does not match hash", e.ComponentID, e.Version)
	}

	encoded, err := codec.Marshal(e)
	if err != nil {
		return fmt.Errorf("cache: encode entry: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(artifactKey(e.ComponentID, e.Version), encoded)
	})
	if err != nil {
		return fmt.Errorf("cache: store entry: %w", err)
	}

	log.WithFields(logrus.Fields{
		"component": e.ComponentID,
		"version":   e.Version,
		"bytes":     len(e.Data),
	}).Debug("cached verified artifact")
	return nil
}

// Get returns the entry for a component version, re-verifying its
// hash. A corrupted entry is evicted automatically and reported as
// ErrCorrupt so the caller re-fetches.
func (s *Store) Get(componentID, version string) (Entry, error) {
	var encoded []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(artifactKey(componentID, version))
		if err != nil {
			return err
		}
		encoded, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Entry{}, ErrMiss
	}
	if err != nil {
		return Entry{}, fmt.Errorf("cache: read entry: %w", err)
	}

	var e Entry
	if err := codec.Unmarshal(encoded, &e); err != nil {
		_ = s.Evict(componentID, version)
		return Entry{}, fmt.Errorf("%w: %s@%s: undecodable record", ErrCorrupt, componentID, version)
	}

	if !address.FromData(e.Data).Equal(e.Hash) {
		log.WithFields(logrus.Fields{
			"component": componentID,
			"version":   version,
		}).Warn("evicting corrupt cache entry")
		_ = s.Evict(componentID, version)
		return Entry{}, fmt.Errorf("%w: %s@%s: hash mismatch", ErrCorrupt, componentID, version)
	}

	return e, nil
}

// Evict removes one entry. Evicting an absent entry is a no-op.
func (s *Store) Evict(componentID, version string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(artifactKey(componentID, version))
	})
	if err != nil {
		return fmt.Errorf("cache: evict: %w", err)
	}
	return nil
}

// Clear drops every artifact entry and every mirrored pointer.
func (s *Store) Clear() error {
	err := s.db.DropAll()
	if err != nil {
		return fmt.Errorf("cache: clear: %w", err)
	}
	return nil
}

// RememberLatest mirrors the network pointer for an application
// locally. The mirror answers "latest known version" while offline and
// is explicitly allowed to be stale versus the network's authoritative
// pointer.
func (s *Store) RememberLatest(appID string, entry address.Address) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(pointerKey(appID), entry.Bytes())
	})
	if err != nil {
		return fmt.Errorf("cache: remember pointer: %w", err)
	}
	return nil
}

// LastKnownLatest returns the locally mirrored pointer for an
// application, which may be stale. ErrMiss when nothing was ever
// mirrored.
func (s *Store) LastKnownLatest(appID string) (address.Address, error) {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(pointerKey(appID))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return address.Address{}, ErrMiss
	}
	if err != nil {
		return address.Address{}, fmt.Errorf("cache: read pointer: %w", err)
	}
	if len(raw) != address.Size {
		_ = s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(pointerKey(appID))
		})
		return address.Address{}, fmt.Errorf("%w: pointer mirror for %q", ErrCorrupt, appID)
	}

	var addr address.Address
	copy(addr[:], raw)
	return addr, nil
}
