// Package antdist is a decentralized distribution core for versioned
// application manifests and component artifacts. Content lives on a
// content-addressed storage network under ant:// URIs; each
// application's release history forms a parent-linked graph behind a
// mutable pointer, and verified artifacts are cached locally.
package antdist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/antdist/antdist/pkg/address"
	"github.com/antdist/antdist/pkg/cache"
	"github.com/antdist/antdist/pkg/cost"
	"github.com/antdist/antdist/pkg/graph"
	"github.com/antdist/antdist/pkg/manifest"
	"github.com/antdist/antdist/pkg/network"
	"github.com/antdist/antdist/pkg/transfer"
)

var (
	ErrNotStarted      = errors.New("antdist: distributor not started")
	ErrClosed          = errors.New("antdist: distributor closed")
	ErrPublishDeclined = errors.New("antdist: publish declined by cost confirmation")
)

// Cost is an upload estimate.
type Cost = cost.Cost

// PublishResult reports a completed publish.
type PublishResult struct {
	// URI addresses the manifest itself.
	URI string
	// Entry addresses the version graph entry wrapping the manifest.
	Entry address.Address
	// Cost is the estimate that was confirmed before writing.
	Cost Cost
}

// Distributor is the main handle. It owns the network connection, the
// transfer layer, the version graph, and the local cache.
type Distributor struct {
	log    *slog.Logger
	config Config

	handle   *network.Handle
	transfer *transfer.Transfer
	graph    *graph.Manager
	storeMu  sync.RWMutex
	store    *cache.Store
	host     manifest.HostInfo

	started   atomic.Bool
	closed    atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

// New constructs a Distributor. New performs no I/O; call Start to
// connect and open the cache.
func New(conf Config) (*Distributor, error) {
	if conf.Logger == nil {
		conf.Logger = defaultLogger()
	}
	return &Distributor{
		log:    conf.Logger,
		config: conf,
		host:   manifest.CurrentHost(),
	}, nil
}

// Start connects to the network and opens the local cache. Start is
// safe to call multiple times; only the first call has effect.
func (d *Distributor) Start(ctx context.Context) error {
	var startErr error
	d.startOnce.Do(func() {
		handle := network.NewHandle(d.config.Dialer, d.log)
		if err := handle.Connect(ctx, d.config.Network); err != nil {
			startErr = fmt.Errorf("connect %s network: %w", d.config.Network, err)
			return
		}

		var store *cache.Store
		if d.config.CacheDir != "" {
			var err error
			store, err = cache.New(cache.Config{
				Dir:           d.config.CacheDir,
				MinimumFreeGB: d.config.MinimumFreeGB,
			})
			if err != nil {
				_ = handle.Disconnect()
				startErr = fmt.Errorf("open cache: %w", err)
				return
			}
		}

		opts := []transfer.Option{transfer.WithLogger(d.log)}
		if d.config.Retry.MaxAttempts != 0 {
			opts = append(opts, transfer.WithRetryPolicy(d.config.Retry))
		}
		tr := transfer.New(handle, opts...)

		d.handle = handle
		d.transfer = tr
		d.graph = graph.New(tr, handle, d.log)
		d.storeMu.Lock()
		d.store = store
		d.storeMu.Unlock()

		d.started.Store(true)
		d.log.Info("distributor started", "network", d.config.Network.String())
	})
	return startErr
}

// Close disconnects and releases resources. Close is idempotent.
func (d *Distributor) Close(ctx context.Context) error {
	var closeErr error
	d.closeOnce.Do(func() {
		if !d.started.Load() {
			return
		}

		d.storeMu.Lock()
		store := d.store
		d.store = nil
		d.storeMu.Unlock()
		if store != nil {
			if err := store.Close(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("close cache: %w", err))
			}
		}

		d.transfer.Close()
		if err := d.handle.Disconnect(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("disconnect: %w", err))
		}

		d.closed.Store(true)
		d.log.Info("distributor closed")
	})
	return closeErr
}

func (d *Distributor) ready() error {
	if d.closed.Load() {
		return ErrClosed
	}
	if !d.started.Load() {
		return ErrNotStarted
	}
	return nil
}

func (d *Distributor) cacheStore() *cache.Store {
	d.storeMu.RLock()
	defer d.storeMu.RUnlock()
	return d.store
}

// Publish validates a manifest, confirms its cost, uploads it, and
// advances the application's version pointer. When no parents are
// given the current latest entry becomes the sole parent, so
// successive publishes form a linear history; a first publish has no
// parents.
func (d *Distributor) Publish(ctx context.Context, appID string, manifestJSON []byte, parents ...address.Address) (PublishResult, error) {
	if err := d.ready(); err != nil {
		return PublishResult{}, err
	}
	if _, err := manifest.ValidateSchema(manifestJSON); err != nil {
		return PublishResult{}, fmt.Errorf("antdist: refusing to publish: %w", err)
	}

	estimate, err := cost.Estimate(ctx, d.handle, manifestJSON)
	if err != nil {
		return PublishResult{}, fmt.Errorf("antdist: estimate: %w", err)
	}
	if d.config.ConfirmCost != nil && !d.config.ConfirmCost(estimate) {
		return PublishResult{}, ErrPublishDeclined
	}

	if len(parents) == 0 {
		latest, err := d.graph.ResolveLatest(ctx, appID)
		switch {
		case err == nil:
			parents = []address.Address{latest.Address}
		case errors.Is(err, graph.ErrPointerNotFound):
			// First publish.
		default:
			return PublishResult{}, fmt.Errorf("antdist: resolve current latest: %w", err)
		}
	}

	ref, err := d.graph.Publish(ctx, appID, manifestJSON, parents)
	if err != nil {
		return PublishResult{}, fmt.Errorf("antdist: publish: %w", err)
	}

	if store := d.cacheStore(); store != nil {
		if err := store.RememberLatest(appID, ref.Address); err != nil {
			d.log.Warn("pointer mirror update failed", "app", appID, "error", err)
		}
	}

	return PublishResult{
		URI:   address.EncodeURI(ref.Entry.Manifest),
		Entry: ref.Address,
		Cost:  estimate,
	}, nil
}

// ResolveLatest returns the most recent version entry for an
// application from the network and refreshes the local pointer
// mirror.
func (d *Distributor) ResolveLatest(ctx context.Context, appID string) (graph.EntryRef, error) {
	if err := d.ready(); err != nil {
		return graph.EntryRef{}, err
	}

	ref, err := d.graph.ResolveLatest(ctx, appID)
	if err != nil {
		return graph.EntryRef{}, err
	}

	if store := d.cacheStore(); store != nil {
		if err := store.RememberLatest(appID, ref.Address); err != nil {
			d.log.Warn("pointer mirror update failed", "app", appID, "error", err)
		}
	}
	return ref, nil
}

// LastKnownLatest returns the locally mirrored latest entry address
// for an application. The answer may be stale versus the network and
// is intended for offline use; cache.ErrMiss when the application was
// never resolved or published from this machine.
func (d *Distributor) LastKnownLatest(appID string) (address.Address, error) {
	if err := d.ready(); err != nil {
		return address.Address{}, err
	}
	store := d.cacheStore()
	if store == nil {
		return address.Address{}, cache.ErrMiss
	}
	return store.LastKnownLatest(appID)
}

// History returns a lazy iterator over an application's version graph,
// newest first, each entry visited once.
func (d *Distributor) History(appID string) (*graph.HistoryIterator, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	return d.graph.History(appID), nil
}

// FetchManifest downloads and verifies the manifest referenced by a
// version entry. Schema violations and signature failures are errors;
// a missing signature is only an error when a verifier is configured
// and the manifest names a publisher.
func (d *Distributor) FetchManifest(ctx context.Context, entry graph.EntryRef) (*manifest.Manifest, []byte, error) {
	if err := d.ready(); err != nil {
		return nil, nil, err
	}

	data, err := d.transfer.Download(ctx, address.EncodeURI(entry.Entry.Manifest))
	if err != nil {
		return nil, nil, fmt.Errorf("antdist: fetch manifest: %w", err)
	}

	m, err := manifest.ValidateSchema(data)
	if err != nil {
		return nil, nil, err
	}

	if d.config.Verify != nil && m.Publisher != "" {
		if !d.config.Verify(data, m.Signature, m.Publisher) {
			return nil, nil, manifest.ErrSignatureInvalid
		}
	}

	return m, data, nil
}

// Install fetches one component's artifact, verifying platform
// compatibility and content integrity. Verified bytes are served from
// and written to the local cache; a corrupted cache entry is evicted
// and refetched transparently. Bytes that fail the integrity check are
// never cached.
func (d *Distributor) Install(ctx context.Context, comp manifest.Component) ([]byte, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	if err := manifest.CheckLoad(comp, d.host); err != nil {
		return nil, err
	}

	store := d.cacheStore()
	if store != nil {
		entry, err := store.Get(comp.ID, comp.Version)
		switch {
		case err == nil:
			return entry.Data, nil
		case errors.Is(err, cache.ErrMiss):
		case errors.Is(err, cache.ErrCorrupt):
			d.log.Warn("cache entry corrupt, refetching", "component", comp.ID, "version", comp.Version)
		default:
			return nil, fmt.Errorf("antdist: cache read: %w", err)
		}
	}

	data, err := d.transfer.Download(ctx, comp.ID)
	if err != nil {
		return nil, fmt.Errorf("antdist: fetch component %s: %w", comp.ID, err)
	}

	if comp.Hash != "" && !manifest.VerifyIntegrity(data, comp.Hash) {
		return nil, fmt.Errorf("%w: component %s@%s", manifest.ErrHashMismatch, comp.ID, comp.Version)
	}

	if store != nil {
		err := store.Put(cache.Entry{
			ComponentID: comp.ID,
			Version:     comp.Version,
			URI:         comp.ID,
			Hash:        address.FromData(data),
			Data:        data,
		})
		if err != nil {
			d.log.Warn("cache write failed", "component", comp.ID, "error", err)
		}
	}

	return data, nil
}

// Estimate reports what uploading data would cost without performing
// any write.
func (d *Distributor) Estimate(ctx context.Context, data []byte) (Cost, error) {
	if err := d.ready(); err != nil {
		return Cost{}, err
	}
	return cost.Estimate(ctx, d.handle, data)
}

// Upload stores arbitrary bytes on the network and returns their
// ant:// URI.
func (d *Distributor) Upload(ctx context.Context, data []byte) (string, error) {
	if err := d.ready(); err != nil {
		return "", err
	}
	return d.transfer.Upload(ctx, data)
}

// Download retrieves the bytes behind an ant:// URI.
func (d *Distributor) Download(ctx context.Context, uri string) ([]byte, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	return d.transfer.Download(ctx, uri)
}

// ClearCache drops all cached artifacts and pointer mirrors.
func (d *Distributor) ClearCache() error {
	if err := d.ready(); err != nil {
		return err
	}
	store := d.cacheStore()
	if store == nil {
		return nil
	}
	return store.Clear()
}

// Healthy reports whether the network connection currently responds.
func (d *Distributor) Healthy(ctx context.Context) bool {
	if d.closed.Load() || !d.started.Load() {
		return false
	}
	return d.handle.HealthCheck(ctx)
}
