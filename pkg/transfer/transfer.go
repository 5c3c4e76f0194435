// Package transfer moves payloads to and from the storage network.
// Uploads split and self-encrypt large payloads into chunks; downloads
// fetch, decrypt, and reassemble them. All addressing is content
// derived, so both directions are idempotent and safe to retry.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/antdist/antdist/pkg/address"
	"github.com/antdist/antdist/pkg/codec"
	"github.com/antdist/antdist/pkg/model"
	"github.com/antdist/antdist/pkg/network"
	"github.com/antdist/antdist/pkg/retry"
	"github.com/antdist/antdist/pkg/selfencrypt"
	"github.com/antdist/antdist/pkg/workerpool"
)

var (
	// ErrNotFound means the data map or one of its chunks is absent
	// from the network.
	ErrNotFound = errors.New("transfer: content not found")
	// ErrCorrupt means fetched content does not decrypt or reassemble
	// to what its address promises.
	ErrCorrupt = errors.New("transfer: corrupt content")
)

const defaultChunkTimeout = 30 * time.Second

// Transfer performs chunked uploads and downloads over one shared
// network handle.
type Transfer struct {
	handle       *network.Handle
	pool         *workerpool.Pool
	ownPool      bool
	policy       retry.Policy
	chunkTimeout time.Duration
	log          *slog.Logger
}

// Option configures a Transfer.
type Option func(*Transfer)

// WithPool shares an existing worker pool instead of creating one.
func WithPool(pool *workerpool.Pool) Option {
	return func(t *Transfer) {
		if pool != nil {
			t.pool = pool
			t.ownPool = false
		}
	}
}

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(policy retry.Policy) Option {
	return func(t *Transfer) { t.policy = policy }
}

// WithChunkTimeout overrides the per-chunk operation timeout.
func WithChunkTimeout(d time.Duration) Option {
	return func(t *Transfer) {
		if d > 0 {
			t.chunkTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transfer) {
		if logger != nil {
			t.log = logger
		}
	}
}

// New creates a Transfer on the given handle.
func New(handle *network.Handle, opts ...Option) *Transfer {
	t := &Transfer{
		handle:       handle,
		pool:         workerpool.New(workerpool.Config{}),
		ownPool:      true,
		policy:       retry.Default(),
		chunkTimeout: defaultChunkTimeout,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Close releases the internal worker pool. A shared pool passed via
// WithPool is left alone.
func (t *Transfer) Close() {
	if t.ownPool {
		t.pool.Close()
	}
}

// Upload stores data on the network and returns its ant:// URI.
// Payloads at or below the chunk limit become a single literal chunk
// whose own address is the URI. Larger payloads are self-encrypted
// into chunks; all chunks are uploaded first, and only then the
// DataMap that references them, so a cancelled upload never leaves a
// reachable DataMap with dangling references. Uploading the same bytes
// twice yields the same URI and no duplicate write.
func (t *Transfer) Upload(ctx context.Context, data []byte) (string, error) {
	client, err := t.handle.Client()
	if err != nil {
		return "", err
	}

	chunks, top, err := buildPlan(data)
	if err != nil {
		return "", err
	}

	if len(chunks) > 0 {
		if err := t.putAll(ctx, client, chunks); err != nil {
			return "", err
		}
	}
	if err := t.putChunk(ctx, client, top); err != nil {
		return "", err
	}

	t.log.Debug("upload complete",
		"uri", address.EncodeURI(top.Address),
		"bytes", len(data),
		"chunks", len(chunks)+1)
	return address.EncodeURI(top.Address), nil
}

// Download fetches the content behind an ant:// URI and reassembles
// it. It fails with ErrNotFound when the record or any referenced
// chunk is absent, and with ErrCorrupt when the content does not
// verify.
func (t *Transfer) Download(ctx context.Context, uri string) ([]byte, error) {
	addr, err := address.DecodeURI(uri)
	if err != nil {
		return nil, err
	}

	client, err := t.handle.Client()
	if err != nil {
		return nil, err
	}

	record, err := t.getChunk(ctx, client, addr)
	if err != nil {
		return nil, err
	}

	for {
		kind, payload, err := model.ParseRecord(record)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}

		switch kind {
		case model.RecordLiteral:
			return payload, nil

		case model.RecordDataMap, model.RecordNested:
			var dm model.DataMap
			if err := codec.Unmarshal(payload, &dm); err != nil {
				return nil, fmt.Errorf("%w: data map decode: %v", ErrCorrupt, err)
			}

			sealed, err := t.getAll(ctx, client, dm.Refs)
			if err != nil {
				return nil, err
			}

			plain, err := selfencrypt.Decrypt(dm, sealed)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
			}

			if kind == model.RecordNested {
				record = plain
				continue
			}
			return plain, nil
		}
	}
}

// CountChunks reports how many chunk writes Upload would perform for
// the given payload, DataMap chunks included. Pure, no I/O; the cost
// estimator builds on it.
func CountChunks(data []byte) (int, error) {
	chunks, _, err := buildPlan(data)
	if err != nil {
		return 0, err
	}
	return len(chunks) + 1, nil
}

// buildPlan computes every chunk an upload has to store plus the top
// record a URI will point at. Oversized encoded DataMaps are split
// again, recursively.
func buildPlan(data []byte) ([]model.Chunk, model.Chunk, error) {
	if len(data) <= model.ChunkMax {
		record := model.EncodeRecord(model.RecordLiteral, data)
		return nil, model.Chunk{Address: address.FromData(record), Data: record}, nil
	}

	var chunks []model.Chunk
	payload := data
	kind := model.RecordDataMap

	for {
		dm, sealed, err := selfencrypt.Encrypt(payload)
		if err != nil {
			return nil, model.Chunk{}, err
		}
		chunks = append(chunks, sealed...)

		encoded, err := codec.Marshal(dm)
		if err != nil {
			return nil, model.Chunk{}, fmt.Errorf("transfer: data map encode: %w", err)
		}
		record := model.EncodeRecord(kind, encoded)

		if len(encoded) <= model.ChunkMax {
			return chunks, model.Chunk{Address: address.FromData(record), Data: record}, nil
		}

		// The encoded DataMap itself is too large to store whole.
		payload = record
		kind = model.RecordNested
	}
}

func (t *Transfer) putAll(ctx context.Context, client network.Client, chunks []model.Chunk) error {
	room := t.pool.NewRoom(len(chunks))
	for _, c := range chunks {
		c := c
		room.Submit(func() any {
			return t.putChunk(ctx, client, c)
		})
	}

	for _, result := range room.Collect() {
		if err, ok := result.(error); ok && err != nil {
			return err
		}
	}
	return nil
}

type fetched struct {
	index int
	data  []byte
	err   error
}

func (t *Transfer) getAll(ctx context.Context, client network.Client, refs []model.ChunkRef) ([][]byte, error) {
	room := t.pool.NewRoom(len(refs))
	for i, ref := range refs {
		i, ref := i, ref
		room.Submit(func() any {
			data, err := t.getChunk(ctx, client, ref.Address)
			return fetched{index: i, data: data, err: err}
		})
	}

	sealed := make([][]byte, len(refs))
	for _, result := range room.Collect() {
		f := result.(fetched)
		if f.err != nil {
			return nil, f.err
		}
		sealed[f.index] = f.data
	}
	return sealed, nil
}

func (t *Transfer) putChunk(ctx context.Context, client network.Client, chunk model.Chunk) error {
	return t.policy.Do(ctx, func() error {
		opCtx, cancel := context.WithTimeout(ctx, t.chunkTimeout)
		defer cancel()
		return mapTimeout(client.PutChunk(opCtx, chunk.Address, chunk.Data))
	})
}

func (t *Transfer) getChunk(ctx context.Context, client network.Client, addr address.Address) ([]byte, error) {
	var data []byte
	err := t.policy.Do(ctx, func() error {
		opCtx, cancel := context.WithTimeout(ctx, t.chunkTimeout)
		defer cancel()
		var opErr error
		data, opErr = client.GetChunk(opCtx, addr)
		return mapTimeout(opErr)
	})
	if errors.Is(err, network.ErrChunkNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	return data, err
}

// mapTimeout folds context deadline errors into the network timeout
// sentinel so the retry policy treats them as transient.
func mapTimeout(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return network.ErrTimeout
	}
	return err
}
