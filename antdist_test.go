package antdist

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"

	"github.com/antdist/antdist/pkg/address"
	"github.com/antdist/antdist/pkg/cache"
	"github.com/antdist/antdist/pkg/graph"
	"github.com/antdist/antdist/pkg/manifest"
	"github.com/antdist/antdist/pkg/network"
	"github.com/antdist/antdist/pkg/retry"
)

func testManifest(version string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": "com.example.notes",
		"name": "Notes",
		"version": %q,
		"iconUri": "ant://0000000000000000000000000000000000000000000000000000000000000000",
		"description": "a note taking app",
		"components": []
	}`, version))
}

// newTestDistributor wires a Distributor to a fresh in-memory network
// with short retry delays.
func newTestDistributor(t *testing.T, mutate func(*Config)) (*Distributor, *network.MemoryNet) {
	t.Helper()

	net := network.NewMemoryNet()
	conf := Config{
		Network: network.ModeLocal,
		Dialer: func(ctx context.Context, mode network.Mode) (network.Client, error) {
			return net, nil
		},
		CacheDir: t.TempDir(),
		Retry:    retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond},
	}
	if mutate != nil {
		mutate(&conf)
	}

	d, err := New(conf)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	return d, net
}

func TestLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	d, _ := newTestDistributor(t, nil)

	// Start again is a no-op.
	require.NoError(t, d.Start(ctx))
	assert.True(t, d.Healthy(ctx))

	require.NoError(t, d.Close(ctx))
	require.NoError(t, d.Close(ctx))
	assert.False(t, d.Healthy(ctx))

	_, err := d.Estimate(ctx, []byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOperationsBeforeStart(t *testing.T) {
	t.Parallel()

	d, err := New(Config{Network: network.ModeLocal})
	require.NoError(t, err)

	_, err = d.Upload(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestPublishAndResolveLatest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	d, _ := newTestDistributor(t, nil)

	v1, err := d.Publish(ctx, "com.example.notes", testManifest("1.0.0"))
	require.NoError(t, err)
	assert.NotEmpty(t, v1.URI)
	assert.Greater(t, v1.Cost.Total, uint64(0))

	v2, err := d.Publish(ctx, "com.example.notes", testManifest("2.0.0"))
	require.NoError(t, err)

	latest, err := d.ResolveLatest(ctx, "com.example.notes")
	require.NoError(t, err)
	assert.True(t, latest.Address.Equal(v2.Entry))
	require.Len(t, latest.Entry.Parents, 1)
	assert.True(t, latest.Entry.Parents[0].Equal(v1.Entry))

	// The pointer mirror followed the publishes.
	mirrored, err := d.LastKnownLatest("com.example.notes")
	require.NoError(t, err)
	assert.True(t, mirrored.Equal(v2.Entry))
}

func TestPublishRejectsInvalidManifest(t *testing.T) {
	t.Parallel()

	d, net := newTestDistributor(t, nil)

	_, err := d.Publish(context.Background(), "com.example.notes", []byte(`{"name": "X"}`))
	require.Error(t, err)
	var schemaErr *manifest.SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, "id", schemaErr.Field)

	// Nothing reached the network.
	assert.Equal(t, 0, net.WriteCount())
}

func TestPublishDeclined(t *testing.T) {
	t.Parallel()

	var seen Cost
	d, net := newTestDistributor(t, func(c *Config) {
		c.ConfirmCost = func(c Cost) bool {
			seen = c
			return false
		}
	})

	_, err := d.Publish(context.Background(), "com.example.notes", testManifest("1.0.0"))
	assert.ErrorIs(t, err, ErrPublishDeclined)
	assert.Greater(t, seen.Total, uint64(0))
	assert.Equal(t, 0, net.WriteCount())
}

func TestEstimatePerformsNoWrite(t *testing.T) {
	t.Parallel()

	d, net := newTestDistributor(t, nil)

	c, err := d.Estimate(context.Background(), make([]byte, 2_000_000))
	require.NoError(t, err)
	assert.Equal(t, 3, c.Chunks)
	assert.Equal(t, uint64(3)*c.FeePerChunk*c.Redundancy, c.Total)
	assert.Equal(t, 0, net.WriteCount())
}

func TestHistoryWalk(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	d, _ := newTestDistributor(t, nil)

	versions := []string{"1.0.0", "1.1.0", "2.0.0"}
	entries := make([]address.Address, 0, len(versions))
	for _, v := range versions {
		res, err := d.Publish(ctx, "com.example.notes", testManifest(v))
		require.NoError(t, err)
		entries = append(entries, res.Entry)
	}

	it, err := d.History("com.example.notes")
	require.NoError(t, err)

	var walked []address.Address
	for {
		ref, err := it.Next(ctx)
		if errors.Is(err, graph.Done) {
			break
		}
		require.NoError(t, err)
		walked = append(walked, ref.Address)
	}

	require.Len(t, walked, 3)
	assert.True(t, walked[0].Equal(entries[2]), "newest first")
}

func TestFetchManifest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	d, _ := newTestDistributor(t, nil)

	_, err := d.Publish(ctx, "com.example.notes", testManifest("1.0.0"))
	require.NoError(t, err)

	latest, err := d.ResolveLatest(ctx, "com.example.notes")
	require.NoError(t, err)

	m, data, err := d.FetchManifest(ctx, latest)
	require.NoError(t, err)
	assert.Equal(t, "com.example.notes", m.ID)
	assert.Equal(t, "1.0.0", m.Version)
	assert.NotEmpty(t, data)
}

func TestFetchManifestSignature(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	signed := []byte(`{
		"id": "com.example.notes",
		"name": "Notes",
		"version": "1.0.0",
		"iconUri": "x",
		"description": "d",
		"publisher": "key-1",
		"signature": "sig-1",
		"components": []
	}`)

	d, _ := newTestDistributor(t, func(c *Config) {
		c.Verify = func(data []byte, signature, publisherKey string) bool {
			return signature == "sig-1" && publisherKey == "key-1"
		}
	})

	_, err := d.Publish(ctx, "com.example.notes", signed)
	require.NoError(t, err)
	latest, err := d.ResolveLatest(ctx, "com.example.notes")
	require.NoError(t, err)

	_, _, err = d.FetchManifest(ctx, latest)
	require.NoError(t, err)

	// A verifier that rejects surfaces the signature error.
	d2, _ := newTestDistributor(t, func(c *Config) {
		c.Dialer = d.config.Dialer
		c.Verify = func([]byte, string, string) bool { return false }
	})
	latest2, err := d2.ResolveLatest(ctx, "com.example.notes")
	require.NoError(t, err)
	_, _, err = d2.FetchManifest(ctx, latest2)
	assert.ErrorIs(t, err, manifest.ErrSignatureInvalid)
}

func installable(t *testing.T, d *Distributor, payload []byte) manifest.Component {
	t.Helper()
	uri, err := d.Upload(context.Background(), payload)
	require.NoError(t, err)
	sum := blake3.Sum256(payload)
	return manifest.Component{
		ID:      uri,
		Name:    "engine",
		Kind:    manifest.KindBackend,
		Version: "1.0.0",
		Hash:    hex.EncodeToString(sum[:]),
	}
}

func TestInstallRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	d, net := newTestDistributor(t, nil)
	payload := []byte("backend binary bytes")
	comp := installable(t, d, payload)

	got, err := d.Install(ctx, comp)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// Second install is served from the cache, not the network.
	top, err := address.DecodeURI(comp.ID)
	require.NoError(t, err)
	net.DropChunk(top)
	got, err = d.Install(ctx, comp)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestInstallHashMismatchNotCached(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	d, _ := newTestDistributor(t, nil)
	comp := installable(t, d, []byte("honest bytes"))
	comp.Hash = "deadbeef" + comp.Hash[8:]

	_, err := d.Install(ctx, comp)
	require.ErrorIs(t, err, manifest.ErrHashMismatch)

	// The rejected bytes were not cached.
	store := d.cacheStore()
	_, err = store.Get(comp.ID, comp.Version)
	assert.ErrorIs(t, err, cache.ErrMiss)
}

func TestInstallRefusesWrongTarget(t *testing.T) {
	t.Parallel()

	d, _ := newTestDistributor(t, nil)
	comp := installable(t, d, []byte("binary"))
	comp.Target = "riscv64-unknown-none"

	_, err := d.Install(context.Background(), comp)
	var refused *manifest.LoadRefusedError
	require.ErrorAs(t, err, &refused)
	assert.Equal(t, "target", refused.Field)
}

func TestClearCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	d, net := newTestDistributor(t, nil)
	payload := []byte("cached artifact")
	comp := installable(t, d, payload)

	_, err := d.Install(ctx, comp)
	require.NoError(t, err)
	require.NoError(t, d.ClearCache())

	// Cache is empty, so the install must go back to the network.
	top, err := address.DecodeURI(comp.ID)
	require.NoError(t, err)
	net.DropChunk(top)
	_, err = d.Install(ctx, comp)
	assert.Error(t, err)
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	d, _ := newTestDistributor(t, nil)

	payload := make([]byte, 3<<20)
	for i := range payload {
		payload[i] = byte(i * 31)
	}

	uri, err := d.Upload(ctx, payload)
	require.NoError(t, err)

	got, err := d.Download(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestHostMatchesRuntime(t *testing.T) {
	t.Parallel()

	d, _ := newTestDistributor(t, nil)
	if runtime.GOOS == "linux" {
		assert.Contains(t, d.host.Triple, "linux")
	}
}
