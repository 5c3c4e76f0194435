package antdist

import (
	"log/slog"
	"os"

	"github.com/antdist/antdist/pkg/manifest"
	"github.com/antdist/antdist/pkg/network"
	"github.com/antdist/antdist/pkg/retry"
)

// Config configures a Distributor.
type Config struct {
	// Network selects the storage network.
	Network network.Mode
	// Dialer overrides how the network client is built. Nil uses the
	// default for the selected mode.
	Dialer network.Dialer
	// CacheDir holds the local resolution cache. Empty disables
	// caching entirely.
	CacheDir string
	// MinimumFreeGB refuses to start when the cache filesystem has
	// less free space. Zero disables the check.
	MinimumFreeGB uint
	// Retry overrides the transfer retry policy. Zero value uses the
	// default.
	Retry retry.Policy
	// Verify checks component signatures. Nil accepts everything.
	Verify manifest.SignatureVerifier
	// ConfirmCost is consulted before every publish with the estimated
	// cost. Nil auto-approves. Returning false aborts the publish
	// before any write.
	ConfirmCost func(Cost) bool
	// Logger is an optional structured logger. If nil, a stderr logger
	// is used.
	Logger *slog.Logger
}

func defaultLogger() *slog.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return slog.New(h)
}
