// Command antdist publishes and installs applications on the
// distribution network, and can serve the HTTP API as a daemon.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	antdist "github.com/antdist/antdist"
	"github.com/antdist/antdist/apiServer"
	"github.com/antdist/antdist/internal/config"
	"github.com/antdist/antdist/pkg/graph"
	"github.com/antdist/antdist/pkg/logging"
	"github.com/antdist/antdist/pkg/manifest"
	"github.com/antdist/antdist/pkg/network"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	conf, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logLevel(conf.LogLevel))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	dist, err := newDistributor(conf, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing distributor: %v\n", err)
		os.Exit(1)
	}
	if err := dist.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting distributor: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = dist.Close(shutdownCtx)
	}()

	if err := run(ctx, dist, conf, logger, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("Usage: antdist [-config file] <command> [arguments]")
	fmt.Println("Commands:")
	fmt.Println("  serve")
	fmt.Println("  publish <app-id> <manifest.json>")
	fmt.Println("  install <component-id> <version> <output-file>")
	fmt.Println("  latest <app-id>")
	fmt.Println("  history <app-id>")
	fmt.Println("  estimate <file>")
	fmt.Println("  clear-cache")
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newDistributor(conf config.Config, logger *slog.Logger) (*antdist.Distributor, error) {
	mode := network.ModeLocal
	if conf.Network == "remote" {
		mode = network.ModeRemote
	}

	return antdist.New(antdist.Config{
		Network:       mode,
		CacheDir:      conf.CacheDir,
		MinimumFreeGB: conf.MinimumFreeGB,
		Logger:        logger,
		ConfirmCost: func(c antdist.Cost) bool {
			fmt.Printf("Publishing costs %d (%d chunks x %d fee x %d redundancy). Proceed? [y/N] ",
				c.Total, c.Chunks, c.FeePerChunk, c.Redundancy)
			var answer string
			_, _ = fmt.Scanln(&answer)
			return answer == "y" || answer == "Y" || answer == "yes"
		},
	})
}

func run(ctx context.Context, dist *antdist.Distributor, conf config.Config, logger *slog.Logger, args []string) error {
	switch args[0] {
	case "serve":
		return serve(ctx, dist, conf, logger)
	case "publish":
		if len(args) < 3 {
			return fmt.Errorf("usage: publish <app-id> <manifest.json>")
		}
		return publish(ctx, dist, args[1], args[2])
	case "install":
		if len(args) < 4 {
			return fmt.Errorf("usage: install <component-id> <version> <output-file>")
		}
		return install(ctx, dist, args[1], args[2], args[3])
	case "latest":
		if len(args) < 2 {
			return fmt.Errorf("usage: latest <app-id>")
		}
		return latest(ctx, dist, args[1])
	case "history":
		if len(args) < 2 {
			return fmt.Errorf("usage: history <app-id>")
		}
		return history(ctx, dist, args[1])
	case "estimate":
		if len(args) < 2 {
			return fmt.Errorf("usage: estimate <file>")
		}
		return estimate(ctx, dist, args[1])
	case "clear-cache":
		return dist.ClearCache()
	default:
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func serve(ctx context.Context, dist *antdist.Distributor, conf config.Config, logger *slog.Logger) error {
	var opts []apiServer.Option
	opts = append(opts, apiServer.WithLogger(logger))
	if conf.AuthToken != "" {
		opts = append(opts, apiServer.WithAuth(apiServer.TokenAuth(conf.AuthToken)))
	}

	srv := &http.Server{
		Addr:    conf.Listen,
		Handler: apiServer.New(dist, opts...),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", conf.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func publish(ctx context.Context, dist *antdist.Distributor, appID, path string) error {
	manifestJSON, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}

	result, err := dist.Publish(ctx, appID, manifestJSON)
	if err != nil {
		return err
	}

	fmt.Printf("Published %s\n", appID)
	fmt.Printf("  Manifest: %s\n", result.URI)
	fmt.Printf("  Entry:    %s\n", result.Entry.Hex())
	fmt.Printf("  Cost:     %d\n", result.Cost.Total)
	return nil
}

func install(ctx context.Context, dist *antdist.Distributor, componentID, version, output string) error {
	data, err := dist.Install(ctx, manifest.Component{
		ID:      componentID,
		Version: version,
	})
	if err != nil {
		return err
	}

	if err := os.WriteFile(output, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", output, err)
	}
	fmt.Printf("Installed %s@%s (%d bytes) to %s\n", componentID, version, len(data), output)
	return nil
}

func latest(ctx context.Context, dist *antdist.Distributor, appID string) error {
	ref, err := dist.ResolveLatest(ctx, appID)
	if err != nil {
		return err
	}

	m, _, err := dist.FetchManifest(ctx, ref)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func history(ctx context.Context, dist *antdist.Distributor, appID string) error {
	it, err := dist.History(appID)
	if err != nil {
		return err
	}

	for {
		ref, err := it.Next(ctx)
		if errors.Is(err, graph.Done) {
			return nil
		}
		if err != nil {
			return err
		}
		created := time.UnixMilli(ref.Entry.Created).UTC().Format(time.RFC3339)
		fmt.Printf("%s  %s  parents=%d\n", ref.Address.Hex(), created, len(ref.Entry.Parents))
	}
}

func estimate(ctx context.Context, dist *antdist.Distributor, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	c, err := dist.Estimate(ctx, data)
	if err != nil {
		return err
	}

	fmt.Printf("Chunks:       %d\n", c.Chunks)
	fmt.Printf("Fee/chunk:    %d\n", c.FeePerChunk)
	fmt.Printf("Redundancy:   %d\n", c.Redundancy)
	fmt.Printf("Total:        %d\n", c.Total)
	return nil
}
