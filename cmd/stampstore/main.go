// Package main is the entry point for the stampstore alert stamp server.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/stampstore/stampstore/internal/config"
	"github.com/stampstore/stampstore/internal/logging"
	"github.com/stampstore/stampstore/internal/metrics"
	"github.com/stampstore/stampstore/internal/render"
	"github.com/stampstore/stampstore/internal/retrieval"
	"github.com/stampstore/stampstore/internal/server"
	"github.com/stampstore/stampstore/internal/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 8087)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or text)")
	shutdownTimeout := flag.Duration("shutdown-timeout", 0, "graceful shutdown timeout (default: from config or 30s)")
	maxUploadSize := flag.Int64("max-upload-size", 0, "maximum put_avro body in bytes (default: from config or 16777216)")
	backend := flag.String("backend", "", "override object store backend: aws, gcp, azure, sqlite, memory")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *shutdownTimeout != 0 {
		cfg.Server.ShutdownTimeout = *shutdownTimeout
	}
	if *maxUploadSize != 0 {
		cfg.Server.MaxUploadSize = *maxUploadSize
	}
	if *backend != "" {
		cfg.ObjectStore.Backend = *backend
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
			os.Exit(1)
		}
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	if cfg.Observability.Metrics {
		metrics.Register()
	}

	ctx := context.Background()

	blobs, closer, err := newBlobs(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize object store: %v\n", err)
		os.Exit(1)
	}
	if closer != nil {
		defer closer.Close()
	}

	buckets := make(map[string]string, len(cfg.Surveys))
	for name, s := range cfg.Surveys {
		buckets[name] = s.Bucket
	}
	store := storage.NewObjectStore(blobs, buckets, storage.WithCallTimeout(cfg.ObjectStore.Timeout))

	tiers, err := buildTiers(cfg, store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize tiers: %v\n", err)
		os.Exit(1)
	}

	renderer := render.New(
		render.WithWindow(cfg.Render.Window),
		render.WithScale(cfg.Render.Scale),
		render.WithAngleKey(cfg.Render.AngleKey),
	)

	svc, err := retrieval.New(cfg.SurveyNames(), renderer, tiers...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create retrieval service: %v\n", err)
		os.Exit(1)
	}
	slog.Info("Retrieval service initialized", "surveys", svc.Surveys(), "tiers", svc.TierNames())

	srv, err := server.New(cfg, svc, server.WithHealthCheck("object_store", store.HealthCheck))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create server: %v\n", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	// Start the server in a goroutine so we can handle shutdown signals.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("stampstore listening", "addr", addr)
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("Shutdown error", "error", err)
		}
		slog.Info("Server stopped")

	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}
}

// newBlobs opens the configured object-store provider. The returned closer is
// nil for providers that hold no local resources.
func newBlobs(ctx context.Context, cfg *config.Config) (storage.BlobAPI, io.Closer, error) {
	oc := cfg.ObjectStore
	switch oc.Backend {
	case "aws":
		blobs, err := storage.NewS3Blobs(ctx, oc.AWS)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("Object store initialized", "backend", "aws", "region", oc.AWS.Region, "endpoint", oc.AWS.Endpoint)
		return blobs, nil, nil
	case "gcp":
		blobs, err := storage.NewGCSBlobs(ctx, oc.GCP)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("Object store initialized", "backend", "gcp", "project", oc.GCP.Project, "endpoint", oc.GCP.Endpoint)
		return blobs, nil, nil
	case "azure":
		blobs, err := storage.NewAzureBlobs(oc.Azure)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("Object store initialized", "backend", "azure", "account", oc.Azure.Account, "account_url", oc.Azure.AccountURL)
		return blobs, nil, nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(oc.SQLite.Path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating sqlite directory: %w", err)
		}
		blobs, err := storage.NewSQLiteBlobs(oc.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("Object store initialized", "backend", "sqlite", "path", oc.SQLite.Path)
		return blobs, blobs, nil
	case "memory":
		slog.Warn("Object store is in memory; records are lost on restart")
		return storage.NewMemoryBlobs(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", oc.Backend)
	}
}

// buildTiers assembles the lookup order: object store, then disk when
// enabled, then the remote broker for the surveys that use it.
func buildTiers(cfg *config.Config, store *storage.ObjectStore) ([]retrieval.Tier, error) {
	tiers := []retrieval.Tier{{Name: "object_store", Fetcher: store, Storer: store}}

	if cfg.Disk.Enabled {
		disk, err := storage.NewDisk(cfg.Disk)
		if err != nil {
			return nil, err
		}
		// Every startup clears temp files left by interrupted writes.
		if err := disk.CleanTempFiles(); err != nil {
			slog.Warn("Failed to clean temp files", "error", err)
		}
		tiers = append(tiers, retrieval.Tier{Name: "disk", Fetcher: disk, Storer: disk})
		slog.Info("Disk tier initialized", "root", cfg.Disk.RootDir, "shards", cfg.Disk.Shards, "test_mode", cfg.Disk.TestMode)
	}

	if cfg.OriginEnabled() {
		origin, err := storage.NewOrigin(cfg.Origin.URL, cfg.Origin.Timeout,
			storage.WithRateLimit(cfg.Origin.RateLimit, cfg.Origin.Burst))
		if err != nil {
			return nil, err
		}
		surveys := make(map[string]bool)
		for name, s := range cfg.Surveys {
			if s.Origin {
				surveys[name] = true
			}
		}
		tiers = append(tiers, retrieval.Tier{
			Name:        "origin",
			Fetcher:     origin,
			Surveys:     surveys,
			MissOnError: true,
		})
		slog.Info("Origin tier initialized", "url", cfg.Origin.URL, "timeout", cfg.Origin.Timeout.String(), "rate_limit", cfg.Origin.RateLimit)
	}
	return tiers, nil
}
