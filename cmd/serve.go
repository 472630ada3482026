package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cardscan/cardscan/internal/cardapi"
	"github.com/cardscan/cardscan/internal/catalog"
	"github.com/cardscan/cardscan/internal/config"
	"github.com/cardscan/cardscan/internal/fingerprint"
	"github.com/cardscan/cardscan/internal/handlers"
	"github.com/cardscan/cardscan/internal/identify"
	"github.com/cardscan/cardscan/internal/metrics"
	"github.com/cardscan/cardscan/internal/pricing"
	"github.com/cardscan/cardscan/internal/scanning"
	"github.com/cardscan/cardscan/internal/storage"
	"github.com/cardscan/cardscan/internal/vision"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the probe/commit identification server",
		Long: `Starts the identification server.

Capture clients send low resolution probe frames and full resolution
commit stills. Every successful commit is fingerprinted, identified,
priced and stored in the local database.`,
		Example: `  # Start server on the configured address (default :8888)
  cardscan serve

  # Start server with a local catalog on a custom address
  CARDSCAN_CATALOG=./cards.parquet cardscan serve --addr :3000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return runServer(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Address to listen on (overrides config)")

	return cmd
}

func runServer(ctx context.Context, cfg *config.Config) error {
	store, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	index, err := scanning.LoadIndex(ctx, store)
	if err != nil {
		return fmt.Errorf("failed to load fingerprint index: %w", err)
	}

	local, err := catalog.Open(cfg.Identify.CatalogPath)
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}

	extractor, err := vision.NewService(cfg.Provider)
	if err != nil {
		return err
	}

	var remote identify.Remote
	var prices pricing.Source
	if cfg.Identify.RemoteURL != "" {
		client := cardapi.NewClient(cfg.Identify.RemoteURL, cfg.Identify.RemoteAPIKey, cfg.Identify.RemoteRate, cfg.Identify.CacheTTL)
		remote, prices = client, client
	} else {
		slog.Warn("No remote card API configured, identification uses the local catalog only")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	scanMetrics, err := metrics.NewScanMetrics(registry)
	if err != nil {
		return err
	}
	scanMetrics.SetIndexSize(index.Len())

	service := scanning.NewService(scanning.Deps{
		Store:      store,
		Matcher:    fingerprint.NewMatcher(index, cfg.Fingerprint.DuplicateThreshold, cfg.Fingerprint.TileThreshold),
		Extractor:  extractor,
		Resolver:   identify.New(local, remote, cfg.Identify),
		Prices:     prices,
		Aggregator: pricing.New(cfg.Pricing),
		Metrics:    scanMetrics,
		ImagesDir:  cfg.Storage.ImagesDir,
		Thresholds: scanning.Thresholds{
			MinCommit:    cfg.Quality.MinCommit,
			MinProbeWarn: cfg.Quality.MinProbeWarn,
		},
		MaxPixels: cfg.Server.MaxImagePixels,
	})
	handler := handlers.New(service, cfg.Storage.ImagesDir, cfg.Server.MaxImageSize)

	// Set up routes
	mux := http.NewServeMux()
	handler.Register(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.HTTPErrorOnError,
	}))
	mux.HandleFunc("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("OK")); err != nil {
			slog.Error("Unable to write healthcheck", "err", err)
		}
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handlers.WithRequestLogging(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Cardscan server listening",
			"addr", cfg.Server.Addr,
			"catalog_cards", local.Len(),
			"fingerprints", index.Len(),
			"provider", cfg.Provider.Name)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for context cancellation (Ctrl+C) or server error
	select {
	case <-ctx.Done():
		slog.Info("Shutting down server...")
		// Give server 5 seconds to shut down gracefully
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown failed", "err", err)
			return err
		}
		slog.Info("Server stopped")
		return nil
	case err := <-serverErr:
		return err
	}
}
