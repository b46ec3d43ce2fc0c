// Command lanterned runs the visual pipeline daemon: it keeps the look-ahead
// buffer full, morphs between frames, and serves a small status API.
//
// Usage:
//
//	lanterned -config lanterne.yaml
//	lanterned -config lanterne.yaml -cache-only
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/lanterne/dbopen"
	"github.com/hazyhaar/lanterne/engine"
	"github.com/hazyhaar/lanterne/frame"
	"github.com/hazyhaar/lanterne/idgen"
	"github.com/hazyhaar/lanterne/observability"
)

func main() {
	configPath := flag.String("config", "lanterne.yaml", "path to config file")
	cacheOnly := flag.Bool("cache-only", false, "serve cached images only, no generation")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *cacheOnly); err != nil {
		logger.Error("lanterned: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath string, cacheOnly bool) error {
	cfg, err := engine.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if cacheOnly {
		cfg.CacheOnly = true
	}
	if cfg.CacheOnly {
		cfg.Remote.APIKey = "" // never send credentials in cache-only mode
	}

	// Observability lives in its own DB to keep its writes off the cache
	// index.
	obsDB, err := dbopen.Open(filepath.Join(cfg.DataDir, "observability.db"),
		dbopen.WithMkdirAll())
	if err != nil {
		return fmt.Errorf("observability db: %w", err)
	}
	defer obsDB.Close()
	if err := observability.Init(obsDB); err != nil {
		return fmt.Errorf("observability schema: %w", err)
	}

	events := observability.NewEventLogger(obsDB,
		observability.WithEventIDGenerator(idgen.Prefixed("evt_", idgen.Default)))
	metrics := observability.NewMetricsManager(obsDB, 100, 5*time.Second)
	defer metrics.Close()

	heartbeat := observability.NewHeartbeatWriter(obsDB, "lanterned", 15*time.Second)
	heartbeat.Start(ctx)
	defer heartbeat.Stop()

	eng, err := engine.New(cfg,
		engine.WithLogger(logger),
		engine.WithEventLogger(events),
		engine.WithMetrics(metrics))
	if err != nil {
		return err
	}
	defer eng.Close()

	if err := eng.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           statusRouter(eng, obsDB),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("status server listening", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("lanterned: shutting down")
	case err := <-errCh:
		return fmt.Errorf("status server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func statusRouter(eng *engine.Engine, obsDB *sql.DB) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := obsDB.PingContext(req.Context()); err != nil {
			http.Error(w, "db unreachable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(struct {
			Pipeline engine.Stats                 `json:"pipeline"`
			Runtime  observability.RuntimeMetrics `json:"runtime"`
		}{eng.Stats(), observability.CollectRuntimeMetrics()}); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})

	r.Get("/frame/current.png", func(w http.ResponseWriter, _ *http.Request) {
		img := eng.CurrentFrame()
		if img == nil {
			http.Error(w, "no frame yet", http.StatusNotFound)
			return
		}
		encoded, err := frame.EncodePNG(img.Buffer)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("X-Image-ID", img.ID)
		w.Write(encoded)
	})

	return r
}
