package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/immergo/server/internal/ai"
	"github.com/immergo/server/internal/api"
	"github.com/immergo/server/internal/auth"
	"github.com/immergo/server/internal/config"
	"github.com/immergo/server/internal/history"
	"github.com/immergo/server/internal/observability"
	"github.com/immergo/server/pkg/logger"
)

var (
	// Version is injected at build time
	Version = "dev"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (optional - will search in configs/ and root directory)")
	flag.Parse()

	// Secrets may live in a .env file next to the binary; missing is fine.
	_ = godotenv.Load()

	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting Immergo server",
		logger.String("version", Version),
		logger.String("model", cfg.Gemini.Model),
	)
	if cfg.Gemini.APIKey == "" {
		log.Warn("No Google API key configured; realtime sessions will fail until one is set")
	}

	// Session token store
	tokens := auth.NewTokenStore()

	// Prometheus instruments
	metrics := observability.NewMetrics("immergo")

	// Session history storage
	dbDir := filepath.Dir(cfg.Storage.SQLitePath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		log.Error("Failed to create database directory", logger.Error(err), logger.String("path", dbDir))
		os.Exit(1)
	}
	historyStore, err := history.NewStore(cfg.Storage.SQLitePath, log)
	if err != nil {
		log.Error("Failed to open history storage", logger.Error(err))
		os.Exit(1)
	}
	defer historyStore.Close()
	log.Info("Using SQLite storage", logger.String("path", cfg.Storage.SQLitePath))

	// Remote sync engine (optional)
	var syncEngine *history.SyncEngine
	if cfg.Sync.Enabled {
		syncEngine = history.NewSyncEngine(history.SyncConfig{
			ServerURL:      cfg.Sync.ServerURL,
			AppID:          cfg.Sync.AppID,
			APIKey:         cfg.Sync.APIKey,
			RequestTimeout: time.Duration(cfg.Sync.RequestTimeoutSecs) * time.Second,
		}, historyStore, log)
		log.Info("History sync enabled", logger.String("server_url", cfg.Sync.ServerURL))
	} else {
		log.Info("History sync disabled in configuration")
	}

	// Model catalog
	catalog := ai.NewCatalog(cfg.Gemini.APIKey, log)

	router := api.NewRouter(cfg, tokens, catalog, historyStore, syncEngine, metrics, log)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router.Routes(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSecs) * time.Second,
	}

	go func() {
		log.Info("Starting HTTP server", logger.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error on startup", logger.String("addr", addr), logger.Error(err))
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", logger.Error(err))
	} else {
		log.Info("HTTP server shutdown complete")
	}

	log.Info("Server fully stopped")
}
