// Curlew - Visit intake and validation for field-work programs.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fieldworks/curlew/internal/api"
	"github.com/fieldworks/curlew/internal/bus"
	"github.com/fieldworks/curlew/internal/cache"
	"github.com/fieldworks/curlew/internal/config"
	"github.com/fieldworks/curlew/internal/domain"
	"github.com/fieldworks/curlew/internal/intake"
	"github.com/fieldworks/curlew/internal/repository"
	"github.com/fieldworks/curlew/internal/rules"
	"github.com/fieldworks/curlew/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load(os.Getenv("CURLEW_CONFIG"))
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("starting curlew",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize the custom flag-rule engine. Rules are compiled lazily
	// per opportunity on the intake path; nothing is preloaded here.
	custom, err := rules.NewCustomEngine()
	if err != nil {
		slog.Error("failed to initialize custom rule engine", "error", err)
		os.Exit(1)
	}
	defer custom.Close()
	slog.Info("custom rule engine initialized")

	// Initialize payment recomputer
	payments := worker.NewPayments(repo, busImpl, logger)

	// Initialize attachment download worker when a platform URL is set
	var attachments *worker.AttachmentWorker
	if platformURL := os.Getenv("CURLEW_PLATFORM_BASE_URL"); platformURL != "" {
		fetcher := worker.NewHTTPFetcher(platformURL, os.Getenv("CURLEW_PLATFORM_API_KEY"))

		dir := os.Getenv("CURLEW_ATTACHMENT_DIR")
		if dir == "" {
			dir = "./attachments"
		}

		attachments = worker.NewAttachmentWorker(busImpl, fetcher, worker.AttachmentWorkerConfig{Dir: dir}, logger)
		if err := attachments.Start(ctx); err != nil {
			slog.Error("failed to start attachment worker", "error", err)
			os.Exit(1)
		}
		slog.Info("attachment worker started", "dir", dir)
	} else {
		slog.Info("attachment worker disabled: CURLEW_PLATFORM_BASE_URL not set")
	}

	// Initialize intake processor
	processor := intake.NewProcessor(repo, custom, busImpl, payments, logger)
	slog.Info("intake processor initialized")

	// Initialize Server
	srv := api.NewServer(cfg.Server, cfg.Auth, repo, cacheImpl, processor, custom, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("curlew is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop the attachment worker first so in-flight downloads drain
	if attachments != nil {
		if err := attachments.Stop(); err != nil {
			slog.Error("failed to stop attachment worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("curlew shutdown complete")
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  curlew - visit intake & validation")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /api/receiver                         - Receive a form submission")
	fmt.Println("    GET  /api/visits/{id}                      - Get visit by ID")
	fmt.Println("    GET  /api/completed-work/{id}              - Get completed work by ID")
	fmt.Println("    GET  /api/opportunities/{id}               - Get opportunity snapshot")
	fmt.Println("    GET  /api/opportunities/{id}/flag-rules    - List custom flag rules")
	fmt.Println("    POST /api/opportunities/{id}/flag-rules    - Create a custom flag rule")
	fmt.Println("    GET  /health                               - Health check")
	fmt.Println()
}
