package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hardwire/internal/server/api"
	"hardwire/internal/server/config"
	"hardwire/internal/server/database"
	"hardwire/internal/server/indexer"
	"hardwire/internal/server/progress"
	"hardwire/internal/server/service"
	"hardwire/internal/server/task"
)

// version is stamped by the build.
var version = "dev"

// taskShutdownGrace bounds how long in-flight archive jobs may finish
// after the HTTP server has drained.
const taskShutdownGrace = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	var (
		serverMode  bool
		filename    string
		showVersion bool
	)
	flag.BoolVar(&serverMode, "s", false, "run the HTTP server")
	flag.BoolVar(&serverMode, "server", false, "run the HTTP server")
	flag.StringVar(&filename, "f", "", "publish a single file and print its share URL")
	flag.StringVar(&filename, "filename", "", "publish a single file and print its share URL")
	flag.BoolVar(&showVersion, "V", false, "print version and exit")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("hardwire %s\n", version)
		return 0
	}

	// Structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if !serverMode && filename == "" {
		fmt.Fprintln(os.Stderr, "nothing to do: pass -s to run the server or -f <path> to publish a file")
		flag.Usage()
		return 1
	}

	// Load config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration error", "error", err)
		return 1
	}

	dataRoot, err := cfg.AbsDataDir()
	if err != nil {
		slog.Error("configuration error", "error", err)
		return 1
	}
	if err := os.MkdirAll(dataRoot, 0o755); err != nil {
		slog.Error("failed to create data dir", "path", dataRoot, "error", err)
		return 2
	}

	// Connect to database
	ctx := context.Background()
	db, err := database.New(cfg.DBPath, database.Options{
		MaxConnections: cfg.DBMaxConnections,
		MinConnections: cfg.DBMinConnections,
		AcquireTimeout: cfg.DBAcquireTimeout,
	})
	if err != nil {
		slog.Error("failed to open database", "path", cfg.DBPath, "error", err)
		return 2
	}
	defer db.Close()

	// Run migrations
	if err := db.RunMigrations(ctx); err != nil {
		slog.Error("failed to run migrations", "error", err)
		return 2
	}
	slog.Info("database migrations complete")

	repo := database.NewRepository(db)
	shares := service.NewShares(repo, cfg, dataRoot)

	if filename != "" {
		return publishFile(ctx, shares, filename)
	}

	return runServer(ctx, cfg, db, repo, shares, dataRoot)
}

// publishFile creates a share for a single file and prints its URL.
func publishFile(ctx context.Context, shares *service.Shares, filename string) int {
	result, err := shares.Create(ctx, []string{filename}, nil)
	if err != nil {
		slog.Error("failed to publish file", "path", filename, "error", err)
		return 1
	}
	fmt.Println(result.URL)
	return 0
}

func runServer(
	ctx context.Context,
	cfg *config.Config,
	db *database.DB,
	repo *database.Repository,
	shares *service.Shares,
	dataRoot string,
) int {
	slog.Info("configuration loaded",
		"port", cfg.Port,
		"data_dir", dataRoot,
		"db_path", cfg.DBPath,
		"indexer_interval", cfg.IndexerInterval,
	)

	// Background components share one lifecycle context.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	bus := progress.NewBus(progress.DefaultBufferSize)

	downloads := service.NewDownloads(repo, bus)
	go downloads.RunRecorder(bgCtx)

	tasks := task.NewManager(repo, dataRoot)
	if err := tasks.ReconcileInterrupted(ctx); err != nil {
		slog.Error("failed to reconcile interrupted tasks", "error", err)
		return 2
	}
	tasks.Start(bgCtx)

	idx := indexer.New(dataRoot, cfg.IndexerInterval, repo)
	idx.Start(bgCtx)

	auth := api.NewAuth(cfg, repo)

	oidcCtx, oidcCancel := context.WithTimeout(ctx, 15*time.Second)
	oidcFlow, err := api.NewOIDC(oidcCtx, cfg, repo, auth)
	oidcCancel()
	if err != nil {
		slog.Error("failed to initialize oidc provider", "error", err)
		return 2
	}

	handler := api.NewHandler(cfg, db, repo, shares, downloads, tasks, idx, bus, auth, oidcFlow)
	e := api.SetupRouter(handler, cfg)

	// Start server in a goroutine
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		slog.Info("starting server", "addr", addr, "host", cfg.Host)
		if err := e.Start(addr); err != nil {
			slog.Info("server stopped", "reason", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutting down", "signal", sig)

	// Stop accepting new requests, finish in-flight with 30s timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop background components; give archive jobs a grace period.
	bgCancel()
	idx.Wait()
	tasks.Shutdown(context.Background(), taskShutdownGrace)

	slog.Info("server exited cleanly")
	return 0
}
