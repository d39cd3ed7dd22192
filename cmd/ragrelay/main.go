package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aruiz/ragrelay/internal/api"
	"github.com/aruiz/ragrelay/internal/config"
	"github.com/aruiz/ragrelay/internal/db"
	"github.com/aruiz/ragrelay/internal/stream"
)

func main() {
	serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
	serveConfig := serveCmd.String("config", config.DefaultPath(), "Path to config file")
	serveDB := serveCmd.String("db", db.DefaultPath(), "Path to database file")

	migrateCmd := flag.NewFlagSet("migrate", flag.ExitOnError)
	migrateDB := migrateCmd.String("db", db.DefaultPath(), "Path to database file")

	if len(os.Args) < 2 {
		fmt.Println("Usage: ragrelay <command> [options]")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the ragrelay server")
		fmt.Println("  migrate  Run database migrations")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		serveCmd.Parse(os.Args[2:])
		runServer(*serveConfig, *serveDB)

	case "migrate":
		migrateCmd.Parse(os.Args[2:])
		runMigrations(*migrateDB)

	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}
}

func runServer(configPath, dbPath string) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}

	// Initialize database
	database, err := db.Open(dbPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	// Run migrations
	if err := database.Migrate(); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	backend := api.BackendOptions{
		ChatURL:        cfg.Backend.ChatURL,
		RequestTimeout: cfg.Backend.RequestTimeout.Std(),
	}
	chat := api.NewChatManager(database, backend, api.RetrievalDefaults{
		Limit:          cfg.Retrieval.Limit,
		ScoreThreshold: cfg.Retrieval.ScoreThreshold,
		Filters:        retrievalFilters(cfg),
	})

	server := api.NewServer(database, chat)
	slog.Info("starting ragrelay server", "addr", cfg.Listen, "backend", cfg.Backend.ChatURL)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe(cfg.Listen)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("graceful shutdown failed", "error", err)
			os.Exit(1)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error after shutdown", "error", err)
			os.Exit(1)
		}
	}
}

func retrievalFilters(cfg *config.Config) *stream.Filters {
	r := cfg.Retrieval
	if len(r.DataSources) == 0 && len(r.DocumentTypes) == 0 && len(r.Owners) == 0 {
		return nil
	}
	return &stream.Filters{
		DataSources:   r.DataSources,
		DocumentTypes: r.DocumentTypes,
		Owners:        r.Owners,
	}
}

func runMigrations(dbPath string) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))

	database, err := db.Open(dbPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("migrations completed successfully")
}
