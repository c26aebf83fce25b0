package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"tramando/api/internal/app"
	"tramando/api/internal/config"
	"tramando/api/internal/contentstore"
	"tramando/api/internal/editing"
	"tramando/api/internal/locker"
	"tramando/api/internal/logging"
	"tramando/api/internal/search"
	"tramando/api/internal/store"
	"tramando/api/internal/undo"
	"tramando/api/internal/versions"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *logging.Logger) error {
	ctx := context.Background()

	contentStore, closeStore, err := openContentStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	logger.Info("content store ready", zap.String("backend", cfg.ContentBackend))

	locks, closeLocks, err := openLocker(cfg, logger)
	if err != nil {
		return err
	}
	defer closeLocks()

	stacks, err := undo.NewManager(
		undo.WithLimit(cfg.UndoLimit),
		undo.WithMaxProjects(cfg.UndoMaxProjects),
	)
	if err != nil {
		return fmt.Errorf("undo manager: %w", err)
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		return fmt.Errorf("create repos dir: %w", err)
	}
	repo := versions.NewGitRepository(cfg.ReposDir, versions.WithContentFile(cfg.ContentFile))

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger.Logger)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, logger.Logger)

	editor := editing.New(contentStore, stacks, repo, locks,
		editing.WithAutoVersionThreshold(cfg.AutoVersionThreshold),
		editing.WithVersionTimeout(cfg.VersionTimeout),
		editing.WithLogger(logger),
		editing.WithIndexer(searchService),
		editing.WithEditGate(app.EditGate),
	)

	httpServer := app.NewHTTPServer(editor, searchService, logger, cfg.JWTSecret, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("tramando api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	return nil
}

func openContentStore(ctx context.Context, cfg config.Config) (contentstore.Store, func(), error) {
	switch cfg.ContentBackend {
	case "badger":
		db, err := contentstore.OpenBadger(cfg.BadgerDir)
		if err != nil {
			return nil, nil, err
		}
		return contentstore.NewBadgerStore(db), func() { db.Close() }, nil
	case "sql":
		db, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		if err := store.ApplyMigrations(ctx, db, cfg.DatabaseDriver); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrations failed: %w", err)
		}
		return contentstore.NewSQLStore(db, cfg.DatabaseDriver), func() { db.Close() }, nil
	default:
		fileStore, err := contentstore.NewFileStore(cfg.ProjectsDir, contentstore.WithContentFile(cfg.ContentFile))
		if err != nil {
			return nil, nil, err
		}
		return fileStore, func() {}, nil
	}
}

func openLocker(cfg config.Config, logger *logging.Logger) (locker.Locker, func(), error) {
	if cfg.LockBackend != "redis" {
		return locker.NewLocal(), func() {}, nil
	}
	redisLocks, err := locker.NewRedis(cfg.RedisURL, cfg.LockTTL)
	if err != nil {
		return nil, nil, fmt.Errorf("redis connection failed: %w", err)
	}
	redisLocks.OnLost(func(key string) {
		logger.Error("project lock expired before release", zap.String("key", key))
	})
	logger.Info("using redis project locks", zap.Duration("ttl", cfg.LockTTL))
	return redisLocks, func() { redisLocks.Close() }, nil
}
