package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/c0deirl/taskapp2/internal/auth"
	"github.com/c0deirl/taskapp2/internal/config"
	"github.com/c0deirl/taskapp2/internal/database"
	"github.com/c0deirl/taskapp2/internal/notify"
	"github.com/c0deirl/taskapp2/internal/scheduler"
	"github.com/c0deirl/taskapp2/internal/server"
	"github.com/charmbracelet/log"
)

func main() {
	cfg := config.Load()

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "taskapp",
	})
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatal("open store", "err", err)
	}
	defer store.Close()
	logger.Info("store ready", "backend", store.DatabaseType())

	if err := auth.EnsureInitialUser(store, cfg.AdminUser, cfg.AdminPassword, logger); err != nil {
		logger.Fatal("ensure initial user", "err", err)
	}

	uploadsDir := filepath.Join(cfg.DataDir, "uploads")
	srv, err := server.New(store, logger, uploadsDir)
	if err != nil {
		logger.Fatal("create server", "err", err)
	}

	poller := scheduler.NewPoller(store, notify.NewSender(), logger)
	poller.Start(cfg.PollInterval)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Router(),
	}

	go func() {
		logger.Info("server listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("server shutdown", "err", err)
	}
	poller.Stop()
}

// openStore picks the backend from the database URL: postgres:// strings get
// the PostgreSQL store, anything else is treated as an SQLite file path.
func openStore(cfg config.Config, logger *log.Logger) (database.Store, error) {
	if strings.HasPrefix(cfg.DatabaseURL, "postgres://") || strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
		return database.NewPostgres(cfg.DatabaseURL, logger)
	}
	if dir := filepath.Dir(cfg.DatabaseURL); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return database.New(cfg.DatabaseURL, logger)
}
