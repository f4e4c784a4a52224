package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dukerupert/pushflow/internal/config"
	"github.com/dukerupert/pushflow/internal/database"
	"github.com/dukerupert/pushflow/internal/logging"
	"github.com/dukerupert/pushflow/internal/mongostore"
	"github.com/dukerupert/pushflow/internal/server"
	"github.com/dukerupert/pushflow/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	if len(os.Args) > 1 && os.Args[1] == "restore" {
		if err := restore(cfg, logger, os.Args[2:]); err != nil {
			logger.Error("restore failed", "error", err)
			os.Exit(1)
		}
		return
	}

	backend, closeBackend, err := openBackend(cfg, logger)
	if err != nil {
		logger.Error("failed to open storage", "error", err)
		os.Exit(1)
	}
	defer closeBackend()

	srv := server.New(cfg, backend, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	go srv.RateLimiter().RunCleanup(bgCtx, cfg.RateLimitWindow)

	if bm := srv.BackupManager(); bm != nil && bm.Enabled() {
		bm.Start(bgCtx)
		defer bm.Stop()
	}

	go func() {
		logger.Info("pushflow running", "addr", "http://localhost:"+cfg.Port, "env", cfg.AppEnv, "mongo", cfg.UseMongo())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

// openBackend connects MongoDB when MONGODB_URI is set and SQLite otherwise.
func openBackend(cfg *config.Config, logger *slog.Logger) (server.Backend, func(), error) {
	if cfg.UseMongo() {
		mdb, err := mongostore.Connect(context.Background(), cfg.MongoURI, cfg.MongoDBName)
		if err != nil {
			return server.Backend{}, nil, err
		}
		logger.Info("using mongodb", "database", cfg.MongoDBName)
		closeFn := func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			mdb.Close(ctx)
		}
		return server.Backend{
			Devices:  mongostore.NewDeviceStore(mdb),
			Messages: mongostore.NewMessageStore(mdb),
			Ping:     mdb.Ping,
		}, closeFn, nil
	}

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return server.Backend{}, nil, err
	}
	logger.Info("using sqlite", "path", cfg.DBPath)
	return server.Backend{
		Devices:  store.NewDeviceStore(db),
		Messages: store.NewMessageStore(db),
		DB:       db,
		Ping:     db.PingContext,
	}, func() { db.Close() }, nil
}

// restore downloads and decrypts backup <id> into <path> for inspection or
// manual swap-in while the service is stopped.
func restore(cfg *config.Config, logger *slog.Logger, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: pushflow restore <backup-id> <destination.db>")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid backup id %q: %w", args[0], err)
	}

	backend, closeBackend, err := openBackend(cfg, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	bm := server.New(cfg, backend, logger).BackupManager()
	if bm == nil {
		return fmt.Errorf("backups are not configured (S3_BUCKET, S3_ACCESS_KEY, S3_SECRET_KEY and BACKUP_PASSPHRASE)")
	}
	if err := bm.RestoreTo(context.Background(), id, args[1]); err != nil {
		return err
	}
	logger.Info("backup restored", "id", id, "path", args[1])
	return nil
}
