package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dukerupert/starstore/internal/auth"
	"github.com/dukerupert/starstore/internal/catalog"
	"github.com/dukerupert/starstore/internal/config"
	"github.com/dukerupert/starstore/internal/database"
	"github.com/dukerupert/starstore/internal/email"
	"github.com/dukerupert/starstore/internal/logging"
	"github.com/dukerupert/starstore/internal/model"
	"github.com/dukerupert/starstore/internal/objectstore"
	"github.com/dukerupert/starstore/internal/server"
	"github.com/dukerupert/starstore/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := bootstrapAdmin(store.NewUserStore(db), cfg); err != nil {
		slog.Error("bootstrap admin", "error", err)
		os.Exit(1)
	}

	var mailer catalog.Notifier
	if cfg.EmailEnabled() {
		mailer = email.NewClient(cfg.PostmarkToken, cfg.FromEmail, cfg.BaseURL)
	} else {
		slog.Info("e-mail disabled, no postmark token")
	}

	objects, err := openObjectStore(cfg)
	if err != nil {
		slog.Error("failed to open object store", "error", err)
		os.Exit(1)
	}

	srv := server.New(db, cfg, mailer, objects, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	if cfg.ArchivesEnabled() {
		srv.ArchiveManager().Start(bgCtx)
	} else {
		slog.Info("audit archives disabled, no passphrase")
	}

	// Background cleanup goroutine
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n, err := srv.SessionStore().DeleteExpired(); err != nil {
					slog.Error("cleanup expired sessions", "error", err)
				} else if n > 0 {
					slog.Info("cleaned up expired sessions", "count", n)
				}
				srv.RateLimiter().Cleanup()
				slog.Debug("pruned rate limiter", "tracked_keys", srv.RateLimiter().Len())
			case <-bgCtx.Done():
				return
			}
		}
	}()

	go func() {
		slog.Info("starstore starting", "addr", ":"+cfg.Port, "base_url", cfg.BaseURL)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	bgCancel()
	srv.ArchiveManager().Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

// openObjectStore uses S3 when a bucket is configured, local disk otherwise.
func openObjectStore(cfg *config.Config) (objectstore.Store, error) {
	if cfg.S3Enabled() {
		s3, err := objectstore.NewS3(objectstore.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("object store", "backend", "s3", "bucket", cfg.S3Bucket)
		return s3, nil
	}
	local, err := objectstore.NewLocal(cfg.UploadDir)
	if err != nil {
		return nil, err
	}
	slog.Info("object store", "backend", "local", "dir", cfg.UploadDir)
	return local, nil
}

// bootstrapAdmin creates the configured admin on an empty database.
func bootstrapAdmin(users *store.UserStore, cfg *config.Config) error {
	if cfg.BootstrapAdminEmail == "" {
		return nil
	}
	n, err := users.Count()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	hash, err := auth.HashPassword(cfg.BootstrapAdminPassword)
	if err != nil {
		return err
	}
	addr := strings.ToLower(strings.TrimSpace(cfg.BootstrapAdminEmail))
	u, err := users.Create(addr, "Administrator", model.RoleAdmin, nil, hash)
	if err != nil {
		return err
	}
	slog.Info("created bootstrap admin", "user_id", u.ID, "email", u.Email)
	return nil
}
