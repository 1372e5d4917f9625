package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arencloud/hoadesk/internal/api"
	"github.com/arencloud/hoadesk/internal/config"
	"github.com/arencloud/hoadesk/internal/db"
	"github.com/arencloud/hoadesk/internal/documents"
	"github.com/arencloud/hoadesk/internal/logging"
	"github.com/arencloud/hoadesk/internal/notify"
	"github.com/arencloud/hoadesk/internal/readiness"
	"github.com/arencloud/hoadesk/internal/session"
	"github.com/arencloud/hoadesk/internal/settings"
	"github.com/arencloud/hoadesk/internal/storage"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logging.New(cfg.Env))
		},
	}
}

func readinessOptions(cfg *config.Config, logger logging.Logger) readiness.Options {
	return readiness.Options{
		Bucket:     cfg.Storage.Bucket,
		Region:     cfg.Storage.Region,
		AutoCreate: cfg.Storage.AutoCreate,
		MaxRetries: cfg.Storage.MaxRetries,
		Logger:     logger,
	}
}

func serve(ctx context.Context, cfg *config.Config, logger logging.Logger) error {
	gdb, err := db.Open(cfg, logger)
	if err != nil {
		return err
	}
	backend, err := storage.New(cfg.Storage)
	if err != nil {
		return err
	}
	sessions, err := session.New(cfg.Session, logger)
	if err != nil {
		return err
	}

	hub := notify.NewHub()
	opts := readinessOptions(cfg, logger)
	probe := readiness.NewChecker(backend, opts)
	opts.Notifier = hub
	registry := readiness.NewRegistry(backend, opts)

	store := settings.NewStore(gdb, logger)
	if err := store.Load(ctx); err != nil {
		logger.Warn("company settings not loaded", "error", err)
	}

	srv := api.NewServer(api.Deps{
		Config:    cfg,
		DB:        gdb,
		Logger:    logger,
		Sessions:  sessions,
		Storage:   backend,
		Readiness: registry,
		Documents: documents.NewService(gdb, backend, cfg.Storage.Bucket, cfg.MaxUploadBytes, logger),
		Settings:  store,
		Hub:       hub,
		Probe:     probe,
	})

	httpSrv := &http.Server{
		Addr:              ":" + cfg.HttpPort,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       0, // allow long-running uploads/downloads; rely on LB timeouts
		WriteTimeout:      0,
		MaxHeaderBytes:    1 << 20, // 1MB headers
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return registry.Run(gctx, time.Minute) })
	g.Go(func() error {
		logger.Info("server starting", "addr", httpSrv.Addr, "storage", cfg.Storage.Driver, "bucket", cfg.Storage.Bucket)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("server stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			// event streams hold connections open until forced
			logger.Warn("graceful shutdown incomplete", "error", err)
			return httpSrv.Close()
		}
		return nil
	})
	return g.Wait()
}
