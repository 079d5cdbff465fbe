package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/unweave/unweave/internal/device"
	"github.com/unweave/unweave/internal/httpapi"
	"github.com/unweave/unweave/internal/log"
	"github.com/unweave/unweave/internal/reaper"
	"github.com/unweave/unweave/internal/registry"
	"github.com/unweave/unweave/internal/service"
)

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("unweave",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	for _, dir := range []string{cfg.Storage.TempDir, cfg.Storage.OutputDir, cfg.Storage.ModelsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	info := device.Detect(ctx, cfg.Device.Override)
	slog.InfoContext(ctx, "device selected",
		"type", info.Type,
		"name", info.Name,
		"cloud_mode", cfg.CloudMode,
	)
	backend := device.NewBackend(info, cfg.Device.ReleaseCommand)

	reg := registry.New()
	manager := service.NewManager(ctx, service.NewConfig(cfg, info.Type), reg, backend)
	defer manager.Close()

	if !cfg.Log.Verbose {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httpapi.NewRouter(httpapi.Dependencies{
		Jobs:           manager,
		Device:         info,
		CloudMode:      cfg.CloudMode,
		MaxUploadBytes: cfg.Upload.MaxBytes(),
		OutputDir:      cfg.Storage.OutputDir,
		StemsURL:       cfg.Storage.StemsURL,
		Logger:         slog.Default(),
	})
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return reaper.New(reaper.NewConfig(cfg), reg).Do(gctx)
	})
	g.Go(func() error {
		slog.InfoContext(ctx, "listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.InfoContext(ctx, "shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down http server: %w", err)
		}
		return nil
	})
	return g.Wait()
}
