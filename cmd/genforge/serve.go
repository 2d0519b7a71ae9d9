package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/corewell/genforge/internal/audit"
	"github.com/corewell/genforge/internal/config"
	"github.com/corewell/genforge/internal/gateway"
	"github.com/corewell/genforge/internal/httpapi"
	"github.com/corewell/genforge/internal/idempotency"
	"github.com/corewell/genforge/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the genforge gateway",
	Long: `serve starts the backend prober, the tool pool, and the HTTP
surface, then blocks until interrupted.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen-addr", "", "HTTP listen address (overrides LISTEN_ADDR)")
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logging.WithComponent("cmd")
	cfg := config.Load()

	if v, _ := cmd.Flags().GetString("listen-addr"); v != "" {
		cfg.ListenAddr = v
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var idemp *idempotency.Cache
	if cfg.RedisAddr != "" {
		c := idempotency.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, 0)
		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		err := c.Ping(pingCtx)
		pingCancel()
		if err != nil {
			log.Warn().Err(err).Msg("idempotency cache unreachable, disabling idempotent replay")
			_ = c.Close()
		} else {
			idemp = c
			defer c.Close()
			log.Info().Str("redis_addr", cfg.RedisAddr).Msg("idempotency cache connected")
		}
	}

	var trail *audit.Trail
	if cfg.PostgresDSN != "" {
		t, err := audit.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Warn().Err(err).Msg("audit trail unreachable, disabling audit logging")
		} else {
			if err := t.Migrate(ctx); err != nil {
				log.Warn().Err(err).Msg("audit trail migration failed, disabling audit logging")
				t.Close()
			} else {
				trail = t
				defer t.Close()
				log.Info().Msg("audit trail connected")
			}
		}
	}

	gw := gateway.New(gateway.Config{
		ErrorThreshold:   cfg.ErrorThreshold,
		ProbeInterval:    cfg.ProbeInterval,
		ProbeTimeout:     cfg.ProbeTimeout,
		WorkflowDeadline: cfg.WorkflowTimeout,
		PreloadDeadline:  cfg.PreloadTimeout,
		ComfyInputDir:    cfg.ComfyInputDir,
		Idempotency:      idemp,
		Audit:            trail,
	})
	gw.Start(ctx)

	mux := http.NewServeMux()
	httpapi.New(gw).Routes(mux)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	serveErrs := make(chan error, 1)
	go func() {
		log.Info().Str("listen_addr", cfg.ListenAddr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrs <- err
			return
		}
		serveErrs <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serveErrs:
		if err != nil {
			log.Error().Err(err).Msg("http server failed")
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown did not complete cleanly")
	}

	return nil
}
