// Package main implements the pdfstudy API server.
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

	"github.com/WessleyAI/pdfstudy/engine/study"
	"github.com/WessleyAI/pdfstudy/pkg/config"
	"github.com/WessleyAI/pdfstudy/pkg/metrics"
	"github.com/WessleyAI/pdfstudy/pkg/pdftext"
)

func main() {
	cfg := config.Load()
	logger := cfg.Logger()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stack, err := study.Wire(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("wire: %w", err)
	}
	defer stack.Close()

	metrics.Default.CollectRuntime(ctx, "pdfstudy_api", 15*time.Second)

	a := &api{
		study:   stack.Service,
		fetcher: pdftext.NewFetcher(cfg.CallTimeout, 0),
		log:     logger,
	}
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      a.handler(cfg.CORSOrigin),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port, "remote_index", cfg.RemoteIndex)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}
