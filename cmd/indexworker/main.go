// Command indexworker serves index jobs from NATS: it embeds the pages of each
// job, upserts the vectors into Qdrant and replies with an IndexReport.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/pdfstudy/engine/ingest"
	"github.com/WessleyAI/pdfstudy/engine/study"
	"github.com/WessleyAI/pdfstudy/pkg/config"
	"github.com/WessleyAI/pdfstudy/pkg/metrics"
)

func main() {
	cfg := config.Load()
	logger := cfg.Logger()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("index worker exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Default.CollectRuntime(ctx, "pdfstudy_indexworker", 15*time.Second)
	metricsSrv := metrics.Default.ServeAsync(cfg.MetricsAddr, logger)
	defer metricsSrv.Close()

	vs, err := study.NewVectorStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("qdrant: %w", err)
	}
	defer vs.Close()

	embedder := study.NewEmbedder(cfg, study.NewLLM(cfg, logger))
	indexer, err := study.NewLocalIndexer(embedder, vs, logger)
	if err != nil {
		return err
	}

	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("pdfstudy-indexworker"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	sub, err := ingest.NewWorker(nc, indexer, cfg.IndexSubject, cfg.IndexQueue, logger).Start()
	if err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")
	if err := sub.Drain(); err != nil {
		logger.Warn("drain failed", "err", err)
	}
	return nil
}
