package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/richardliu001/event-service/internal/config"
	"github.com/richardliu001/event-service/internal/klaviyo"
	"github.com/richardliu001/event-service/internal/logger"
	"github.com/richardliu001/event-service/internal/repo"
	"github.com/richardliu001/event-service/internal/syncer"
)

func configPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "internal/config/config.yaml"
}

func main() {
	cfg, err := config.Load(configPath())
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger(cfg.Server.LogLevel)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := repo.OpenPostgres(cfg.Postgres)
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	repository := repo.NewRepository(gdb, nil, log)
	client := klaviyo.NewClient(cfg.Klaviyo, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	replayer := syncer.NewReplayer(repository, client, cfg.Sync, log)
	g.Go(func() error { return replayer.Run(gctx) })

	if cfg.Sync.Queue == config.QueueKafka {
		// the consumer drives Handle directly; no worker goroutines needed
		worker := syncer.NewWorker(client, repository, cfg.Sync, log)
		consumer := syncer.NewKafkaConsumer(cfg.Kafka, worker, log)
		g.Go(func() error {
			defer consumer.Close()
			return consumer.Run(gctx)
		})
	}

	log.Info("event-poller started")
	if err := g.Wait(); err != nil {
		log.Fatalf("poller: %v", err)
	}
	log.Info("event-poller stopped")
}
