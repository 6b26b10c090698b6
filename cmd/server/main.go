package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/richardliu001/event-service/internal/config"
	"github.com/richardliu001/event-service/internal/klaviyo"
	"github.com/richardliu001/event-service/internal/logger"
	"github.com/richardliu001/event-service/internal/repo"
	"github.com/richardliu001/event-service/internal/retention"
	"github.com/richardliu001/event-service/internal/service"
	"github.com/richardliu001/event-service/internal/syncer"
	httptransport "github.com/richardliu001/event-service/internal/transport/http"
)

const shutdownTimeout = 15 * time.Second

func configPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "internal/config/config.yaml"
}

func main() {
	// 1. load config
	cfg, err := config.Load(configPath())
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger(cfg.Server.LogLevel)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. postgres
	gdb, err := repo.OpenPostgres(cfg.Postgres)
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	// 4. redis (optional cache)
	rdb, err := repo.OpenRedis(ctx, cfg.Redis)
	if err != nil {
		log.Fatalf("redis ping: %v", err)
	}
	repository := repo.NewRepository(gdb, rdb, log)

	// 5. sync dispatch: in-process workers or kafka
	var (
		dispatcher service.Dispatcher
		syncStats  func() syncer.Stats
		stopSync   func()
	)
	switch cfg.Sync.Queue {
	case config.QueueKafka:
		kd := syncer.NewKafkaDispatcher(cfg.Kafka, cfg.Sync, repository, log)
		dispatcher, syncStats = kd, kd.Stats
		stopSync = func() {
			if err := kd.Close(); err != nil {
				log.Errorf("close kafka writer: %v", err)
			}
		}
	default:
		w := syncer.NewWorker(klaviyo.NewClient(cfg.Klaviyo, log), repository, cfg.Sync, log)
		w.Start(context.Background())
		dispatcher, syncStats, stopSync = w, w.Stats, w.Stop
	}

	// 6. services
	events := service.NewEventService(repository, dispatcher, log)
	metrics := service.NewMetricsService(repository, log)

	// 7. retention
	sweeper, err := retention.NewSweeper(repository, cfg.Retention, log)
	if err != nil {
		log.Fatalf("retention: %v", err)
	}
	sweeper.Start()

	// 8. gin router
	router := httptransport.NewRouter(httptransport.Services{
		Events:    events,
		Metrics:   metrics,
		Ready:     repository.Ping,
		SyncStats: syncStats,
	}, cfg.RateLimit, log)

	// 9. serve until signalled
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("event-server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		log.Errorf("server: %v", err)
	}

	sweeper.Stop()
	stopSync()
	if rdb != nil {
		_ = rdb.Close()
	}
	log.Info("event-server stopped")
}
