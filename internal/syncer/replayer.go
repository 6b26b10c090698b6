package syncer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/richardliu001/event-service/internal/config"
	"github.com/richardliu001/event-service/internal/klaviyo"
)

// Replayer retries parked deliveries on a ticker until they go through or
// reach MaxAttempts.
type Replayer struct {
	store  DeliveryStore
	pusher Pusher
	cfg    config.SyncConfig
	log    *zap.SugaredLogger
	now    func() time.Time
	stats  counters
}

// NewReplayer returns Replayer.
func NewReplayer(store DeliveryStore, p Pusher, cfg config.SyncConfig, log *zap.SugaredLogger) *Replayer {
	if cfg.PollBatch <= 0 {
		cfg.PollBatch = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	return &Replayer{
		store:  store,
		pusher: p,
		cfg:    cfg,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run replays due deliveries every PollInterval until ctx is done.
func (r *Replayer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.log.Infow("sync replayer started", "interval", r.cfg.PollInterval.String())
	for {
		if _, err := r.ReplayDue(ctx); err != nil && ctx.Err() == nil {
			r.log.Errorf("replay due deliveries: %v", err)
		}
		select {
		case <-ctx.Done():
			r.log.Info("sync replayer stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// ReplayDue pushes one batch of due deliveries and reports how many were delivered.
func (r *Replayer) ReplayDue(ctx context.Context) (int, error) {
	due, err := r.store.PollDueDeliveries(ctx, r.now(), r.cfg.PollBatch)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, d := range due {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		attempts := d.Attempts + 1
		pushErr := r.pusher.Send(ctx, []byte(d.Payload))

		switch {
		case pushErr == nil:
			if err := r.store.MarkDeliveryDelivered(ctx, d.ID, attempts); err != nil {
				r.log.Errorf("mark delivered id=%d: %v", d.ID, err)
				continue
			}
			delivered++
			r.stats.delivered.Add(1)
			r.log.Infow("parked delivery sent", "delivery_id", d.ID, "event_id", d.EventID, "attempts", attempts)
		case !klaviyo.Retryable(pushErr) || attempts >= r.cfg.MaxAttempts:
			r.stats.failed.Add(1)
			if ctx.Err() != nil {
				return delivered, ctx.Err()
			}
			if err := r.store.MarkDeliveryDead(ctx, d.ID, attempts, pushErr.Error()); err != nil {
				r.log.Errorf("mark dead id=%d: %v", d.ID, err)
				continue
			}
			r.log.Warnw("parked delivery marked dead", "delivery_id", d.ID, "event_id", d.EventID, "attempts", attempts, "reason", pushErr)
		default:
			r.stats.failed.Add(1)
			next := r.now().Add(NextRetryDelay(attempts, r.cfg.PollInterval, maxReplayBackoff))
			if err := r.store.MarkDeliveryRetry(ctx, d.ID, attempts, pushErr.Error(), next); err != nil {
				r.log.Errorf("schedule retry id=%d: %v", d.ID, err)
			}
		}
	}
	return delivered, nil
}

// Stats returns the replayer's counters.
func (r *Replayer) Stats() Stats { return r.stats.snapshot() }
