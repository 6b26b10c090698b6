// Package syncer moves accepted events to Klaviyo off the request path:
// an in-process worker pool (or a Kafka topic) with bounded retries, and a
// replayer for pushes that were parked in sync_delivery.
package syncer

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/richardliu001/event-service/internal/model"
)

// Pusher sends an encoded payload to the external platform.
type Pusher interface {
	Send(ctx context.Context, body []byte) error
}

// DeliveryStore persists parked pushes.
type DeliveryStore interface {
	CreateDelivery(ctx context.Context, d *model.SyncDelivery) error
	PollDueDeliveries(ctx context.Context, now time.Time, limit int) ([]model.SyncDelivery, error)
	MarkDeliveryDelivered(ctx context.Context, id uint64, attempts int) error
	MarkDeliveryRetry(ctx context.Context, id uint64, attempts int, lastErr string, next time.Time) error
	MarkDeliveryDead(ctx context.Context, id uint64, attempts int, lastErr string) error
}

// Stats is a snapshot of sync counters.
type Stats struct {
	Dispatched uint64 `json:"dispatched"`
	Delivered  uint64 `json:"delivered"`
	Failed     uint64 `json:"failed"`
	Parked     uint64 `json:"parked"`
}

type counters struct {
	dispatched atomic.Uint64
	delivered  atomic.Uint64
	failed     atomic.Uint64
	parked     atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Dispatched: c.dispatched.Load(),
		Delivered:  c.delivered.Load(),
		Failed:     c.failed.Load(),
		Parked:     c.parked.Load(),
	}
}

// maxReplayBackoff caps the wait between replays of a parked delivery.
const maxReplayBackoff = time.Hour

// NextRetryDelay is base * 2^(attempts-1), capped at max.
func NextRetryDelay(attempts int, base, max time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
