package syncer

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/richardliu001/event-service/internal/klaviyo"
	"github.com/richardliu001/event-service/internal/model"
)

const parkTimeout = 5 * time.Second

// parker writes failed pushes to sync_delivery for the replayer.
type parker struct {
	store     DeliveryStore
	baseDelay time.Duration
	log       *zap.SugaredLogger
	now       func() time.Time
	stats     *counters
}

// park records a push of e that failed after attempts tries. Pushes the
// platform rejected outright are stored dead so they stay visible.
func (p *parker) park(e model.Event, body []byte, attempts int, cause error) {
	if body == nil {
		var err error
		if body, err = klaviyo.Encode(e); err != nil {
			p.log.Errorw("encode event for parking", "event_id", e.ID, "error", err)
			return
		}
	}
	d := &model.SyncDelivery{
		EventID:     e.ID,
		Payload:     datatypes.JSON(body),
		Attempts:    attempts,
		NextRetryAt: p.now().Add(NextRetryDelay(attempts, p.baseDelay, maxReplayBackoff)),
	}
	if cause != nil {
		d.LastError = cause.Error()
		var pe *klaviyo.PushError
		if errors.As(cause, &pe) && !klaviyo.Retryable(pe) {
			d.Status = model.DeliveryDead
		}
	}

	// the caller's context may already be cancelled during shutdown
	ctx, cancel := context.WithTimeout(context.Background(), parkTimeout)
	defer cancel()
	if err := p.store.CreateDelivery(ctx, d); err != nil {
		p.log.Errorw("park sync delivery", "event_id", e.ID, "error", err)
		return
	}
	p.stats.parked.Add(1)
	p.log.Infow("sync delivery parked", "event_id", e.ID, "delivery_id", d.ID, "status", d.Status)
}
