package repo

import (
	"context"
	"time"

	"github.com/richardliu001/event-service/internal/model"
)

const maxLastErrorLen = 1024

// CreateDelivery parks a push for later replay.
func (r *Repository) CreateDelivery(ctx context.Context, d *model.SyncDelivery) error {
	if d.Status == "" {
		d.Status = model.DeliveryPending
	}
	d.LastError = truncate(d.LastError, maxLastErrorLen)
	return r.db.WithContext(ctx).Create(d).Error
}

// PollDueDeliveries pulls pending deliveries whose retry time has come.
func (r *Repository) PollDueDeliveries(ctx context.Context, now time.Time, limit int) ([]model.SyncDelivery, error) {
	var ds []model.SyncDelivery
	err := r.db.WithContext(ctx).
		Where("status = ? AND next_retry_at <= ?", model.DeliveryPending, now.UTC()).
		Order("next_retry_at").
		Limit(limit).
		Find(&ds).Error
	return ds, err
}

// MarkDeliveryDelivered sets delivered flag.
func (r *Repository) MarkDeliveryDelivered(ctx context.Context, id uint64, attempts int) error {
	now := r.now()
	return r.db.WithContext(ctx).Model(&model.SyncDelivery{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       model.DeliveryDelivered,
			"attempts":     attempts,
			"delivered_at": &now,
			"updated_at":   now,
		}).Error
}

// MarkDeliveryRetry records a failed replay and when to try again.
func (r *Repository) MarkDeliveryRetry(ctx context.Context, id uint64, attempts int, lastErr string, next time.Time) error {
	return r.db.WithContext(ctx).Model(&model.SyncDelivery{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"attempts":      attempts,
			"last_error":    truncate(lastErr, maxLastErrorLen),
			"next_retry_at": next.UTC(),
			"updated_at":    r.now(),
		}).Error
}

// MarkDeliveryDead stops replaying a delivery.
func (r *Repository) MarkDeliveryDead(ctx context.Context, id uint64, attempts int, lastErr string) error {
	return r.db.WithContext(ctx).Model(&model.SyncDelivery{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     model.DeliveryDead,
			"attempts":   attempts,
			"last_error": truncate(lastErr, maxLastErrorLen),
			"updated_at": r.now(),
		}).Error
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
