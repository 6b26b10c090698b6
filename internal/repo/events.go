package repo

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/richardliu001/event-service/internal/model"
)

// EventFilter narrows ListByFilter. Empty fields do not filter.
type EventFilter struct {
	// EventName is matched case-insensitively as a substring.
	EventName string
	// ProfileID is matched against profileAttributes.external_id.
	ProfileID string
}

// Create assigns id and timestamps and inserts the row. Name uniqueness is
// left to the live-name unique index; a violation comes back as ErrDuplicateName.
func (r *Repository) Create(ctx context.Context, e *model.Event) error {
	if strings.TrimSpace(e.EventName) == "" {
		return ErrEmptyName
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now()
	}
	e.CreatedAt = e.CreatedAt.UTC()
	if e.UpdatedAt.Before(e.CreatedAt) {
		e.UpdatedAt = e.CreatedAt
	}
	e.UpdatedAt = e.UpdatedAt.UTC()
	if e.EventAttributes == nil {
		e.EventAttributes = datatypes.JSONMap{}
	}
	if e.ProfileAttributes == nil {
		e.ProfileAttributes = datatypes.JSONMap{}
	}

	if err := r.db.WithContext(ctx).Create(e).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %q", ErrDuplicateName, e.EventName)
		}
		return err
	}
	return nil
}

// FindByName looks up a live event by exact name.
func (r *Repository) FindByName(ctx context.Context, name string) (*model.Event, error) {
	if name == "" {
		return nil, ErrNotFound
	}
	var e model.Event
	if err := r.db.WithContext(ctx).Where("event_name = ?", name).Take(&e).Error; err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

// FindByID looks up a live event by id.
func (r *Repository) FindByID(ctx context.Context, id string) (*model.Event, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	var e model.Event
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&e).Error; err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

// Update merges the non-nil patch fields into the live event and refreshes updated_at.
func (r *Repository) Update(ctx context.Context, id string, patch model.EventPatch) (*model.Event, error) {
	var out model.Event
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).Take(&out).Error; err != nil {
			return notFound(err)
		}

		updatedAt := r.now()
		if updatedAt.Before(out.CreatedAt) {
			updatedAt = out.CreatedAt
		}
		updates := map[string]interface{}{"updated_at": updatedAt}
		if patch.EventName != nil {
			name := strings.TrimSpace(*patch.EventName)
			if name == "" {
				return ErrEmptyName
			}
			updates["event_name"] = name
		}
		if patch.EventAttributes != nil {
			updates["event_attributes"] = datatypes.JSONMap(patch.EventAttributes)
		}
		if patch.ProfileAttributes != nil {
			updates["profile_attributes"] = datatypes.JSONMap(patch.ProfileAttributes)
		}

		if err := tx.Model(&model.Event{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %q", ErrDuplicateName, updates["event_name"])
			}
			return err
		}
		return tx.Where("id = ?", id).Take(&out).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SoftDelete sets the tombstone on a live event.
func (r *Repository) SoftDelete(ctx context.Context, id string) error {
	now := r.now()
	res := r.db.WithContext(ctx).Model(&model.Event{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"deleted_at": now, "updated_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// HardDeleteOlderThan physically removes every row created before cutoff,
// tombstoned or not, and reports how many went.
func (r *Repository) HardDeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Unscoped().
		Where("created_at < ?", cutoff.UTC()).
		Delete(&model.Event{})
	return res.RowsAffected, res.Error
}

const expiredScanBatch = 500

// ExpiredCacheKeys reports the distinct creation days and profile emails of
// the rows HardDeleteOlderThan(cutoff) would remove, sorted.
func (r *Repository) ExpiredCacheKeys(ctx context.Context, cutoff time.Time) (days, emails []string, err error) {
	daySet := map[string]struct{}{}
	emailSet := map[string]struct{}{}

	var batch []model.Event
	err = r.db.WithContext(ctx).Unscoped().
		Select("id", "created_at", "profile_attributes").
		Where("created_at < ?", cutoff.UTC()).
		FindInBatches(&batch, expiredScanBatch, func(_ *gorm.DB, _ int) error {
			for _, e := range batch {
				daySet[e.CreatedAt.UTC().Format(model.DayLayout)] = struct{}{}
				if email := e.Email(); email != "" {
					emailSet[email] = struct{}{}
				}
			}
			return nil
		}).Error
	if err != nil {
		return nil, nil, err
	}
	return sortedKeys(daySet), sortedKeys(emailSet), nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ListByFilter returns up to limit live events newest first, skipping offset rows.
func (r *Repository) ListByFilter(ctx context.Context, f EventFilter, offset, limit int) ([]model.Event, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	if offset < 0 {
		offset = 0
	}

	q := r.db.WithContext(ctx).Model(&model.Event{})
	if f.EventName != "" {
		q = q.Where(`LOWER(event_name) LIKE ? ESCAPE '\'`, "%"+escapeLike(strings.ToLower(f.EventName))+"%")
	}
	if f.ProfileID != "" {
		q = q.Where(datatypes.JSONQuery("profile_attributes").Equals(f.ProfileID, model.ProfileExternalIDKey))
	}

	var events []model.Event
	err := q.Order("created_at DESC").Order("id DESC").
		Offset(offset).
		Limit(limit).
		Find(&events).Error
	return events, err
}

// CountByNameBetween groups live events created in [from, to) by name.
func (r *Repository) CountByNameBetween(ctx context.Context, from, to time.Time) ([]model.MetricCount, error) {
	var rows []model.MetricCount
	err := r.db.WithContext(ctx).Model(&model.Event{}).
		Select("event_name AS metric_name, COUNT(*) AS count").
		Where("created_at >= ? AND created_at < ?", from.UTC(), to.UTC()).
		Group("event_name").
		Scan(&rows).Error
	return rows, err
}

// FindProfileAttributesByEmail returns the profile blob of the newest live
// event whose profileAttributes.email equals email.
func (r *Repository) FindProfileAttributesByEmail(ctx context.Context, email string) (datatypes.JSONMap, error) {
	if email == "" {
		return nil, ErrNotFound
	}
	var e model.Event
	err := r.db.WithContext(ctx).
		Select("id", "profile_attributes", "created_at").
		Where(datatypes.JSONQuery("profile_attributes").Equals(email, model.ProfileEmailKey)).
		Order("created_at DESC").
		Take(&e).Error
	if err != nil {
		return nil, notFound(err)
	}
	if e.ProfileAttributes == nil {
		return datatypes.JSONMap{}, nil
	}
	return e.ProfileAttributes, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }
