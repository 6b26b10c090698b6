package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/richardliu001/event-service/internal/model"
)

var (
	// ErrNotFound is returned when no live event matches.
	ErrNotFound = errors.New("event not found")
	// ErrDuplicateName is returned when the live-name unique index rejects a write.
	ErrDuplicateName = errors.New("event with this name already exists")
	// ErrEmptyName is returned for writes without an event name.
	ErrEmptyName = errors.New("event name is required")
	// ErrCacheMiss is returned by cache reads when nothing usable is cached.
	ErrCacheMiss = errors.New("cache miss")
)

// RepositoryInterface restricts Repo methods (mockable in service tests).
type RepositoryInterface interface {
	Transaction(ctx context.Context, fn func(r RepositoryInterface) error) error

	Create(ctx context.Context, e *model.Event) error
	FindByName(ctx context.Context, name string) (*model.Event, error)
	FindByID(ctx context.Context, id string) (*model.Event, error)
	Update(ctx context.Context, id string, patch model.EventPatch) (*model.Event, error)
	SoftDelete(ctx context.Context, id string) error
	HardDeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	ExpiredCacheKeys(ctx context.Context, cutoff time.Time) (days, emails []string, err error)
	ListByFilter(ctx context.Context, f EventFilter, offset, limit int) ([]model.Event, error)
	CountByNameBetween(ctx context.Context, from, to time.Time) ([]model.MetricCount, error)
	FindProfileAttributesByEmail(ctx context.Context, email string) (datatypes.JSONMap, error)

	CreateDelivery(ctx context.Context, d *model.SyncDelivery) error
	PollDueDeliveries(ctx context.Context, now time.Time, limit int) ([]model.SyncDelivery, error)
	MarkDeliveryDelivered(ctx context.Context, id uint64, attempts int) error
	MarkDeliveryRetry(ctx context.Context, id uint64, attempts int, lastErr string, next time.Time) error
	MarkDeliveryDead(ctx context.Context, id uint64, attempts int, lastErr string) error

	CacheProfileAttributes(ctx context.Context, email string, attrs map[string]interface{}) error
	GetCachedProfileAttributes(ctx context.Context, email string) (map[string]interface{}, error)
	InvalidateProfile(ctx context.Context, email string) error
	CacheMetricCounts(ctx context.Context, date string, counts []model.MetricCount) error
	GetCachedMetricCounts(ctx context.Context, date string) ([]model.MetricCount, error)
	InvalidateMetricCounts(ctx context.Context, date string) error

	Ping(ctx context.Context) error
}

// Repository implements RepositoryInterface on gorm with an optional redis cache.
type Repository struct {
	db  *gorm.DB
	rdb *redis.Client
	log *zap.SugaredLogger
	now func() time.Time
}

// NewRepository constructs repo. rdb may be nil, which turns the cache off.
func NewRepository(db *gorm.DB, rdb *redis.Client, logger *zap.SugaredLogger) *Repository {
	return &Repository{
		db:  db,
		rdb: rdb,
		log: logger,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source used for created/updated/deleted stamps.
func (r *Repository) WithClock(now func() time.Time) *Repository {
	cp := *r
	cp.now = func() time.Time { return now().UTC() }
	return &cp
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// Transaction runs fn against a repository bound to a single transaction.
func (r *Repository) Transaction(ctx context.Context, fn func(r RepositoryInterface) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cp := *r
		cp.db = tx
		return fn(&cp)
	})
}

// Ping checks the database and, when configured, redis.
func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return err
	}
	if r.rdb != nil {
		return r.rdb.Ping(ctx).Err()
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "SQLSTATE 23505")
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
