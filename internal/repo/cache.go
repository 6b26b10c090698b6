package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/richardliu001/event-service/internal/model"
)

const (
	profileCacheTTL = 5 * time.Minute
	metricsCacheTTL = time.Minute
)

func profileKey(email string) string { return "profile:email:" + email }

func metricsKey(date string) string { return "metrics:count:" + date }

// CacheProfileAttributes writes Redis.
func (r *Repository) CacheProfileAttributes(ctx context.Context, email string, attrs map[string]interface{}) error {
	if r.rdb == nil {
		return nil
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, profileKey(email), string(b), profileCacheTTL).Err()
}

// GetCachedProfileAttributes reads Redis.
func (r *Repository) GetCachedProfileAttributes(ctx context.Context, email string) (map[string]interface{}, error) {
	var attrs map[string]interface{}
	if err := r.getJSON(ctx, profileKey(email), &attrs); err != nil {
		return nil, err
	}
	return attrs, nil
}

// InvalidateProfile drops a cached profile lookup.
func (r *Repository) InvalidateProfile(ctx context.Context, email string) error {
	if r.rdb == nil {
		return nil
	}
	return r.rdb.Del(ctx, profileKey(email)).Err()
}

// CacheMetricCounts writes Redis.
func (r *Repository) CacheMetricCounts(ctx context.Context, date string, counts []model.MetricCount) error {
	if r.rdb == nil {
		return nil
	}
	b, err := json.Marshal(counts)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, metricsKey(date), string(b), metricsCacheTTL).Err()
}

// GetCachedMetricCounts reads Redis.
func (r *Repository) GetCachedMetricCounts(ctx context.Context, date string) ([]model.MetricCount, error) {
	var counts []model.MetricCount
	if err := r.getJSON(ctx, metricsKey(date), &counts); err != nil {
		return nil, err
	}
	if counts == nil {
		counts = []model.MetricCount{}
	}
	return counts, nil
}

// InvalidateMetricCounts drops the cached counts of one day.
func (r *Repository) InvalidateMetricCounts(ctx context.Context, date string) error {
	if r.rdb == nil {
		return nil
	}
	return r.rdb.Del(ctx, metricsKey(date)).Err()
}

func (r *Repository) getJSON(ctx context.Context, key string, dst interface{}) error {
	if r.rdb == nil {
		return ErrCacheMiss
	}
	s, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return ErrCacheMiss
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(s), dst); err != nil {
		r.log.Warnw("dropping unreadable cache entry", "key", key, "error", err)
		return ErrCacheMiss
	}
	return nil
}
