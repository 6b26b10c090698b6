package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/richardliu001/event-service/internal/model"
	"github.com/richardliu001/event-service/internal/repo"
)

// MetricsService answers the read-side aggregation queries through the redis
// cache when one is configured.
type MetricsService struct {
	repo repo.RepositoryInterface
	log  *zap.SugaredLogger
}

// NewMetricsService returns MetricsService.
func NewMetricsService(r repo.RepositoryInterface, logger *zap.SugaredLogger) *MetricsService {
	return &MetricsService{repo: r, log: logger}
}

// CountByMetricForDate counts live events per name created on date (UTC).
// Results are ordered by count descending, then name.
func (s *MetricsService) CountByMetricForDate(ctx context.Context, date string) ([]model.MetricCount, error) {
	day, err := time.Parse(DateLayout, strings.TrimSpace(date))
	if err != nil {
		return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", ErrValidation)
	}
	key := day.Format(DateLayout)

	cached, err := s.repo.GetCachedMetricCounts(ctx, key)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, repo.ErrCacheMiss) {
		s.log.Warnw("read metric counts cache", "date", key, "error", err)
	}

	counts, err := s.repo.CountByNameBetween(ctx, day, day.AddDate(0, 0, 1))
	if err != nil {
		return nil, err
	}
	if counts == nil {
		counts = []model.MetricCount{}
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Count != counts[j].Count {
			return counts[i].Count > counts[j].Count
		}
		return counts[i].MetricName < counts[j].MetricName
	})

	if err := s.repo.CacheMetricCounts(ctx, key, counts); err != nil {
		s.log.Warnw("write metric counts cache", "date", key, "error", err)
	}
	return counts, nil
}

// ProfileAttributesByEmail returns the profile attributes of the newest live
// event carrying email.
func (s *MetricsService) ProfileAttributesByEmail(ctx context.Context, email string) (map[string]interface{}, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", ErrNotFound)
	}

	cached, err := s.repo.GetCachedProfileAttributes(ctx, email)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, repo.ErrCacheMiss) {
		s.log.Warnw("read profile cache", "email", email, "error", err)
	}

	attrs, err := s.repo.FindProfileAttributesByEmail(ctx, email)
	if err != nil {
		return nil, translate(err)
	}
	if err := s.repo.CacheProfileAttributes(ctx, email, attrs); err != nil {
		s.log.Warnw("write profile cache", "email", email, "error", err)
	}
	return attrs, nil
}
