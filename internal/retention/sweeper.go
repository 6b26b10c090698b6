// Package retention purges events past the retention horizon on a cron schedule.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/richardliu001/event-service/internal/config"
)

const sweepTimeout = 10 * time.Minute

// Store is the slice of the repository the sweeper needs.
type Store interface {
	HardDeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	ExpiredCacheKeys(ctx context.Context, cutoff time.Time) (days, emails []string, err error)
	InvalidateMetricCounts(ctx context.Context, date string) error
	InvalidateProfile(ctx context.Context, email string) error
}

// Sweeper hard-deletes events created before now minus the horizon,
// tombstoned or not.
type Sweeper struct {
	store   Store
	cfg     config.RetentionConfig
	log     *zap.SugaredLogger
	now     func() time.Time
	cron    *cron.Cron
	entryID cron.EntryID
}

// NewSweeper returns Sweeper. The schedule is parsed here so a bad
// expression fails at boot.
func NewSweeper(store Store, cfg config.RetentionConfig, log *zap.SugaredLogger) (*Sweeper, error) {
	if cfg.Horizon <= 0 {
		return nil, errors.New("retention horizon must be positive")
	}
	s := &Sweeper{
		store: store,
		cfg:   cfg,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
		cron:  cron.New(cron.WithLocation(time.UTC)),
	}
	id, err := s.cron.AddFunc(cfg.Schedule, s.runScheduled)
	if err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", cfg.Schedule, err)
	}
	s.entryID = id
	return s, nil
}

// Sweep runs one pass and returns the number of rows removed. Running it
// again right away removes nothing more. Cached counts and profile lookups
// built from the removed rows are dropped afterwards.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.cfg.Horizon)
	days, emails, err := s.store.ExpiredCacheKeys(ctx, cutoff)
	if err != nil {
		// the delete still goes ahead; entries expire on their own TTL
		s.log.Warnw("collect expired cache keys", "cutoff", cutoff.Format(time.RFC3339), "error", err)
	}

	n, err := s.store.HardDeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("retention sweep before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	s.invalidate(ctx, days, emails)
	s.log.Infow("retention sweep done", "cutoff", cutoff.Format(time.RFC3339), "deleted", n)
	return n, nil
}

func (s *Sweeper) invalidate(ctx context.Context, days, emails []string) {
	for _, d := range days {
		if err := s.store.InvalidateMetricCounts(ctx, d); err != nil {
			s.log.Warnw("invalidate metric counts", "date", d, "error", err)
		}
	}
	for _, e := range emails {
		if err := s.store.InvalidateProfile(ctx, e); err != nil {
			s.log.Warnw("invalidate profile", "email", e, "error", err)
		}
	}
}

// runScheduled is the cron job; a failure waits for the next tick.
func (s *Sweeper) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	if _, err := s.Sweep(ctx); err != nil {
		s.log.Errorf("retention sweep failed: %v", err)
	}
}

// Start starts the cron scheduler.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.log.Infow("retention sweeper started", "schedule", s.cfg.Schedule, "horizon", s.cfg.Horizon.String())
}

// Stop stops scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("retention sweeper stopped")
}

// Next reports when the next sweep is due.
func (s *Sweeper) Next() time.Time {
	return s.cron.Entry(s.entryID).Next
}
