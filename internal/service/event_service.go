package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/richardliu001/event-service/internal/model"
	"github.com/richardliu001/event-service/internal/repo"
)

const (
	// DefaultPageLimit is used when a list request carries no usable limit.
	DefaultPageLimit = 10
	// MaxPageLimit caps list page sizes.
	MaxPageLimit = 50
	// MaxBulkEvents caps a single bulk submission.
	MaxBulkEvents = 1000
	// DateLayout is the day format used by count queries and cache keys.
	DateLayout = model.DayLayout
)

// Dispatcher hands accepted events to the sync side. Dispatch must not block.
type Dispatcher interface {
	Dispatch(e model.Event)
}

// CreateEventInput is one submitted event.
type CreateEventInput struct {
	EventName         string                 `json:"eventName"`
	EventAttributes   map[string]interface{} `json:"eventAttributes"`
	ProfileAttributes map[string]interface{} `json:"profileAttributes"`
}

// UpdateEventInput carries the fields to change; nil fields are left alone.
type UpdateEventInput struct {
	EventName         *string                `json:"eventName"`
	EventAttributes   map[string]interface{} `json:"eventAttributes"`
	ProfileAttributes map[string]interface{} `json:"profileAttributes"`
}

// ListQuery filters and pages ListEvents.
type ListQuery struct {
	EventName string
	ProfileID string
	Page      int
	Limit     int
}

// Page is one page of events.
type Page struct {
	Data        []model.Event `json:"data"`
	HasNextPage bool          `json:"hasNextPage"`
}

// EventService is the ingestion entry point: validate, store, invalidate
// caches, then hand off to sync.
type EventService struct {
	repo repo.RepositoryInterface
	sync Dispatcher
	log  *zap.SugaredLogger
}

// NewEventService returns EventService. d may be nil to disable sync.
func NewEventService(r repo.RepositoryInterface, d Dispatcher, logger *zap.SugaredLogger) *EventService {
	return &EventService{repo: r, sync: d, log: logger}
}

// Repo exposes the repository (tests, readiness).
func (s *EventService) Repo() repo.RepositoryInterface { return s.repo }

// CreateEvent validates and stores one event, then dispatches it for sync.
func (s *EventService) CreateEvent(ctx context.Context, in CreateEventInput) (*model.Event, error) {
	e, err := newEvent(in)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, e); err != nil {
		return nil, translate(err)
	}
	s.afterWrite(ctx, e)
	s.dispatch(*e)
	return e, nil
}

// CreateBulkEvents stores the whole batch or nothing. Every item is checked
// before the first insert; inserts share one transaction and sync is only
// dispatched once it has committed.
func (s *EventService) CreateBulkEvents(ctx context.Context, in []CreateEventInput) ([]model.Event, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("%w: events must not be empty", ErrValidation)
	}
	if len(in) > MaxBulkEvents {
		return nil, fmt.Errorf("%w: at most %d events per batch, got %d", ErrValidation, MaxBulkEvents, len(in))
	}

	events := make([]*model.Event, len(in))
	seen := make(map[string]int, len(in))
	for i, item := range in {
		e, err := newEvent(item)
		if err != nil {
			return nil, fmt.Errorf("events[%d]: %w", i, err)
		}
		if j, dup := seen[e.EventName]; dup {
			return nil, fmt.Errorf("%w: events[%d] repeats the name of events[%d] %q", ErrConflict, i, j, e.EventName)
		}
		seen[e.EventName] = i
		events[i] = e
	}

	err := s.repo.Transaction(ctx, func(tx repo.RepositoryInterface) error {
		for i, e := range events {
			if err := tx.Create(ctx, e); err != nil {
				return fmt.Errorf("events[%d]: %w", i, translate(err))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]model.Event, len(events))
	for i, e := range events {
		s.afterWrite(ctx, e)
		s.dispatch(*e)
		out[i] = *e
	}
	return out, nil
}

// GetEvent returns a live event by id.
func (s *EventService) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	e, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, translate(err)
	}
	return e, nil
}

// UpdateEvent applies a partial update. Updates are not re-synced.
func (s *EventService) UpdateEvent(ctx context.Context, id string, in UpdateEventInput) (*model.Event, error) {
	if in.EventName == nil && in.EventAttributes == nil && in.ProfileAttributes == nil {
		return nil, fmt.Errorf("%w: nothing to update", ErrValidation)
	}
	before, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, translate(err)
	}
	if in.EventName != nil {
		name := strings.TrimSpace(*in.EventName)
		if name == "" {
			return nil, fmt.Errorf("%w: eventName is required", ErrValidation)
		}
		in.EventName = &name
	}

	after, err := s.repo.Update(ctx, id, model.EventPatch{
		EventName:         in.EventName,
		EventAttributes:   in.EventAttributes,
		ProfileAttributes: in.ProfileAttributes,
	})
	if err != nil {
		return nil, translate(err)
	}

	if before.EventName != after.EventName {
		s.invalidateCounts(ctx, before)
	}
	s.invalidateProfile(ctx, before.Email())
	if after.Email() != before.Email() {
		s.invalidateProfile(ctx, after.Email())
	}
	return after, nil
}

// DeleteEvent tombstones a live event.
func (s *EventService) DeleteEvent(ctx context.Context, id string) error {
	e, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return translate(err)
	}
	if err := s.repo.SoftDelete(ctx, id); err != nil {
		return translate(err)
	}
	s.afterWrite(ctx, e)
	return nil
}

// ListEvents pages live events newest first. Out-of-range page and limit
// values fall back to the defaults; limit is capped at MaxPageLimit.
func (s *EventService) ListEvents(ctx context.Context, q ListQuery) (*Page, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 {
		q.Limit = DefaultPageLimit
	}
	if q.Limit > MaxPageLimit {
		q.Limit = MaxPageLimit
	}

	// one extra row tells us whether another page exists
	rows, err := s.repo.ListByFilter(ctx, repo.EventFilter{
		EventName: strings.TrimSpace(q.EventName),
		ProfileID: strings.TrimSpace(q.ProfileID),
	}, (q.Page-1)*q.Limit, q.Limit+1)
	if err != nil {
		return nil, err
	}

	p := &Page{Data: rows, HasNextPage: len(rows) > q.Limit}
	if p.HasNextPage {
		p.Data = rows[:q.Limit]
	}
	if p.Data == nil {
		p.Data = []model.Event{}
	}
	return p, nil
}

func (s *EventService) dispatch(e model.Event) {
	if s.sync == nil {
		return
	}
	s.sync.Dispatch(e)
}

// afterWrite drops cache entries a created or deleted event makes stale.
// Cache failures are logged, never returned.
func (s *EventService) afterWrite(ctx context.Context, e *model.Event) {
	s.invalidateCounts(ctx, e)
	s.invalidateProfile(ctx, e.Email())
}

func (s *EventService) invalidateCounts(ctx context.Context, e *model.Event) {
	if err := s.repo.InvalidateMetricCounts(ctx, e.CreatedAt.UTC().Format(DateLayout)); err != nil {
		s.log.Warnw("invalidate metric counts", "event_id", e.ID, "error", err)
	}
}

func (s *EventService) invalidateProfile(ctx context.Context, email string) {
	if email == "" {
		return
	}
	if err := s.repo.InvalidateProfile(ctx, email); err != nil {
		s.log.Warnw("invalidate profile", "email", email, "error", err)
	}
}

func newEvent(in CreateEventInput) (*model.Event, error) {
	name := strings.TrimSpace(in.EventName)
	if name == "" {
		return nil, fmt.Errorf("%w: eventName is required", ErrValidation)
	}
	return &model.Event{
		EventName:         name,
		EventAttributes:   datatypes.JSONMap(in.EventAttributes),
		ProfileAttributes: datatypes.JSONMap(in.ProfileAttributes),
	}, nil
}
