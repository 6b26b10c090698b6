package service

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richardliu001/event-service/internal/config"
	"github.com/richardliu001/event-service/internal/klaviyo"
	"github.com/richardliu001/event-service/internal/logger"
	"github.com/richardliu001/event-service/internal/model"
	"github.com/richardliu001/event-service/internal/repo"
	"github.com/richardliu001/event-service/internal/syncer"
	"github.com/richardliu001/event-service/internal/testutil"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []model.Event
}

func (d *recordingDispatcher) Dispatch(e model.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, e)
}

func (d *recordingDispatcher) names() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.events))
	for _, e := range d.events {
		out = append(out, e.EventName)
	}
	return out
}

func newTestService(t *testing.T) (*EventService, *recordingDispatcher, *testutil.Clock) {
	t.Helper()
	clock := &testutil.Clock{T: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	r := repo.NewRepository(testutil.TestDB(t), nil, logger.NewNop()).WithClock(clock.Now)
	d := &recordingDispatcher{}
	return NewEventService(r, d, logger.NewNop()), d, clock
}

func TestEventService_CreateEvent(t *testing.T) {
	svc, d, _ := newTestService(t)
	ctx := context.Background()

	e, err := svc.CreateEvent(ctx, CreateEventInput{
		EventName:         "  signup ",
		EventAttributes:   map[string]interface{}{"plan": "pro"},
		ProfileAttributes: map[string]interface{}{"email": "a@b.co"},
	})
	require.NoError(t, err)
	assert.Equal(t, "signup", e.EventName)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, []string{"signup"}, d.names())

	_, err = svc.CreateEvent(ctx, CreateEventInput{EventName: "signup"})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = svc.CreateEvent(ctx, CreateEventInput{EventName: "   "})
	assert.ErrorIs(t, err, ErrValidation)

	assert.Len(t, d.names(), 1)
}

func TestEventService_CreateBulkEvents(t *testing.T) {
	svc, d, _ := newTestService(t)
	ctx := context.Background()

	events, err := svc.CreateBulkEvents(ctx, []CreateEventInput{{EventName: "a"}, {EventName: "b"}})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.NotEqual(t, events[0].ID, events[1].ID)
	assert.Equal(t, []string{"a", "b"}, d.names())
}

func TestEventService_CreateBulkEventsIsAllOrNothing(t *testing.T) {
	svc, d, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.CreateEvent(ctx, CreateEventInput{EventName: "existing"})
	require.NoError(t, err)

	cases := []struct {
		name  string
		batch []CreateEventInput
		want  error
	}{
		{"missing name", []CreateEventInput{{EventName: "a"}, {EventName: ""}}, ErrValidation},
		{"repeated name", []CreateEventInput{{EventName: "a"}, {EventName: "a"}}, ErrConflict},
		{"existing name", []CreateEventInput{{EventName: "a"}, {EventName: "existing"}}, ErrConflict},
		{"empty", nil, ErrValidation},
		{"too large", make([]CreateEventInput, MaxBulkEvents+1), ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateBulkEvents(ctx, tc.batch)
			assert.ErrorIs(t, err, tc.want)

			_, err = svc.Repo().FindByName(ctx, "a")
			assert.ErrorIs(t, err, repo.ErrNotFound, "nothing from a failed batch is stored")
		})
	}
	assert.Equal(t, []string{"existing"}, d.names())
}

func TestEventService_CreateBulkEventsNamesFailingItem(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.CreateBulkEvents(context.Background(), []CreateEventInput{{EventName: "a"}, {EventName: "b"}, {EventName: " "}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "events[2]")
}

func TestEventService_GetUpdateDelete(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	e, err := svc.CreateEvent(ctx, CreateEventInput{EventName: "first"})
	require.NoError(t, err)
	_, err = svc.CreateEvent(ctx, CreateEventInput{EventName: "second"})
	require.NoError(t, err)

	got, err := svc.GetEvent(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", got.EventName)

	clock.Advance(time.Minute)
	renamed := "renamed"
	upd, err := svc.UpdateEvent(ctx, e.ID, UpdateEventInput{
		EventName:       &renamed,
		EventAttributes: map[string]interface{}{"k": "v"},
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed", upd.EventName)
	assert.Equal(t, "v", upd.EventAttributes["k"])
	assert.True(t, upd.UpdatedAt.After(upd.CreatedAt))

	taken := "second"
	_, err = svc.UpdateEvent(ctx, e.ID, UpdateEventInput{EventName: &taken})
	assert.ErrorIs(t, err, ErrConflict)

	blank := " "
	_, err = svc.UpdateEvent(ctx, e.ID, UpdateEventInput{EventName: &blank})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.UpdateEvent(ctx, e.ID, UpdateEventInput{})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.UpdateEvent(ctx, "missing", UpdateEventInput{EventName: &renamed})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, svc.DeleteEvent(ctx, e.ID))
	_, err = svc.GetEvent(ctx, e.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, svc.DeleteEvent(ctx, e.ID), ErrNotFound)
}

func TestEventService_ListEvents(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		_, err := svc.CreateEvent(ctx, CreateEventInput{EventName: fmt.Sprintf("evt-%02d", i)})
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	p, err := svc.ListEvents(ctx, ListQuery{})
	require.NoError(t, err)
	assert.Len(t, p.Data, DefaultPageLimit)
	assert.True(t, p.HasNextPage)
	assert.Equal(t, "evt-11", p.Data[0].EventName)

	p, err = svc.ListEvents(ctx, ListQuery{Page: 2})
	require.NoError(t, err)
	assert.Len(t, p.Data, 2)
	assert.False(t, p.HasNextPage)
	assert.Equal(t, "evt-01", p.Data[0].EventName)

	p, err = svc.ListEvents(ctx, ListQuery{Limit: 500})
	require.NoError(t, err)
	assert.Len(t, p.Data, 12)
	assert.False(t, p.HasNextPage)

	p, err = svc.ListEvents(ctx, ListQuery{EventName: "nothing-matches"})
	require.NoError(t, err)
	assert.NotNil(t, p.Data)
	assert.Empty(t, p.Data)
}

func TestEventService_SyncFailureDoesNotAffectCreate(t *testing.T) {
	var hits sync.WaitGroup
	hits.Add(1)
	var once sync.Once
	platform := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(hits.Done)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer platform.Close()

	db := testutil.TestDB(t)
	r := repo.NewRepository(db, nil, logger.NewNop())
	client := klaviyo.NewClient(config.KlaviyoConfig{
		BaseURL: platform.URL, APIKey: "k", Revision: "2025-10-15",
		Timeout: time.Second, RPS: 100, Burst: 100,
	}, logger.NewNop())
	worker := syncer.NewWorker(client, r, config.SyncConfig{
		Workers: 1, Buffer: 4, Attempts: 2,
		InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond,
		PollInterval: time.Minute,
	}, logger.NewNop())
	worker.Start(context.Background())
	defer worker.Stop()

	svc := NewEventService(r, worker, logger.NewNop())
	e, err := svc.CreateEvent(context.Background(), CreateEventInput{EventName: "checkout"})
	require.NoError(t, err)
	assert.Equal(t, "checkout", e.EventName)

	hits.Wait()
	assert.Eventually(t, func() bool { return worker.Stats().Parked == 1 }, 2*time.Second, 10*time.Millisecond)

	var parked model.SyncDelivery
	require.NoError(t, db.Where("event_id = ?", e.ID).Take(&parked).Error)
	assert.Equal(t, model.DeliveryPending, parked.Status)
	assert.Equal(t, 2, parked.Attempts)

	stored, err := svc.GetEvent(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, stored.ID)
}

func TestEventService_SlowPlatformDoesNotSlowCreate(t *testing.T) {
	const fastPath = 200 * time.Millisecond

	release := make(chan struct{})
	var releaseOnce sync.Once
	unblock := func() { releaseOnce.Do(func() { close(release) }) }
	platform := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer platform.Close()
	defer unblock()

	db := testutil.TestDB(t)
	r := repo.NewRepository(db, nil, logger.NewNop())
	client := klaviyo.NewClient(config.KlaviyoConfig{
		BaseURL: platform.URL, APIKey: "k", Revision: "2025-10-15",
		Timeout: 5 * time.Second, RPS: 100, Burst: 100,
	}, logger.NewNop())
	worker := syncer.NewWorker(client, r, config.SyncConfig{
		Workers: 1, Buffer: 1, Attempts: 1,
		InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond,
		PollInterval: time.Minute,
	}, logger.NewNop())
	worker.Start(context.Background())
	defer worker.Stop()

	svc := NewEventService(r, worker, logger.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		start := time.Now()
		_, err := svc.CreateEvent(ctx, CreateEventInput{EventName: fmt.Sprintf("slow-%d", i)})
		require.NoError(t, err)
		assert.Less(t, time.Since(start), fastPath, "create %d waited on the platform", i)
	}

	start := time.Now()
	created, err := svc.CreateBulkEvents(ctx, []CreateEventInput{{EventName: "bulk-a"}, {EventName: "bulk-b"}})
	require.NoError(t, err)
	assert.Len(t, created, 2)
	assert.Less(t, time.Since(start), fastPath, "bulk create waited on the platform")

	unblock()
	worker.Stop()

	s := worker.Stats()
	assert.EqualValues(t, 5, s.Dispatched)
	assert.EqualValues(t, 5, s.Parked)
	var parked int64
	require.NoError(t, db.Model(&model.SyncDelivery{}).Count(&parked).Error)
	assert.EqualValues(t, 5, parked)
}
