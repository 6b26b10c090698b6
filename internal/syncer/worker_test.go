package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richardliu001/event-service/internal/config"
	"github.com/richardliu001/event-service/internal/klaviyo"
	"github.com/richardliu001/event-service/internal/logger"
	"github.com/richardliu001/event-service/internal/model"
)

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		Workers:        2,
		Buffer:         8,
		Attempts:       3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		MaxAttempts:    3,
		PollInterval:   time.Minute,
		PollBatch:      10,
	}
}

func TestWorker_HandleRetriesThenSucceeds(t *testing.T) {
	p := &fakePusher{errs: []error{
		&klaviyo.PushError{StatusCode: http.StatusServiceUnavailable},
		errors.New("connection reset"),
	}}
	store := newFakeStore()
	w := NewWorker(p, store, testSyncConfig(), logger.NewNop())

	err := w.Handle(context.Background(), model.Event{ID: "e1", EventName: "signup"})
	require.NoError(t, err)
	assert.Equal(t, 3, p.callCount())
	assert.Empty(t, store.all())
	assert.EqualValues(t, 1, w.Stats().Delivered)
}

func TestWorker_HandleParksAfterExhaustingRetries(t *testing.T) {
	fail := &klaviyo.PushError{StatusCode: http.StatusBadGateway, Body: "down"}
	p := &fakePusher{errs: []error{fail, fail, fail, fail}}
	store := newFakeStore()
	w := NewWorker(p, store, testSyncConfig(), logger.NewNop())

	err := w.Handle(context.Background(), model.Event{ID: "e1", EventName: "signup"})
	require.Error(t, err)
	assert.Equal(t, 3, p.callCount())

	parked := store.all()
	require.Len(t, parked, 1)
	assert.Equal(t, "e1", parked[0].EventID)
	assert.Equal(t, model.DeliveryPending, parked[0].Status)
	assert.Equal(t, 3, parked[0].Attempts)
	assert.Contains(t, parked[0].LastError, "502")
	assert.Contains(t, string(parked[0].Payload), `"name":"signup"`)

	s := w.Stats()
	assert.EqualValues(t, 1, s.Failed)
	assert.EqualValues(t, 1, s.Parked)
}

func TestWorker_HandleRejectedPushIsDead(t *testing.T) {
	p := &fakePusher{errs: []error{&klaviyo.PushError{StatusCode: http.StatusBadRequest}}}
	store := newFakeStore()
	w := NewWorker(p, store, testSyncConfig(), logger.NewNop())

	require.Error(t, w.Handle(context.Background(), model.Event{ID: "e1", EventName: "bad"}))
	assert.Equal(t, 1, p.callCount())
	parked := store.all()
	require.Len(t, parked, 1)
	assert.Equal(t, model.DeliveryDead, parked[0].Status)
}

func TestWorker_DispatchIsPushedByWorkers(t *testing.T) {
	p := &fakePusher{}
	w := NewWorker(p, newFakeStore(), testSyncConfig(), logger.NewNop())
	w.Start(context.Background())
	defer w.Stop()

	for i := 0; i < 5; i++ {
		w.Dispatch(model.Event{ID: "e", EventName: "n"})
	}
	assert.Eventually(t, func() bool { return p.callCount() == 5 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 5, w.Stats().Dispatched)
}

func TestWorker_DispatchParksWhenQueueFull(t *testing.T) {
	cfg := testSyncConfig()
	cfg.Buffer = 1
	store := newFakeStore()
	w := NewWorker(&fakePusher{}, store, cfg, logger.NewNop())

	// not started: the first event fills the buffer, the second overflows
	w.Dispatch(model.Event{ID: "e1", EventName: "a"})
	w.Dispatch(model.Event{ID: "e2", EventName: "b"})
	w.Stop()

	parked := store.all()
	require.Len(t, parked, 2)
	ids := []string{parked[0].EventID, parked[1].EventID}
	assert.ElementsMatch(t, []string{"e1", "e2"}, ids)
	for _, d := range parked {
		assert.Equal(t, model.DeliveryPending, d.Status)
	}
}

func TestWorker_StopParksInFlightPush(t *testing.T) {
	p := &fakePusher{block: make(chan struct{})}
	store := newFakeStore()
	w := NewWorker(p, store, testSyncConfig(), logger.NewNop())
	w.Start(context.Background())

	w.Dispatch(model.Event{ID: "slow", EventName: "s"})
	time.Sleep(20 * time.Millisecond)
	w.Stop()

	parked := store.all()
	require.Len(t, parked, 1)
	assert.Equal(t, "slow", parked[0].EventID)
	assert.Equal(t, model.DeliveryPending, parked[0].Status)
}

func TestWorker_DispatchAfterStopParks(t *testing.T) {
	store := newFakeStore()
	w := NewWorker(&fakePusher{}, store, testSyncConfig(), logger.NewNop())
	w.Start(context.Background())
	w.Stop()

	w.Dispatch(model.Event{ID: "late", EventName: "l"})
	assert.Eventually(t, func() bool { return len(store.all()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestWorker_DispatchRacingStopIsDeliveredOrParked(t *testing.T) {
	const senders, perSender = 8, 50
	store := newFakeStore()
	w := NewWorker(&fakePusher{}, store, testSyncConfig(), logger.NewNop())
	w.Start(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				w.Dispatch(model.Event{ID: fmt.Sprintf("e%d-%d", i, j), EventName: "race"})
			}
		}(i)
	}
	w.Stop()
	wg.Wait()

	// an event left in the queue after Stop would never be counted
	assert.Eventually(t, func() bool {
		s := w.Stats()
		return s.Delivered+s.Parked == senders*perSender
	}, testWait, testTick)
	assert.EqualValues(t, senders*perSender, w.Stats().Dispatched)
}

func TestNextRetryDelay(t *testing.T) {
	base, max := time.Second, 10*time.Second
	assert.Equal(t, time.Second, NextRetryDelay(0, base, max))
	assert.Equal(t, time.Second, NextRetryDelay(1, base, max))
	assert.Equal(t, 2*time.Second, NextRetryDelay(2, base, max))
	assert.Equal(t, 8*time.Second, NextRetryDelay(4, base, max))
	assert.Equal(t, max, NextRetryDelay(5, base, max))
	assert.Equal(t, max, NextRetryDelay(100, base, max))
}
