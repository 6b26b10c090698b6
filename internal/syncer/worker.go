package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/richardliu001/event-service/internal/config"
	"github.com/richardliu001/event-service/internal/klaviyo"
	"github.com/richardliu001/event-service/internal/model"
)

// Worker pushes dispatched events from an in-memory queue with a fixed
// number of goroutines.
type Worker struct {
	pusher Pusher
	cfg    config.SyncConfig
	log    *zap.SugaredLogger
	queue  chan model.Event
	parker *parker
	stats  counters

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// qmu orders queue hand-offs in Dispatch against the stop flag.
	qmu     sync.RWMutex
	stopped bool
	parks   sync.WaitGroup
}

// NewWorker returns Worker. Call Start before dispatching.
func NewWorker(p Pusher, store DeliveryStore, cfg config.SyncConfig, log *zap.SugaredLogger) *Worker {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	w := &Worker{
		pusher: p,
		cfg:    cfg,
		log:    log,
		queue:  make(chan model.Event, cfg.Buffer),
	}
	w.parker = &parker{
		store:     store,
		baseDelay: cfg.PollInterval,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
		stats:     &w.stats,
	}
	return w
}

// Start launches the worker goroutines.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.log.Infow("starting sync workers", "workers", w.cfg.Workers)
	for i := 0; i < w.cfg.Workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i)
	}
}

// Stop cancels in-flight pushes, waits for the goroutines and parks whatever
// is still queued.
func (w *Worker) Stop() {
	w.qmu.Lock()
	if w.stopped {
		w.qmu.Unlock()
		return
	}
	w.stopped = true
	w.qmu.Unlock()

	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	w.wg.Wait()

	for {
		select {
		case e := <-w.queue:
			w.parker.park(e, nil, 0, errors.New("worker stopped before push"))
		default:
			w.parks.Wait()
			w.log.Info("sync workers stopped")
			return
		}
	}
}

// Dispatch queues e for pushing. It never blocks: when the queue is full,
// or the worker is stopped, the event is parked for the replayer instead.
// Anything queued before Stop sees the flag is drained by Stop.
func (w *Worker) Dispatch(e model.Event) {
	w.stats.dispatched.Add(1)

	w.qmu.RLock()
	defer w.qmu.RUnlock()
	if w.stopped {
		// Stop no longer waits for these
		w.log.Warnw("sync worker stopped, parking event", "event_id", e.ID)
		go w.parker.park(e, nil, 0, errors.New("sync worker stopped"))
		return
	}
	select {
	case w.queue <- e:
		return
	default:
	}
	w.log.Warnw("sync queue full, parking event", "event_id", e.ID)
	w.parks.Add(1)
	go func() {
		defer w.parks.Done()
		w.parker.park(e, nil, 0, errors.New("sync queue full"))
	}()
}

// Stats returns the current counters.
func (w *Worker) Stats() Stats { return w.stats.snapshot() }

func (w *Worker) run(ctx context.Context, id int) {
	defer w.wg.Done()
	w.log.Debugw("sync worker started", "worker_id", id)
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-w.queue:
			_ = w.Handle(ctx, e)
		}
	}
}

// Handle pushes one event with capped exponential backoff. A push that still
// fails is logged, counted and parked; the error is returned for callers that
// want it but is never fed back to ingestion.
func (w *Worker) Handle(ctx context.Context, e model.Event) error {
	body, err := klaviyo.Encode(e)
	if err != nil {
		w.stats.failed.Add(1)
		w.log.Errorw("encode sync payload", "event_id", e.ID, "error", err)
		return err
	}

	b := retry.NewExponential(w.cfg.InitialBackoff)
	b = retry.WithCappedDuration(w.cfg.MaxBackoff, b)
	b = retry.WithMaxRetries(w.cfg.Attempts-1, b)

	attempts := 0
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		attempts++
		if err := w.pusher.Send(ctx, body); err != nil {
			if klaviyo.Retryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err == nil {
		w.stats.delivered.Add(1)
		w.log.Debugw("event synced", "event_id", e.ID, "attempts", attempts)
		return nil
	}

	w.stats.failed.Add(1)
	w.log.Errorw("sync push failed", "event_id", e.ID, "event_name", e.EventName, "attempts", attempts, "error", err)
	w.parker.park(e, body, attempts, err)
	return err
}
