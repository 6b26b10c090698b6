package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/richardliu001/event-service/internal/model"
)

type fakeStore struct {
	mu         sync.Mutex
	nextID     uint64
	deliveries map[uint64]*model.SyncDelivery
}

func newFakeStore() *fakeStore {
	return &fakeStore{deliveries: map[uint64]*model.SyncDelivery{}}
}

func (s *fakeStore) CreateDelivery(_ context.Context, d *model.SyncDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	d.ID = s.nextID
	if d.Status == "" {
		d.Status = model.DeliveryPending
	}
	cp := *d
	s.deliveries[d.ID] = &cp
	return nil
}

func (s *fakeStore) PollDueDeliveries(_ context.Context, now time.Time, limit int) ([]model.SyncDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.SyncDelivery
	for id := uint64(1); id <= s.nextID && len(out) < limit; id++ {
		d, ok := s.deliveries[id]
		if ok && d.Status == model.DeliveryPending && !d.NextRetryAt.After(now) {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (s *fakeStore) MarkDeliveryDelivered(_ context.Context, id uint64, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.deliveries[id]
	d.Status, d.Attempts = model.DeliveryDelivered, attempts
	return nil
}

func (s *fakeStore) MarkDeliveryRetry(_ context.Context, id uint64, attempts int, lastErr string, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.deliveries[id]
	d.Attempts, d.LastError, d.NextRetryAt = attempts, lastErr, next
	return nil
}

func (s *fakeStore) MarkDeliveryDead(_ context.Context, id uint64, attempts int, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.deliveries[id]
	d.Status, d.Attempts, d.LastError = model.DeliveryDead, attempts, lastErr
	return nil
}

func (s *fakeStore) all() []model.SyncDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.SyncDelivery
	for id := uint64(1); id <= s.nextID; id++ {
		if d, ok := s.deliveries[id]; ok {
			out = append(out, *d)
		}
	}
	return out
}

// fakePusher returns the scripted errors in order, then nil.
type fakePusher struct {
	mu     sync.Mutex
	errs   []error
	calls  int
	bodies [][]byte
	block  chan struct{}
}

func (p *fakePusher) Send(ctx context.Context, body []byte) error {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.bodies = append(p.bodies, body)
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		return err
	}
	return nil
}

func (p *fakePusher) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

const (
	testWait = time.Second
	testTick = 5 * time.Millisecond
)
