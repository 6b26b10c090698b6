package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/richardliu001/event-service/internal/config"
	"github.com/richardliu001/event-service/internal/model"
)

const commitTimeout = 5 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaDispatcher publishes event snapshots to a topic; the poller's
// KafkaConsumer does the actual pushing. Publish failures are parked.
type KafkaDispatcher struct {
	writer messageWriter
	parker *parker
	log    *zap.SugaredLogger
	stats  counters
}

// NewKafkaDispatcher returns KafkaDispatcher with an async writer.
func NewKafkaDispatcher(kc config.KafkaConfig, sc config.SyncConfig, store DeliveryStore, log *zap.SugaredLogger) *KafkaDispatcher {
	d := newKafkaDispatcher(nil, sc, store, log)
	d.writer = &kafka.Writer{
		Addr:       kafka.TCP(kc.Brokers...),
		Topic:      kc.Topic,
		Balancer:   &kafka.LeastBytes{},
		Async:      true,
		Completion: d.completion,
	}
	return d
}

func newKafkaDispatcher(w messageWriter, sc config.SyncConfig, store DeliveryStore, log *zap.SugaredLogger) *KafkaDispatcher {
	d := &KafkaDispatcher{writer: w, log: log}
	d.parker = &parker{
		store:     store,
		baseDelay: sc.PollInterval,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
		stats:     &d.stats,
	}
	return d
}

// Dispatch enqueues e on the writer's internal batch; it does not wait for
// the broker.
func (d *KafkaDispatcher) Dispatch(e model.Event) {
	d.stats.dispatched.Add(1)
	b, err := json.Marshal(e)
	if err != nil {
		d.log.Errorw("marshal event for kafka", "event_id", e.ID, "error", err)
		return
	}
	msg := kafka.Message{Key: []byte(e.ID), Value: b, Time: time.Now()}
	if err := d.writer.WriteMessages(context.Background(), msg); err != nil {
		d.completion([]kafka.Message{msg}, err)
	}
}

// completion parks every message of a failed batch.
func (d *KafkaDispatcher) completion(msgs []kafka.Message, err error) {
	if err == nil {
		return
	}
	for _, m := range msgs {
		var e model.Event
		if uerr := json.Unmarshal(m.Value, &e); uerr != nil {
			d.log.Errorw("unreadable kafka message", "key", string(m.Key), "error", uerr)
			continue
		}
		d.stats.failed.Add(1)
		d.log.Errorw("publish sync event", "event_id", e.ID, "error", err)
		d.parker.park(e, nil, 0, err)
	}
}

// Stats returns the dispatcher's counters.
func (d *KafkaDispatcher) Stats() Stats { return d.stats.snapshot() }

// Close flushes pending messages.
func (d *KafkaDispatcher) Close() error { return d.writer.Close() }

// KafkaConsumer feeds events from the sync topic into a Worker, committing
// each offset once the event has been handled (pushed or parked).
type KafkaConsumer struct {
	reader messageReader
	worker *Worker
	log    *zap.SugaredLogger
}

// NewKafkaConsumer returns KafkaConsumer reading kc.Topic as kc.GroupID.
func NewKafkaConsumer(kc config.KafkaConfig, w *Worker, log *zap.SugaredLogger) *KafkaConsumer {
	return &KafkaConsumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers: kc.Brokers,
			Topic:   kc.Topic,
			GroupID: kc.GroupID,
		}),
		worker: w,
		log:    log,
	}
}

// Run consumes until ctx is done.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	c.log.Info("sync consumer started")
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		var e model.Event
		if err := json.Unmarshal(m.Value, &e); err != nil {
			c.log.Errorw("skipping unreadable sync message", "offset", m.Offset, "error", err)
		} else {
			_ = c.worker.Handle(ctx, e)
		}

		// the event is pushed or parked by now; commit even when shutting down
		// so a restart does not hand it out a second time
		commitCtx, cancel := context.WithTimeout(context.Background(), commitTimeout)
		err = c.reader.CommitMessages(commitCtx, m)
		cancel()
		if err != nil {
			return err
		}
	}
}

// Close closes the reader.
func (c *KafkaConsumer) Close() error { return c.reader.Close() }
