package kstream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	log "github.com/sirupsen/logrus"

	"marketplace-backend/internal/model"
)

// KafkaReader creates a consumer-group reader using segmentio/kafka-go.
// Offsets are only committed through CommitMessages, flushed every second.
func KafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: time.Second,
	})
}

// MessageReader is the part of *kafka.Reader the consume loop needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// EventHandler applies one decoded event.
type EventHandler func(ctx context.Context, evt model.Event) error

// Backoff is an exponential retry delay between Min and Max.
type Backoff struct {
	Min time.Duration
	Max time.Duration
}

// DefaultBackoff is used by NewConsumer.
var DefaultBackoff = Backoff{Min: 100 * time.Millisecond, Max: 10 * time.Second}

func (b Backoff) delay(attempt int) time.Duration {
	d := b.Min
	for i := 0; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// Consumer feeds stream messages to a handler with at-least-once delivery:
// an offset is committed only after the handler succeeded or the message
// was found undecodable. Handler and reader failures are retried with
// backoff until ctx is cancelled.
type Consumer struct {
	r       MessageReader
	handle  EventHandler
	backoff Backoff

	mu  sync.Mutex
	err error
}

func NewConsumer(r MessageReader, handle EventHandler) *Consumer {
	return &Consumer{r: r, handle: handle, backoff: DefaultBackoff}
}

// Health returns the failure the consumer is currently retrying, or nil
// once it is making progress again.
func (c *Consumer) Health(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return errors.Wrap(c.err, "event consumer")
	}
	return nil
}

func (c *Consumer) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	log.Info("kstream: consuming marketplace events")
	failures := 0
	for {
		// segmentio/kafka-go: FetchMessage does not commit; the offset only
		// advances through CommitMessages below.
		msg, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.setErr(errors.Wrap(err, "fetch message"))
			log.WithError(err).WithField("attempt", failures+1).Warn("kstream: fetch failed")
			if !sleep(ctx, c.backoff.delay(failures)) {
				return
			}
			failures++
			continue
		}
		failures = 0

		if !c.process(ctx, msg) {
			return
		}
		if err := c.r.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			// The message will be redelivered and deduplicated downstream.
			c.setErr(errors.Wrap(err, "commit message"))
			log.WithError(err).WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset}).Warn("kstream: commit failed")
		}
	}
}

// process reports whether msg is done with and may be committed. It only
// returns false when ctx was cancelled before the handler succeeded.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) bool {
	fields := log.Fields{"partition": msg.Partition, "offset": msg.Offset}

	var evt model.Event
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		log.WithError(err).WithFields(fields).Warn("kstream: undecodable message skipped")
		return true
	}
	if !evt.Type.IsValid() {
		log.WithFields(fields).WithField("type", evt.Type).Warn("kstream: unknown event type skipped")
		return true
	}

	for attempt := 0; ; attempt++ {
		err := c.handle(ctx, evt)
		if err == nil {
			c.setErr(nil)
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		c.setErr(errors.Wrapf(err, "handle event %s", evt.ID))
		log.WithError(err).WithFields(fields).WithFields(log.Fields{
			"event_id": evt.ID,
			"attempt":  attempt + 1,
		}).Warn("kstream: handler failed, retrying")
		if !sleep(ctx, c.backoff.delay(attempt)) {
			return false
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
