package kstream

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	log "github.com/sirupsen/logrus"

	"marketplace-backend/internal/model"
)

// Producer publishes marketplace events to a single topic. One long-lived
// writer is shared by all requests; kafka.Writer is safe for concurrent use.
type Producer struct {
	w *kafka.Writer
}

// NewProducer constructs a producer using segmentio/kafka-go.
// kafka.Writer batches and retries; with Async the write returns immediately
// and delivery failures surface through Completion.
func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{w: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{}, // same listing -> same partition, keeps per-listing order
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.WithError(err).WithField("messages", len(messages)).Error("kstream: delivery failed")
			}
		},
	}}
}

func (p *Producer) Publish(ctx context.Context, evt model.Event) error {
	msg, err := encode(evt)
	if err != nil {
		return err
	}
	return errors.Wrap(p.w.WriteMessages(ctx, msg), "kafka write")
}

// Close flushes pending async writes.
func (p *Producer) Close() error {
	return p.w.Close()
}

func encode(evt model.Event) (kafka.Message, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return kafka.Message{}, errors.Wrap(err, "encode event")
	}
	return kafka.Message{
		Key:   []byte(strconv.FormatInt(evt.ListingID, 10)),
		Value: data,
		Time:  evt.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(evt.Type)},
			{Key: "event-id", Value: []byte(evt.ID)},
		},
	}, nil
}
