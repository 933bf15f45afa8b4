// Package events delivers location pings and geofence events to the message
// brokers downstream consumers read from.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/geofence"
	"github.com/example/ride-dispatch/internal/models"
)

// messageWriter is the subset of *kafka.Writer we use.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// LocationProducer publishes entity location pings keyed by entity id, so a
// partition sees one entity's pings in order.
type LocationProducer struct {
	writer messageWriter
}

func NewLocationProducer(brokers []string, topic string) *LocationProducer {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.Hash{}}
	return &LocationProducer{writer: w}
}

func (k *LocationProducer) PublishLocation(ctx context.Context, u models.LocationUpdate) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode location %s: %w", u.EntityID, err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(u.EntityID), Value: b})
}

func (k *LocationProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// KafkaPublisher writes geofence events to a topic keyed by entity id.
type KafkaPublisher struct {
	writer messageWriter
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.Hash{}, RequiredAcks: kafka.RequireOne}
	return &KafkaPublisher{writer: w}
}

func (k *KafkaPublisher) Publish(ctx context.Context, events []geofence.Event) error {
	msgs, err := eventMessages(events)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return k.writer.WriteMessages(ctx, msgs...)
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

func eventMessages(events []geofence.Event) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		b, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("encode geofence event %s: %w", ev.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(ev.EntityID),
			Value: b,
			Headers: []kafka.Header{
				{Key: "geofence_type", Value: []byte(ev.Type)},
				{Key: "action", Value: []byte(ev.Action)},
			},
			Time: ev.Timestamp,
		})
	}
	return msgs, nil
}
