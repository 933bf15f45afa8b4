package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/example/ride-dispatch/internal/geofence"
)

// publishChannel is the part of *amqp.Channel the publisher uses.
type publishChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

type brokerConn interface {
	Channel() (publishChannel, error)
	IsClosed() bool
	Close() error
}

type amqpConn struct{ *amqp.Connection }

func (c amqpConn) Channel() (publishChannel, error) { return c.Connection.Channel() }

func dialAMQP(url string) (brokerConn, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConn{conn}, nil
}

// AMQPPublisher publishes geofence events to a topic exchange with routing
// key geofence.<type>.<action>, e.g. geofence.surcharge.enter.
type AMQPPublisher struct {
	url      string
	exchange string
	logger   *slog.Logger
	dial     func(url string) (brokerConn, error)

	mu   sync.Mutex
	conn brokerConn
	ch   publishChannel
}

func NewAMQPPublisher(url, exchange string, logger *slog.Logger) (*AMQPPublisher, error) {
	return newAMQPPublisher(url, exchange, logger, dialAMQP)
}

func newAMQPPublisher(url, exchange string, logger *slog.Logger, dial func(string) (brokerConn, error)) (*AMQPPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &AMQPPublisher{url: url, exchange: exchange, logger: logger.With("component", "amqp"), dial: dial}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connect(); err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	return p, nil
}

// connect replaces the connection. Any previous one is closed first.
func (p *AMQPPublisher) connect() error {
	if p.conn != nil {
		if !p.conn.IsClosed() {
			_ = p.conn.Close()
		}
		p.conn, p.ch = nil, nil
	}
	conn, err := p.dial(p.url)
	if err != nil {
		return err
	}
	p.conn = conn
	if err := p.openChannel(); err != nil {
		_ = conn.Close()
		p.conn = nil
		return err
	}
	return nil
}

// openChannel opens a channel on the current connection and declares the
// exchange on it.
func (p *AMQPPublisher) openChannel() error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return err
	}
	p.ch = ch
	return nil
}

// channel returns a live channel. A channel closed by a channel-level error
// is reopened on the same connection; the connection is redialed only when
// it is gone or refuses a new channel.
func (p *AMQPPublisher) channel() (publishChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	if p.conn != nil && !p.conn.IsClosed() {
		p.logger.Warn("rabbitmq channel closed; reopening")
		err := p.openChannel()
		if err == nil {
			return p.ch, nil
		}
		p.logger.Warn("reopen rabbitmq channel failed", "error", err)
	}
	p.logger.Warn("rabbitmq connection lost; reconnecting")
	if err := p.connect(); err != nil {
		return nil, fmt.Errorf("reconnect to rabbitmq: %w", err)
	}
	return p.ch, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, events []geofence.Event) error {
	if len(events) == 0 {
		return nil
	}
	ch, err := p.channel()
	if err != nil {
		return err
	}
	var errs []error
	for _, ev := range events {
		body, err := json.Marshal(ev)
		if err != nil {
			errs = append(errs, fmt.Errorf("encode geofence event %s: %w", ev.ID, err))
			continue
		}
		err = ch.PublishWithContext(ctx, p.exchange, RoutingKey(ev), false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    ev.ID,
			Timestamp:    ev.Timestamp,
			Body:         body,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("publish geofence event %s: %w", ev.ID, err))
		}
	}
	return errors.Join(errs...)
}

// IsAlive reports whether the connection and channel are open. Readiness
// checks use it.
func (p *AMQPPublisher) IsAlive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil && !p.conn.IsClosed() && p.ch != nil && !p.ch.IsClosed()
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil && !p.ch.IsClosed() {
		if err := p.ch.Close(); err != nil {
			return fmt.Errorf("close rabbitmq channel: %w", err)
		}
	}
	if p.conn != nil && !p.conn.IsClosed() {
		if err := p.conn.Close(); err != nil {
			return fmt.Errorf("close rabbitmq connection: %w", err)
		}
	}
	return nil
}

func RoutingKey(ev geofence.Event) string {
	return fmt.Sprintf("geofence.%s.%s", ev.Type, strings.ToLower(string(ev.Action)))
}
