/**
 * @description
 * This package provides a producer for publishing JSON events to a RabbitMQ topic
 * exchange, a consumer that dispatches deliveries by routing key, and an in-process
 * loopback used when no broker is configured.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 * - go.uber.org/zap: structured logging.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Routing keys used on the events exchange.
const (
	RoutingKeyChatMessage     = "chat.message.received"
	RoutingKeyPaymentCallback = "payment.callback.received"
)

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	Close()
}

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel
	logger  *zap.Logger
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer dials the broker with a bounded timeout and opens a publishing channel.
func NewEventProducer(amqpURL string, logger *zap.Logger) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &EventProducer{conn: conn, channel: ch, logger: logger.Named("rabbitmq_producer")}, nil
}

func declareExchange(ch *amqp091.Channel, exchange string) error {
	return ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil)
}

// reopen replaces a broken channel once. Caller holds p.mu.
func (p *EventProducer) reopen(exchange string) error {
	if p.conn == nil || p.conn.IsClosed() {
		return amqp091.ErrClosed
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	p.channel = ch
	return declareExchange(ch, exchange)
}

// Publish sends a JSON message to exchange with routingKey, reopening the channel once on failure.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		p.logger.Error("json marshal failed", zap.String("exchange", exchange), zap.String("routing_key", routingKey), zap.Error(err))
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := declareExchange(p.channel, exchange); err != nil {
		p.logger.Warn("exchange declare failed; reopening channel", zap.String("exchange", exchange), zap.Error(err))
		if err := p.reopen(exchange); err != nil {
			return err
		}
	}

	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Body:         jsonBody,
	}
	if err := p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		p.logger.Warn("publish failed; reopening channel", zap.String("exchange", exchange), zap.String("routing_key", routingKey), zap.Error(err))
		if reErr := p.reopen(exchange); reErr != nil {
			return err
		}
		return p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
	}
	return nil
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
