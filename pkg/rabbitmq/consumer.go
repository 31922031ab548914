package rabbitmq

import (
	"fmt"
	"net/url"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Handler processes one delivery body. Returning false re-queues the delivery.
type Handler func([]byte) bool

// Subscriber binds handlers to routing keys on a queue.
type Subscriber interface {
	ConsumeWithBindings(exchange, queueName string, bindings map[string]Handler) error
	Close()
}

type Consumer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	opts   options
	logger *zap.Logger
}

func sanitizeURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	if !strings.HasSuffix(clean, "/") {
		clean += "/"
	}
	parsed, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
		return "", fmt.Errorf("invalid AMQP scheme: %s", parsed.Scheme)
	}
	return clean, nil
}

// NewConsumer dials the broker. Prefetch is sized so every worker lane can stay busy.
func NewConsumer(amqpURL string, logger *zap.Logger, opts ...Option) (*Consumer, error) {
	cleanURL, err := sanitizeURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	o := buildOptions(opts)
	if err := ch.Qos(max(16, 2*o.workers), 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch, opts: o, logger: logger.Named("rabbitmq_consumer")}, nil
}

// ConsumeWithBindings declares the queue, binds every routing key and hands deliveries to the
// worker lanes. Deliveries sharing a key are acked in order; others may finish out of order.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]Handler) error {
	if len(bindings) == 0 {
		return fmt.Errorf("no bindings provided")
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	handlers := make(map[string]Handler)
	for routingKey, handler := range bindings {
		if handler == nil {
			continue
		}
		handlers[routingKey] = handler
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	workers := newLanes(c.opts.workers, c.opts.workers, c.opts.key)
	go func() {
		for d := range msgs {
			handler, ok := handlers[d.RoutingKey]
			if !ok {
				c.logger.Warn("no handler for routing key; acknowledging to drop", zap.String("routing_key", d.RoutingKey))
				_ = d.Ack(false)
				continue
			}
			workers.queue(d.Body) <- func() {
				if dispatch(c.logger, d.RoutingKey, handler, d.Body) {
					_ = d.Ack(false)
				} else {
					c.logger.Warn("handler failed; re-queuing", zap.String("routing_key", d.RoutingKey))
					_ = d.Nack(false, !d.Redelivered)
				}
			}
		}
		workers.close()
		c.logger.Info("delivery channel closed", zap.String("queue", q.Name))
	}()

	return nil
}

// dispatch runs handler and converts a panic into an acknowledged drop.
func dispatch(logger *zap.Logger, routingKey string, handler Handler, body []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panicked; dropping message", zap.String("routing_key", routingKey), zap.Any("panic", r))
			ok = true
		}
	}()
	return handler(body)
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
