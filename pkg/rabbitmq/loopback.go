package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrLoopbackClosed is returned by Publish after Close.
var ErrLoopbackClosed = errors.New("loopback bus closed")

const (
	loopbackQueueSize  = 1024
	loopbackMaxRetries = 3
)

// Loopback is an in-process Publisher and Subscriber used when no broker is configured.
// Deliveries are spread over worker lanes by the configured KeyFunc, so one slow key does
// not hold up the others.
type Loopback struct {
	logger     *zap.Logger
	opts       options
	retryDelay time.Duration

	mu       sync.RWMutex
	bindings map[string]*loopbackBinding
	closed   bool
}

type loopbackBinding struct {
	handler Handler
	workers *lanes
}

func NewLoopback(logger *zap.Logger, opts ...Option) *Loopback {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loopback{
		logger:     logger.Named("rabbitmq_loopback"),
		opts:       buildOptions(opts),
		retryDelay: 200 * time.Millisecond,
		bindings:   make(map[string]*loopbackBinding),
	}
}

// ConsumeWithBindings starts the worker lanes for every routing key. exchange and queueName
// are ignored.
func (l *Loopback) ConsumeWithBindings(_ string, _ string, bindings map[string]Handler) error {
	if len(bindings) == 0 {
		return errors.New("no bindings provided")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLoopbackClosed
	}
	for routingKey, handler := range bindings {
		if handler == nil {
			continue
		}
		if _, exists := l.bindings[routingKey]; exists {
			return errors.New("routing key already bound: " + routingKey)
		}
		l.bindings[routingKey] = &loopbackBinding{
			handler: handler,
			workers: newLanes(l.opts.workers, loopbackQueueSize, l.opts.key),
		}
	}
	return nil
}

// deliver runs handler with a bounded number of retries. Retries happen on the caller's lane.
func (l *Loopback) deliver(routingKey string, handler Handler, body []byte) {
	for attempt := 1; ; attempt++ {
		if dispatch(l.logger, routingKey, handler, body) {
			return
		}
		if attempt >= loopbackMaxRetries {
			l.logger.Error("handler failed repeatedly; dropping message", zap.String("routing_key", routingKey), zap.Int("attempts", attempt))
			return
		}
		time.Sleep(l.retryDelay)
	}
}

// Publish enqueues body on the lane its key maps to. Unbound routing keys are dropped.
func (l *Loopback) Publish(ctx context.Context, _ string, routingKey string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrLoopbackClosed
	}
	b, ok := l.bindings[routingKey]
	if !ok {
		l.logger.Warn("no handler for routing key; dropping", zap.String("routing_key", routingKey))
		return nil
	}
	task := func() { l.deliver(routingKey, b.handler, payload) }
	select {
	case b.workers.queue(payload) <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting messages and waits for queued ones to be handled.
func (l *Loopback) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	bound := make([]*loopbackBinding, 0, len(l.bindings))
	for _, b := range l.bindings {
		bound = append(bound, b)
	}
	l.mu.Unlock()

	for _, b := range bound {
		b.workers.close()
	}
}
