package rabbitmq

import (
	"hash/fnv"
	"sync"
)

// DefaultWorkers is the number of handler goroutines per bound queue.
const DefaultWorkers = 8

// KeyFunc returns the ordering key of a delivery body. Deliveries with the same key are
// handled one at a time in arrival order, deliveries with different keys may run in
// parallel. Deliveries without a key share a single lane.
type KeyFunc func(body []byte) string

// Option configures a Consumer or a Loopback.
type Option func(*options)

type options struct {
	workers int
	key     KeyFunc
}

// WithWorkers sets how many handlers run concurrently per queue.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithKeyFunc shards deliveries across workers by key. Without it every delivery of a
// queue is handled in order on one worker.
func WithKeyFunc(fn KeyFunc) Option {
	return func(o *options) { o.key = fn }
}

func buildOptions(opts []Option) options {
	o := options{workers: DefaultWorkers}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// lanes is a fixed set of workers, each draining its own queue of tasks.
type lanes struct {
	queues []chan func()
	key    KeyFunc
	wg     sync.WaitGroup
}

func newLanes(workers, depth int, key KeyFunc) *lanes {
	if workers <= 0 || key == nil {
		workers = 1
	}
	l := &lanes{queues: make([]chan func(), workers), key: key}
	for i := range l.queues {
		q := make(chan func(), depth)
		l.queues[i] = q
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			for task := range q {
				task()
			}
		}()
	}
	return l
}

// queue picks the lane for body.
func (l *lanes) queue(body []byte) chan<- func() {
	if len(l.queues) == 1 {
		return l.queues[0]
	}
	key := l.key(body)
	if key == "" {
		return l.queues[0]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return l.queues[h.Sum32()%uint32(len(l.queues))]
}

// close stops the lanes once their queued tasks have run. No task may be queued afterwards.
func (l *lanes) close() {
	for _, q := range l.queues {
		close(q)
	}
	l.wg.Wait()
}
