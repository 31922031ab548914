/**
 * @description
 * In-process activity log bus. Every component publishes its user-visible events here;
 * the bus keeps a bounded ring for replay, fans entries out to live stream subscribers
 * and hands them to an asynchronous persistence worker.
 *
 * @notes
 * - Publish never blocks on a subscriber or on the store. A subscriber whose buffer is
 *   full misses that entry; the drop is counted.
 * - Persistence failures are logged and never affect live delivery.
 */
package activitylog

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hima/hima-service/internal/domain"
	"github.com/hima/hima-service/internal/metrics"
)

const (
	DefaultRingSize         = 500
	DefaultSubscriberBuffer = 256
	DefaultPersistQueue     = 1024
	DefaultHistoryLimit     = 100
	MaxHistoryLimit         = 1000

	persistTimeout = 5 * time.Second
)

// Store persists entries and answers history queries.
type Store interface {
	InsertActivity(ctx context.Context, entry domain.ActivityLogEntry) error
	ListActivity(ctx context.Context, filter domain.ActivityFilter) ([]domain.ActivityLogEntry, error)
}

// Options tunes buffer sizes. Zero values use the defaults.
type Options struct {
	RingSize         int
	SubscriberBuffer int
	PersistQueue     int
	Now              func() time.Time
}

// Bus is safe for concurrent use.
type Bus struct {
	store   Store
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	subBuf  int

	mu      sync.Mutex
	ring    []domain.ActivityLogEntry
	start   int
	count   int
	subs    map[*Subscription]struct{}
	persist chan domain.ActivityLogEntry
	closed  bool
	dropped uint64

	startOnce sync.Once
	wg        sync.WaitGroup
}

// NewBus creates a bus. store may be nil, in which case History is served from the ring.
func NewBus(store Store, logger *zap.Logger, m *metrics.Metrics, opts Options) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RingSize <= 0 {
		opts.RingSize = DefaultRingSize
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if opts.PersistQueue <= 0 {
		opts.PersistQueue = DefaultPersistQueue
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	b := &Bus{
		store:   store,
		logger:  logger.Named("activitylog"),
		metrics: m,
		now:     opts.Now,
		subBuf:  opts.SubscriberBuffer,
		ring:    make([]domain.ActivityLogEntry, opts.RingSize),
		subs:    make(map[*Subscription]struct{}),
	}
	if store != nil {
		b.persist = make(chan domain.ActivityLogEntry, opts.PersistQueue)
	}
	return b
}

// Start launches the persistence worker. It is a no-op without a store and runs at most once.
func (b *Bus) Start(ctx context.Context) {
	if b.persist == nil {
		return
	}
	b.startOnce.Do(func() {
		b.wg.Add(1)
		go b.persistLoop(context.WithoutCancel(ctx))
	})
}

func (b *Bus) persistLoop(ctx context.Context) {
	defer b.wg.Done()
	for entry := range b.persist {
		insertCtx, cancel := context.WithTimeout(ctx, persistTimeout)
		if err := b.store.InsertActivity(insertCtx, entry); err != nil {
			b.metrics.ActivityPersistFailed()
			b.logger.Warn("failed to persist activity entry",
				zap.String("id", entry.ID.String()),
				zap.String("category", string(entry.Category)),
				zap.Error(err))
		}
		cancel()
	}
}

// Publish stamps, records and broadcasts entry.
func (b *Bus) Publish(entry domain.ActivityLogEntry) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = b.now().UTC()
	}
	if entry.Level == "" {
		entry.Level = domain.LevelInfo
	}
	// Entries are immutable once published; the caller keeps its own map.
	entry.Metadata = maps.Clone(entry.Metadata)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		b.logger.Debug("publish after close ignored", zap.String("message", entry.Message))
		return
	}

	b.appendRing(entry)
	b.metrics.ActivityPublished(string(entry.Category), string(entry.Level))

	for sub := range b.subs {
		select {
		case sub.ch <- entry:
		default:
			b.dropped++
			b.metrics.ActivityDropped()
		}
	}

	if b.persist != nil {
		select {
		case b.persist <- entry:
		default:
			b.metrics.ActivityPersistFailed()
			b.logger.Warn("activity persistence queue full; entry kept in memory only",
				zap.String("id", entry.ID.String()))
		}
	}
}

func (b *Bus) appendRing(entry domain.ActivityLogEntry) {
	size := len(b.ring)
	if b.count < size {
		b.ring[(b.start+b.count)%size] = entry
		b.count++
		return
	}
	b.ring[b.start] = entry
	b.start = (b.start + 1) % size
}

// Recent returns up to n of the newest ring entries, oldest first.
func (b *Bus) Recent(n int) []domain.ActivityLogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || b.count == 0 {
		return nil
	}
	if n > b.count {
		n = b.count
	}
	out := make([]domain.ActivityLogEntry, 0, n)
	size := len(b.ring)
	for i := b.count - n; i < b.count; i++ {
		out = append(out, b.ring[(b.start+i)%size])
	}
	return out
}

// History returns persisted entries newest first.
func (b *Bus) History(ctx context.Context, filter domain.ActivityFilter) ([]domain.ActivityLogEntry, error) {
	filter.Limit = ClampLimit(filter.Limit)
	if b.store != nil {
		return b.store.ListActivity(ctx, filter)
	}

	recent := b.Recent(len(b.ring))
	out := make([]domain.ActivityLogEntry, 0, filter.Limit)
	for i := len(recent) - 1; i >= 0 && len(out) < filter.Limit; i-- {
		e := recent[i]
		if filter.Category != "" && e.Category != filter.Category {
			continue
		}
		if filter.UserID != "" && e.UserID != filter.UserID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// ClampLimit applies the default and maximum history page size.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

// Dropped returns the number of deliveries skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Subscribe attaches a live subscriber. Entries published afterwards are delivered in order.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{bus: b, ch: make(chan domain.ActivityLogEntry, b.subBuf)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	b.metrics.SubscriberAttached()
	return sub
}

func (b *Bus) detach(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
	b.metrics.SubscriberDetached()
}

// Close stops accepting entries, closes every subscription and waits for pending persistence.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
		b.metrics.SubscriberDetached()
	}
	if b.persist != nil {
		close(b.persist)
	}
	b.mu.Unlock()

	b.wg.Wait()
}

// Subscription is one live consumer of the bus.
type Subscription struct {
	bus  *Bus
	ch   chan domain.ActivityLogEntry
	once sync.Once
}

// C yields entries until the subscription or the bus is closed.
func (s *Subscription) C() <-chan domain.ActivityLogEntry {
	return s.ch
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.bus.detach(s) })
}
