package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestLocalLocker_SerializesSameKey(t *testing.T) {
	l := NewLocalLocker()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "user:1")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Fatalf("expected at most one holder, saw %d", maxInside)
	}
	if l.size() != 0 {
		t.Fatalf("expected lock table to drain, got %d keys", l.size())
	}
}

func TestLocalLocker_DifferentKeysDoNotBlock(t *testing.T) {
	l := NewLocalLocker()
	unlockA, err := l.Lock(context.Background(), "user:a")
	if err != nil {
		t.Fatalf("lock a: %v", err)
	}
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	unlockB, err := l.Lock(ctx, "user:b")
	if err != nil {
		t.Fatalf("lock b should not wait on a: %v", err)
	}
	unlockB()
}

func TestLocalLocker_HonoursContext(t *testing.T) {
	l := NewLocalLocker()
	unlock, _ := l.Lock(context.Background(), "user:1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "user:1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	unlock()
	unlock() // second call is a no-op
	if l.size() != 0 {
		t.Fatalf("expected lock table to drain, got %d keys", l.size())
	}
}

func TestRedisLocker_WithoutClientFallsBackToLocal(t *testing.T) {
	l := NewRedisLocker(nil, "hima:", 0, zap.NewNop())
	if l.prefix != "hima:lock" || l.ttl != 2*time.Minute {
		t.Fatalf("unexpected defaults prefix=%q ttl=%s", l.prefix, l.ttl)
	}

	unlock, err := l.Lock(context.Background(), "user:1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "user:1"); err == nil {
		t.Fatalf("expected second lock to wait")
	}
	unlock()
}
