package ratelimit_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerdalize/snapvault/internal/ratelimit"
)

func TestLimiterBoundsConcurrency(t *testing.T) {
	l := ratelimit.New(2, 0)
	ctx := context.Background()

	var inFlight, maxInFlight int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(ctx); err != nil {
				t.Error(err)
				return
			}
			defer l.Release()

			n := atomic.AddInt64(&inFlight, 1)
			for {
				max := atomic.LoadInt64(&maxInFlight)
				if n <= max || atomic.CompareAndSwapInt64(&maxInFlight, max, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&inFlight, -1)
		}()
	}
	wg.Wait()

	if atomic.LoadInt64(&maxInFlight) > 2 {
		t.Fatalf("expected at most 2 concurrent, saw %d", maxInFlight)
	}
}

func TestLimiterRespectsContextCancellation(t *testing.T) {
	l := ratelimit.New(1, 0)
	ctx := context.Background()

	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer l.Release()

	cancelCtx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := l.Acquire(cancelCtx); err == nil {
		t.Fatal("expected acquire on cancelled context to fail while slot is held")
	}
}

func TestLimiterPacesStarts(t *testing.T) {
	l := ratelimit.New(0, 20*time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := l.Acquire(ctx); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		l.Release()
	}
	elapsed := time.Since(start)
	if elapsed < 30*time.Millisecond {
		t.Fatalf("expected pacing to enforce delay between starts, elapsed=%v", elapsed)
	}
}
