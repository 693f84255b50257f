package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBucket(t *testing.T, rate, burst float64) (*Limiter, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, Config{Key: "test:erp:" + t.Name(), Rate: rate, Burst: burst}, nil), rdb
}

func TestAcquire_BurstThenWait(t *testing.T) {
	l, _ := newBucket(t, 10, 2)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 2; i++ {
		if err := l.Acquire(ctx); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Fatal("burst tokens must not wait")
	}

	start = time.Now()
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("third acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Fatalf("third request must wait for a refill, waited %v", elapsed)
	}
}

func TestAcquire_SharedBetweenLimiters(t *testing.T) {
	first, rdb := newBucket(t, 5, 5)
	second := New(rdb, first.cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	var (
		wg      sync.WaitGroup
		granted atomic.Int32
		aborted atomic.Int32
	)
	for i := 0; i < 12; i++ {
		l := first
		if i%2 == 1 {
			l = second
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch err := l.Acquire(ctx); {
			case err == nil:
				granted.Add(1)
			case errors.Is(err, ErrWaitAborted):
				aborted.Add(1)
			}
		}()
	}
	wg.Wait()

	if granted.Load() != 5 {
		t.Fatalf("granted = %d, want the burst of 5 (aborted %d)", granted.Load(), aborted.Load())
	}
	if aborted.Load() != 7 {
		t.Fatalf("aborted = %d", aborted.Load())
	}
}

func TestAcquire_ContextEnds(t *testing.T) {
	l, _ := newBucket(t, 1, 1)
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("warm acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx)
	if !errors.Is(err, ErrWaitAborted) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected aborted wait wrapping the deadline, got %v", err)
	}
}

func TestPause_HoldsBackEveryCaller(t *testing.T) {
	l, rdb := newBucket(t, 100, 100)
	ctx := context.Background()

	if err := l.Pause(ctx, 150*time.Millisecond); err != nil {
		t.Fatalf("pause: %v", err)
	}
	// a shorter pause must not cut the first one short
	other := New(rdb, l.cfg, nil)
	if err := other.Pause(ctx, time.Millisecond); err != nil {
		t.Fatalf("short pause: %v", err)
	}

	start := time.Now()
	if err := other.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 120*time.Millisecond {
		t.Fatalf("acquire during pause returned after %v", elapsed)
	}
}

func TestDisabled(t *testing.T) {
	tests := []struct {
		name string
		l    *Limiter
	}{
		{"nil_limiter", nil},
		{"no_redis", New(nil, Config{Rate: 1, Burst: 1}, nil)},
		{"zero_rate", New(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}), Config{}, nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 3; i++ {
				if err := tt.l.Acquire(context.Background()); err != nil {
					t.Fatalf("acquire: %v", err)
				}
			}
			if err := tt.l.Pause(context.Background(), time.Second); err != nil {
				t.Fatalf("pause: %v", err)
			}
		})
	}
	if l := New(nil, Config{Rate: 3}, nil); l.cfg.Key != DefaultKey || l.cfg.Burst != 3 {
		t.Fatalf("defaults = %+v", l.cfg)
	}
}
