package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

const lockKeyPrefix = "erpsync:lock:"

// RunLock allows at most one run per sync type. The in-process set covers a
// single instance; the redis lock, when configured, covers every instance
// sharing the database.
type RunLock struct {
	mu      sync.Mutex
	running map[Type]bool
	locker  *redislock.Client
	ttl     time.Duration
	logger  *slog.Logger
}

// NewRunLock creates a lock. rdb may be nil. The redis lock is refreshed every
// ttl/2 while held, so ttl only bounds how long a crashed holder blocks others.
func NewRunLock(rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *RunLock {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &RunLock{running: make(map[Type]bool), ttl: ttl, logger: logger}
	if rdb != nil {
		l.locker = redislock.New(rdb)
	}
	return l
}

// Acquire takes the lock for t or returns ErrAlreadyRunning. The returned
// release func is idempotent.
func (l *RunLock) Acquire(ctx context.Context, t Type) (func(), error) {
	l.mu.Lock()
	if l.running[t] {
		l.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	l.running[t] = true
	l.mu.Unlock()

	releaseLocal := func() {
		l.mu.Lock()
		delete(l.running, t)
		l.mu.Unlock()
	}

	if l.locker == nil {
		var once sync.Once
		return func() { once.Do(releaseLocal) }, nil
	}

	lock, err := l.locker.Obtain(ctx, lockKeyPrefix+string(t), l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		releaseLocal()
		return nil, ErrAlreadyRunning
	}
	if err != nil {
		releaseLocal()
		return nil, fmt.Errorf("obtain run lock: %w", err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(lock, t, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			if err := lock.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				l.logger.Warn("release run lock failed",
					slog.String("sync_type", string(t)),
					slog.String("error", err.Error()))
			}
			releaseLocal()
		})
	}, nil
}

func (l *RunLock) keepAlive(lock *redislock.Lock, t Type, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := lock.Refresh(context.Background(), l.ttl, nil); err != nil {
				l.logger.Error("refresh run lock failed",
					slog.String("sync_type", string(t)),
					slog.String("error", err.Error()))
			}
		}
	}
}

// Busy reports whether this process is running t.
func (l *RunLock) Busy(t Type) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running[t]
}
