package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"erpsync/internal/pkg/metrics"
	"erpsync/internal/pkg/notify"
	"erpsync/internal/syncer"
)

// NightlyRunner performs the nightly plan of one sync type.
type NightlyRunner interface {
	RunNightly(ctx context.Context, t syncer.Type) ([]syncer.Result, error)
}

// Scheduler runs every configured sync type once a day at a fixed local
// time. Each type has its own goroutine so a slow catalog run never delays
// stock.
type Scheduler struct {
	runner   NightlyRunner
	notifier notify.Notifier
	logger   *slog.Logger
	hour     int
	minute   int
	types    []syncer.Type

	now   func() time.Time
	delay func(now time.Time) time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a scheduler. notifier may be nil.
func New(runner NightlyRunner, notifier notify.Notifier, logger *slog.Logger, hour, minute int, types []syncer.Type) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		runner:   runner,
		notifier: notifier,
		logger:   logger,
		hour:     hour,
		minute:   minute,
		types:    types,
		now:      time.Now,
	}
	s.delay = func(now time.Time) time.Duration { return NextDelay(now, s.hour, s.minute) }
	return s
}

// NextDelay returns the wait from now until the next hour:minute in now's
// location. A target equal to now is scheduled for the next day.
func NextDelay(now time.Time, hour, minute int) time.Duration {
	target := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !target.After(now) {
		target = target.AddDate(0, 0, 1)
	}
	return target.Sub(now)
}

// Start launches one loop per type. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	for _, t := range s.types {
		s.wg.Add(1)
		go s.loop(ctx, t)
	}
	s.logger.Info("nightly scheduler started",
		slog.String("at", fmt.Sprintf("%02d:%02d", s.hour, s.minute)),
		slog.Int("types", len(s.types)))
}

// Stop cancels the loops and waits for a run in progress to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info("nightly scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, t syncer.Type) {
	defer s.wg.Done()
	for {
		wait := s.delay(s.now())
		s.logger.Debug("next nightly run scheduled",
			slog.String("sync_type", string(t)),
			slog.Duration("in", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		s.runOnce(ctx, t)
	}
}

// runOnce never lets a failure or panic end the loop.
func (s *Scheduler) runOnce(ctx context.Context, t syncer.Type) {
	started := s.now()
	outcome := "completed"
	defer func() {
		if r := recover(); r != nil {
			outcome = "panic"
			s.logger.Error("nightly run panic",
				slog.String("sync_type", string(t)),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			s.alert(ctx, t, started, fmt.Errorf("panic: %v", r))
		}
		metrics.SchedulerRunsTotal.WithLabelValues(string(t), outcome).Inc()
	}()

	s.logger.Info("nightly run started", slog.String("sync_type", string(t)))
	results, err := s.runner.RunNightly(ctx, t)
	if err != nil {
		outcome = "failed"
		s.logger.Error("nightly run failed",
			slog.String("sync_type", string(t)),
			slog.Int("runs", len(results)),
			slog.String("error", err.Error()))
		if ctx.Err() == nil {
			s.alert(ctx, t, started, err)
		}
		return
	}
	processed := 0
	for _, r := range results {
		processed += r.TotalProcessed
	}
	s.logger.Info("nightly run completed",
		slog.String("sync_type", string(t)),
		slog.Int("runs", len(results)),
		slog.Int("processed", processed),
		slog.Duration("elapsed", time.Since(started)))
}

func (s *Scheduler) alert(ctx context.Context, t syncer.Type, at time.Time, cause error) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.SendFailure(ctx, string(t), at, cause); err != nil {
		s.logger.Warn("failure alert not sent",
			slog.String("sync_type", string(t)),
			slog.String("error", err.Error()))
	}
}
