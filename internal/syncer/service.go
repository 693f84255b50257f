package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"erpsync/internal/pkg/metrics"
	"erpsync/internal/pkg/queue"
)

// Tracker is the task registry the service reports to.
type Tracker interface {
	Reporter
	Create(syncType string, params map[string]string) string
	Start(id string) error
	Complete(id string, result any) error
	Fail(id string, cause error, result any) error
}

type flow interface {
	Sync(ctx context.Context, run *runner, p Params) error
}

// Flows are the configured controllers; a nil flow disables its type.
type Flows struct {
	Catalog   *CatalogSync
	Stock     *StockSync
	Sales     *SalesSync
	Customers *CustomerSync
}

// Options shape every run.
type Options struct {
	BatchSize int
	// LoadAll reads sources to the end; otherwise a run stops after Limit
	// records and never deactivates.
	LoadAll      bool
	Limit        int
	TrailingDays int
}

// Service starts runs. Manual triggers go through the worker queue; the
// scheduler and the CLI run synchronously. Both share the controllers and
// the per-type run lock.
type Service struct {
	opts    Options
	flows   map[Type]flow
	tracker Tracker
	lock    *RunLock
	queue   *queue.Queue
	logger  *slog.Logger
	now     func() time.Time
}

// NewService wires the flows. q may be nil when only synchronous runs are
// used.
func NewService(opts Options, flows Flows, tracker Tracker, lock *RunLock, q *queue.Queue, logger *slog.Logger) *Service {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	if opts.TrailingDays <= 0 {
		opts.TrailingDays = 7
	}
	if logger == nil {
		logger = slog.Default()
	}
	if lock == nil {
		lock = NewRunLock(nil, 0, logger)
	}
	s := &Service{
		opts:    opts,
		flows:   make(map[Type]flow),
		tracker: tracker,
		lock:    lock,
		queue:   q,
		logger:  logger,
		now:     time.Now,
	}
	if flows.Catalog != nil {
		s.flows[TypeCatalog] = flows.Catalog
	}
	if flows.Stock != nil {
		s.flows[TypeStock] = flows.Stock
	}
	if flows.Sales != nil {
		s.flows[TypeSales] = flows.Sales
	}
	if flows.Customers != nil {
		s.flows[TypeCustomers] = flows.Customers
	}
	return s
}

func (s *Service) flow(t Type) (flow, error) {
	f, ok := s.flows[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not configured", ErrUnknownType, t)
	}
	return f, nil
}

func (s *Service) acquire(ctx context.Context, t Type) (func(), error) {
	release, err := s.lock.Acquire(ctx, t)
	if errors.Is(err, ErrAlreadyRunning) {
		metrics.SyncRunsRejectedTotal.WithLabelValues(string(t)).Inc()
	}
	return release, err
}

// Trigger queues a run and returns its task id. It fails fast with
// ErrAlreadyRunning when the type is busy.
func (s *Service) Trigger(ctx context.Context, p Params) (string, error) {
	if s.queue == nil {
		return "", errors.New("sync queue is not configured")
	}
	f, err := s.flow(p.Type)
	if err != nil {
		return "", err
	}
	release, err := s.acquire(ctx, p.Type)
	if err != nil {
		return "", err
	}

	id := s.tracker.Create(string(p.Type), p.Labels())
	ok := s.queue.Enqueue("sync:"+string(p.Type), func(ctx context.Context) error {
		defer release()
		_, err := s.execute(ctx, id, f, p)
		return err
	})
	if !ok {
		release()
		_ = s.tracker.Fail(id, ErrQueueFull, nil)
		return "", ErrQueueFull
	}
	s.logger.Info("sync queued",
		slog.String("task_id", id),
		slog.String("sync_type", string(p.Type)),
		slog.String("mode", string(p.Mode)))
	return id, nil
}

// Running lists the types this process holds the run lock for, queued runs
// included.
func (s *Service) Running() []Type {
	var out []Type
	for _, t := range AllTypes {
		if s.lock.Busy(t) {
			out = append(out, t)
		}
	}
	return out
}

// Run executes one run synchronously.
func (s *Service) Run(ctx context.Context, p Params) (string, Result, error) {
	f, err := s.flow(p.Type)
	if err != nil {
		return "", Result{}, err
	}
	release, err := s.acquire(ctx, p.Type)
	if err != nil {
		return "", Result{}, err
	}
	defer release()

	id := s.tracker.Create(string(p.Type), p.Labels())
	res, err := s.execute(ctx, id, f, p)
	return id, res, err
}

// RunNightly performs the nightly plan of t. Every planned run is attempted
// even when an earlier one failed.
func (s *Service) RunNightly(ctx context.Context, t Type) ([]Result, error) {
	var (
		results []Result
		errs    []error
	)
	for _, p := range NightlyPlan(t, s.now(), s.opts.TrailingDays) {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		id, res, err := s.Run(ctx, p)
		results = append(results, res)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %s run %s: %w", t, p.Mode, id, err))
		}
	}
	return results, errors.Join(errs...)
}

func (s *Service) execute(ctx context.Context, id string, f flow, p Params) (Result, error) {
	res := &Result{Type: p.Type, Mode: p.Mode}
	logger := s.logger.With(slog.String("task_id", id), slog.String("sync_type", string(p.Type)))
	if err := s.tracker.Start(id); err != nil {
		logger.Warn("task start rejected", slog.String("error", err.Error()))
	}

	limit := 0
	if !s.opts.LoadAll {
		limit = s.opts.Limit
	}
	run := newRunner(id, s.tracker, logger, s.opts.BatchSize, limit, res)
	run.stop = ctx

	start := s.now()
	var err error
	if stopErr := run.stopped(); stopErr != nil {
		// queued before shutdown; nothing was read
		err = fmt.Errorf("cancelled before start: %w", stopErr)
	} else {
		logger.Info("sync started", slog.String("mode", string(p.Mode)))
		err = s.safeSync(context.WithoutCancel(ctx), f, run, p)
	}
	elapsed := time.Since(start)

	metrics.SyncRunDuration.WithLabelValues(string(p.Type)).Observe(elapsed.Seconds())
	recordOutcomes(res)

	final := *res
	if err != nil {
		metrics.SyncRunsTotal.WithLabelValues(string(p.Type), "failed").Inc()
		_ = s.tracker.Fail(id, err, final)
		logger.Error("sync failed",
			slog.String("error", err.Error()),
			slog.Int("processed", res.TotalProcessed),
			slog.Duration("elapsed", elapsed))
		return final, err
	}
	metrics.SyncRunsTotal.WithLabelValues(string(p.Type), "completed").Inc()
	_ = s.tracker.Complete(id, final)
	logger.Info("sync completed",
		slog.Int("processed", res.TotalProcessed),
		slog.Int("created", res.Created),
		slog.Int("updated", res.Updated),
		slog.Int("skipped", res.Skipped),
		slog.Int("failed", res.Failed),
		slog.Int("deactivated", res.Deactivated),
		slog.Duration("elapsed", elapsed))
	return final, nil
}

func (s *Service) safeSync(ctx context.Context, f flow, run *runner, p Params) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sync panic",
				slog.String("sync_type", string(p.Type)),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("sync panic: %v", r)
		}
	}()
	return f.Sync(ctx, run, p)
}

func recordOutcomes(res *Result) {
	t := string(res.Type)
	for outcome, n := range map[string]int{
		"created":     res.Created,
		"updated":     res.Updated,
		"skipped":     res.Skipped,
		"failed":      res.Failed,
		"deactivated": res.Deactivated,
	} {
		if n > 0 {
			metrics.SyncRecordsTotal.WithLabelValues(t, outcome).Add(float64(n))
		}
	}
}
