package syncer

import (
	"context"
	"fmt"
	"log/slog"

	"erpsync/internal/erp"
)

// Reporter receives progress for a task. The progress tracker implements it.
type Reporter interface {
	UpdateProgress(id string, percent, current, total int, step, logLine string) error
}

// phase is a slice of the 0-100 progress range given to one pass.
type phase struct {
	step   string
	lo, hi int
}

type batchHandler func(ctx context.Context, records []erp.Record) error

// runner is the shared loop of every flow: fetch a page, hand it to the flow,
// count, report, repeat until the source is exhausted, the run is capped or
// stop is cancelled. The work context handed to Fetch and to the handler is
// not tied to stop, so a batch in flight always finishes or fails on its own.
type runner struct {
	// stop ends the run at the next batch boundary.
	stop      context.Context
	taskID    string
	reporter  Reporter
	logger    *slog.Logger
	batchSize int
	// limit caps the records read in one run; 0 reads everything.
	limit     int
	processed int
	res       *Result
}

func newRunner(taskID string, reporter Reporter, logger *slog.Logger, batchSize, limit int, res *Result) *runner {
	if batchSize <= 0 {
		batchSize = 1000
	}
	if limit < 0 {
		limit = 0
	}
	return &runner{
		stop:      context.Background(),
		taskID:    taskID,
		reporter:  reporter,
		logger:    logger,
		batchSize: batchSize,
		limit:     limit,
		res:       res,
	}
}

// stopped returns the stop cause once the run has been asked to end.
func (r *runner) stopped() error {
	if err := r.stop.Err(); err != nil {
		return fmt.Errorf("sync stopped: %w", err)
	}
	return nil
}

// drain pages through src. It reports whether the source was read to the end.
func (r *runner) drain(ctx context.Context, src Source, ph phase, handle batchHandler) (bool, error) {
	if err := r.stopped(); err != nil {
		return false, err
	}
	total, err := src.Count(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		r.logger.Warn("source count unavailable",
			slog.String("source", src.Name()),
			slog.String("error", err.Error()))
		total = 0
	}
	r.report(ph, 0, total, fmt.Sprintf("%s: starting (%d expected)", ph.step, total))

	cursor, done := 0, 0
	for {
		if err := r.stopped(); err != nil {
			return false, err
		}
		limit := r.batchSize
		if r.limit > 0 {
			remaining := r.limit - r.processed
			if remaining <= 0 {
				r.res.Capped = true
				r.logger.Info("sync capped",
					slog.String("source", src.Name()),
					slog.Int("limit", r.limit))
				return false, nil
			}
			if remaining < limit {
				limit = remaining
			}
		}

		page, err := src.Fetch(ctx, cursor, limit)
		if err != nil {
			return false, fmt.Errorf("fetch %s at %d: %w", src.Name(), cursor, err)
		}
		for _, invalid := range page.Invalid {
			r.res.fail(fmt.Errorf("%s: %w", src.Name(), invalid))
		}
		if len(page.Records) > 0 {
			if err := handle(ctx, page.Records); err != nil {
				return false, err
			}
		}

		n := len(page.Records) + len(page.Invalid)
		r.processed += n
		done += n
		r.res.TotalProcessed += n
		r.res.Batches++
		r.report(ph, done, total, fmt.Sprintf("%s: batch %d, %d records", ph.step, r.res.Batches, n))

		if page.Done {
			return true, nil
		}
		if page.Next <= cursor {
			return false, fmt.Errorf("fetch %s: cursor did not advance past %d", src.Name(), cursor)
		}
		cursor = page.Next
	}
}

func (r *runner) report(ph phase, done, total int, line string) {
	if r.reporter == nil || r.taskID == "" {
		return
	}
	var frac float64
	switch {
	case total > 0:
		frac = float64(done) / float64(total)
		if frac > 1 {
			frac = 1
		}
	case done > 0:
		frac = float64(done) / float64(done+r.batchSize)
	}
	pct := ph.lo + int(frac*float64(ph.hi-ph.lo))
	if err := r.reporter.UpdateProgress(r.taskID, pct, done, total, ph.step, line); err != nil {
		r.logger.Debug("progress update dropped",
			slog.String("task_id", r.taskID),
			slog.String("error", err.Error()))
	}
}

// note reports a free-form step without moving progress past lo.
func (r *runner) note(ph phase, line string) {
	r.report(ph, 0, 0, line)
}
