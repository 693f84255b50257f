package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"erpsync/internal/erp"
	"erpsync/internal/reconcile"
)

// SalesSync imports sales register lines for a date window.
type SalesSync struct {
	feed         SalesFeed
	store        SalesStore
	trailingDays int
	logger       *slog.Logger
	now          func() time.Time
}

func NewSalesSync(feed SalesFeed, store SalesStore, trailingDays int, logger *slog.Logger) *SalesSync {
	if trailingDays <= 0 {
		trailingDays = 7
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SalesSync{feed: feed, store: store, trailingDays: trailingDays, logger: logger, now: time.Now}
}

// window resolves the run's [from, to) range. Missing bounds default to the
// trailing window ending tomorrow at midnight.
func window(p Params, now time.Time, days int) (time.Time, time.Time, error) {
	from, to := p.From, p.To
	if to.IsZero() {
		to = startOfDay(now).AddDate(0, 0, 1)
	}
	if from.IsZero() {
		from = to.AddDate(0, 0, -days)
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %s is not before %s", ErrBadWindow, from.Format(time.DateOnly), to.Format(time.DateOnly))
	}
	return from, to, nil
}

func (s *SalesSync) Sync(ctx context.Context, run *runner, p Params) error {
	from, to, err := window(p, s.now(), s.trailingDays)
	if err != nil {
		return err
	}
	src, err := s.feed.OpenSales(ctx, from, to)
	if err != nil {
		return fmt.Errorf("open sales: %w", err)
	}
	s.logger.Info("sales window",
		slog.String("from", from.Format(time.DateOnly)),
		slog.String("to", to.Format(time.DateOnly)),
		slog.String("mode", string(p.Mode)))

	syncedAt := s.now()
	seen := reconcile.NewSeen()
	handle := func(ctx context.Context, records []erp.Record) error {
		_, err := persistSales(ctx, s.store, records, syncedAt, run.res, seen)
		return err
	}
	exhausted, err := run.drain(ctx, src, phase{step: "sales", lo: 0, hi: 90}, handle)
	if err != nil {
		return err
	}
	if p.Full() && exhausted && !run.res.Capped {
		run.note(phase{step: "deactivating", lo: 90, hi: 99}, "deactivating lines absent from the window")
		n, err := s.store.DeactivateSalesNotIn(ctx, from, to, seen.IDs())
		if err != nil {
			return fmt.Errorf("deactivate sales: %w", err)
		}
		run.res.Deactivated = n
	}
	return nil
}

// persistSales writes sales records and returns the rows that were accepted.
func persistSales(ctx context.Context, store SalesStore, records []erp.Record, syncedAt time.Time, res *Result, seen *reconcile.Seen) ([]SaleRow, error) {
	records = erp.DedupeLast(records)
	rows := make([]SaleRow, 0, len(records))
	for _, rec := range records {
		row, err := saleRow(rec)
		if err != nil {
			res.fail(err)
			continue
		}
		if seen != nil {
			seen.Add(row.ExternalID)
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	results, err := store.UpsertSales(ctx, rows, syncedAt)
	if err != nil {
		return nil, fmt.Errorf("persist sales batch: %w", err)
	}
	if len(results) != len(rows) {
		return nil, fmt.Errorf("persist sales batch: %d results for %d rows", len(results), len(rows))
	}
	kept := rows[:0]
	for i, r := range results {
		if r.Err != nil {
			res.fail(fmt.Errorf("sale %s: %w", rows[i].ExternalID, r.Err))
			continue
		}
		res.count(r.Outcome)
		kept = append(kept, rows[i])
	}
	return kept, nil
}

func saleRow(rec erp.Record) (SaleRow, error) {
	soldAt, ok := rec.Attributes.Time(erp.AttrSoldAt)
	if !ok {
		return SaleRow{}, fmt.Errorf("sale %s: no sale date", rec.ExternalID)
	}
	row := SaleRow{
		ExternalID:          rec.ExternalID,
		DocumentID:          rec.Attributes.String(erp.AttrDocument),
		LineNo:              rec.Attributes.String(erp.AttrLine),
		SoldAt:              soldAt,
		ProductExternalID:   rec.Attributes.String(erp.AttrProduct),
		WarehouseExternalID: rec.Attributes.String(erp.AttrWarehouse),
		CardExternalID:      rec.Attributes.String(erp.AttrCard),
		Active:              !rec.Attributes.Bool(erp.AttrDeleted),
		Hash:                reconcile.Hash(rec.Name, rec.ExternalCode, "", rec.Attributes),
	}
	row.Quantity, _ = rec.Attributes.Decimal(erp.AttrQuantity)
	row.Amount, _ = rec.Attributes.Decimal(erp.AttrAmount)
	row.Discount, _ = rec.Attributes.Decimal(erp.AttrDiscount)
	return row, nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
