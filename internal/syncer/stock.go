package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"erpsync/internal/erp"
	"erpsync/internal/reconcile"
)

// StockSync applies the warehouse balance snapshot. All rows of one run share
// the run's start time as their sync time, so an older run finishing late
// cannot overwrite a newer one.
type StockSync struct {
	feed   StockFeed
	store  StockStore
	logger *slog.Logger
	now    func() time.Time
}

func NewStockSync(feed StockFeed, store StockStore, logger *slog.Logger) *StockSync {
	if logger == nil {
		logger = slog.Default()
	}
	return &StockSync{feed: feed, store: store, logger: logger, now: time.Now}
}

func (s *StockSync) Sync(ctx context.Context, run *runner, p Params) error {
	src, err := s.feed.OpenStock(ctx, p)
	if err != nil {
		return fmt.Errorf("open stock: %w", err)
	}
	syncedAt := s.now()
	seen := reconcile.NewSeen()

	handle := func(ctx context.Context, records []erp.Record) error {
		rows := stockRows(records, run.res)
		for _, r := range rows {
			seen.Add(r.Key())
		}
		if len(rows) == 0 {
			return nil
		}
		results, err := s.store.UpsertStock(ctx, rows, syncedAt)
		if err != nil {
			return fmt.Errorf("persist stock batch: %w", err)
		}
		if len(results) != len(rows) {
			return fmt.Errorf("persist stock batch: %d results for %d rows", len(results), len(rows))
		}
		for i, r := range results {
			if r.Err != nil {
				run.res.fail(fmt.Errorf("stock %s: %w", rows[i].Key(), r.Err))
				continue
			}
			run.res.count(r.Outcome)
		}
		return nil
	}

	exhausted, err := run.drain(ctx, src, phase{step: "stock", lo: 0, hi: 90}, handle)
	if err != nil {
		return err
	}
	if p.Full() && exhausted && !run.res.Capped {
		run.note(phase{step: "zeroing absent stock", lo: 90, hi: 99}, "zeroing pairs absent from the snapshot")
		n, err := s.store.ZeroStockNotIn(ctx, seen.IDs(), syncedAt)
		if err != nil {
			return fmt.Errorf("zero absent stock: %w", err)
		}
		run.res.Deactivated = n
	}
	return nil
}

// stockRows flattens records into one row per warehouse. Within a batch the
// last row for a key wins.
func stockRows(records []erp.Record, res *Result) []StockRow {
	byKey := make(map[string]int)
	var rows []StockRow
	for _, rec := range records {
		product := rec.Attributes.String(erp.AttrProduct)
		if product == "" {
			res.fail(fmt.Errorf("stock %s: no product reference", rec.ExternalID))
			continue
		}
		if len(rec.WarehouseQuantities) == 0 {
			res.fail(fmt.Errorf("stock %s: no warehouse quantities", rec.ExternalID))
			continue
		}
		warehouses := make([]string, 0, len(rec.WarehouseQuantities))
		for wh := range rec.WarehouseQuantities {
			warehouses = append(warehouses, wh)
		}
		sort.Strings(warehouses)
		for _, wh := range warehouses {
			row := StockRow{
				ProductExternalID:   product,
				WarehouseExternalID: wh,
				Quantity:            rec.WarehouseQuantities[wh],
				Reserved:            rec.Reserved(wh),
			}
			if i, ok := byKey[row.Key()]; ok {
				rows[i] = row
				continue
			}
			byKey[row.Key()] = len(rows)
			rows = append(rows, row)
		}
	}
	return rows
}
