package store

import (
	"context"
	"fmt"
	"time"

	"erpsync/internal/model"
	"erpsync/internal/syncer"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// newer guards every assignment so an older snapshot never overwrites a
// newer one. last_synced_at must stay the last assignment: MySQL evaluates
// them left to right.
func newer(column string) clause.Assignment {
	return clause.Assignment{
		Column: clause.Column{Name: column},
		Value:  gorm.Expr(fmt.Sprintf("IF(VALUES(last_synced_at) >= last_synced_at, VALUES(%s), %s)", column, column)),
	}
}

var stockUpsert = clause.OnConflict{
	Columns: []clause.Column{{Name: "product_external_id"}, {Name: "warehouse_external_id"}},
	DoUpdates: clause.Set{
		newer("product_id"),
		newer("quantity"),
		newer("reserved"),
		newer("available"),
		newer("updated_at"),
		newer("last_synced_at"),
	},
}

// UpsertStock writes balances keyed by product and warehouse.
func (s *Store) UpsertStock(ctx context.Context, rows []syncer.StockRow, syncedAt time.Time) ([]syncer.ItemResult, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	existing, err := s.stockSyncTimes(ctx, rows)
	if err != nil {
		return nil, err
	}
	products, err := s.productIDs(ctx, rows)
	if err != nil {
		return nil, err
	}

	return s.batch(ctx, len(rows), func(tx *gorm.DB, i int) (syncer.ItemResult, error) {
		row := rows[i]
		prev, found := existing[row.Key()]
		if found && syncedAt.Before(prev) {
			return syncer.ItemResult{Outcome: syncer.OutcomeUnchanged}, nil
		}
		rec := model.StockRecord{
			ProductExternalID:   row.ProductExternalID,
			WarehouseExternalID: row.WarehouseExternalID,
			Quantity:            row.Quantity,
			Reserved:            row.Reserved,
			Available:           row.Quantity.Sub(row.Reserved),
			LastSyncedAt:        syncedAt,
		}
		if id, ok := products[row.ProductExternalID]; ok {
			rec.ProductID = ptr(id)
		}
		if err := tx.Clauses(stockUpsert).Create(&rec).Error; err != nil {
			return syncer.ItemResult{}, err
		}
		if found {
			return syncer.ItemResult{ID: rec.ID, Outcome: syncer.OutcomeUpdated}, nil
		}
		return syncer.ItemResult{ID: rec.ID, Outcome: syncer.OutcomeCreated}, nil
	})
}

func (s *Store) stockSyncTimes(ctx context.Context, rows []syncer.StockRow) (map[string]time.Time, error) {
	products := make([]string, 0, len(rows))
	for _, r := range rows {
		products = append(products, r.ProductExternalID)
	}
	out := make(map[string]time.Time, len(rows))
	for _, part := range chunks(nonEmpty(products), chunkSize) {
		var found []model.StockRecord
		if err := s.db.WithContext(ctx).
			Select("product_external_id", "warehouse_external_id", "last_synced_at").
			Where("product_external_id IN ?", part).
			Find(&found).Error; err != nil {
			return nil, fmt.Errorf("load stock rows: %w", err)
		}
		for _, f := range found {
			key := syncer.StockRow{ProductExternalID: f.ProductExternalID, WarehouseExternalID: f.WarehouseExternalID}.Key()
			out[key] = f.LastSyncedAt
		}
	}
	return out, nil
}

func (s *Store) productIDs(ctx context.Context, rows []syncer.StockRow) (map[string]uint, error) {
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ProductExternalID)
	}
	out := make(map[string]uint, len(rows))
	for _, part := range chunks(nonEmpty(ids), chunkSize) {
		var found []struct {
			ID         uint
			ExternalID string
		}
		if err := s.db.WithContext(ctx).Model(&model.Product{}).
			Select("id", "external_id").
			Where("external_id IN ?", part).
			Find(&found).Error; err != nil {
			return nil, fmt.Errorf("resolve products: %w", err)
		}
		for _, f := range found {
			out[f.ExternalID] = f.ID
		}
	}
	return out, nil
}

// ZeroStockNotIn zeroes non-empty balances whose pair is not in seen.
func (s *Store) ZeroStockNotIn(ctx context.Context, seen []string, syncedAt time.Time) (int, error) {
	var rows []model.StockRecord
	if err := s.db.WithContext(ctx).
		Select("id", "product_external_id", "warehouse_external_id").
		Where("quantity <> 0 OR reserved <> 0").
		Find(&rows).Error; err != nil {
		return 0, fmt.Errorf("load stock rows: %w", err)
	}
	candidates := make(map[uint]string, len(rows))
	for _, r := range rows {
		candidates[r.ID] = syncer.StockRow{ProductExternalID: r.ProductExternalID, WarehouseExternalID: r.WarehouseExternalID}.Key()
	}
	n, err := s.updateByID(ctx, &model.StockRecord{}, absent(candidates, seen), map[string]any{
		"quantity":       0,
		"reserved":       0,
		"available":      0,
		"last_synced_at": syncedAt,
	})
	if err != nil {
		return n, fmt.Errorf("zero stock: %w", err)
	}
	return n, nil
}
