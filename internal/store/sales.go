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

var salesUpsert = clause.OnConflict{
	Columns: []clause.Column{{Name: "external_id"}},
	DoUpdates: clause.AssignmentColumns([]string{
		"document_id", "line_no", "sold_at", "product_external_id", "warehouse_external_id",
		"card_external_id", "customer_id", "quantity", "amount", "discount",
		"is_active", "sync_hash", "updated_at", "last_synced_at",
	}),
}

type saleState struct {
	SyncHash string
	IsActive bool
}

// UpsertSales writes sales lines keyed by external id.
func (s *Store) UpsertSales(ctx context.Context, rows []syncer.SaleRow, syncedAt time.Time) ([]syncer.ItemResult, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(rows))
	cards := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ExternalID)
		cards = append(cards, r.CardExternalID)
	}
	existing := make(map[string]saleState, len(rows))
	for _, part := range chunks(nonEmpty(ids), chunkSize) {
		var found []model.SalesRecord
		if err := s.db.WithContext(ctx).
			Select("external_id", "sync_hash", "is_active").
			Where("external_id IN ?", part).
			Find(&found).Error; err != nil {
			return nil, fmt.Errorf("load sales lines: %w", err)
		}
		for _, f := range found {
			existing[f.ExternalID] = saleState{SyncHash: f.SyncHash, IsActive: f.IsActive}
		}
	}
	customers, err := s.customersByCard(ctx, nonEmpty(cards))
	if err != nil {
		return nil, err
	}

	return s.batch(ctx, len(rows), func(tx *gorm.DB, i int) (syncer.ItemResult, error) {
		row := rows[i]
		prev, found := existing[row.ExternalID]
		if found && prev.SyncHash == row.Hash && prev.IsActive == row.Active {
			return syncer.ItemResult{Outcome: syncer.OutcomeUnchanged}, nil
		}
		rec := model.SalesRecord{
			ExternalID:          row.ExternalID,
			DocumentID:          row.DocumentID,
			LineNo:              row.LineNo,
			SoldAt:              row.SoldAt,
			ProductExternalID:   row.ProductExternalID,
			WarehouseExternalID: row.WarehouseExternalID,
			CardExternalID:      row.CardExternalID,
			Quantity:            row.Quantity,
			Amount:              row.Amount,
			Discount:            row.Discount,
			IsActive:            row.Active,
			SyncHash:            row.Hash,
			LastSyncedAt:        syncedAt,
		}
		if id, ok := customers[row.CardExternalID]; ok {
			rec.CustomerID = ptr(id)
		}
		if err := tx.Clauses(salesUpsert).Create(&rec).Error; err != nil {
			return syncer.ItemResult{}, err
		}
		if found {
			return syncer.ItemResult{ID: rec.ID, Outcome: syncer.OutcomeUpdated}, nil
		}
		return syncer.ItemResult{ID: rec.ID, Outcome: syncer.OutcomeCreated}, nil
	})
}

// DeactivateSalesNotIn deactivates active lines sold in [from, to) that the
// ERP no longer reports.
func (s *Store) DeactivateSalesNotIn(ctx context.Context, from, to time.Time, seen []string) (int, error) {
	var rows []model.SalesRecord
	if err := s.db.WithContext(ctx).
		Select("id", "external_id").
		Where("is_active = ? AND sold_at >= ? AND sold_at < ?", true, from, to).
		Find(&rows).Error; err != nil {
		return 0, fmt.Errorf("load sales window: %w", err)
	}
	candidates := make(map[uint]string, len(rows))
	for _, r := range rows {
		candidates[r.ID] = r.ExternalID
	}
	n, err := s.updateByID(ctx, &model.SalesRecord{}, absent(candidates, seen), map[string]any{"is_active": false})
	if err != nil {
		return n, fmt.Errorf("deactivate sales: %w", err)
	}
	return n, nil
}
