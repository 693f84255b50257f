package store

import (
	"context"
	"fmt"
	"time"

	"erpsync/internal/model"
	"erpsync/internal/reconcile"
	"erpsync/internal/syncer"

	"gorm.io/gorm"
)

func (s *Store) customersByCard(ctx context.Context, cards []string) (map[string]uint, error) {
	out := make(map[string]uint, len(cards))
	for _, part := range chunks(cards, chunkSize) {
		var found []model.Customer
		if err := s.db.WithContext(ctx).
			Select("id", "card_external_id").
			Where("card_external_id IN ?", part).
			Find(&found).Error; err != nil {
			return nil, fmt.Errorf("resolve customers: %w", err)
		}
		for _, c := range found {
			if c.CardExternalID != nil {
				out[*c.CardExternalID] = c.ID
			}
		}
	}
	return out, nil
}

func toCustomer(c model.Customer) reconcile.Customer {
	out := reconcile.Customer{ID: c.ID, Name: c.Name}
	if c.CardExternalID != nil {
		out.CardExternalID = *c.CardExternalID
	}
	if c.Phone != nil {
		out.Phone = *c.Phone
	}
	return out
}

// CustomerIndex loads customers owning any of the cards or phones.
func (s *Store) CustomerIndex(ctx context.Context, cardIDs, phones []string) (*reconcile.CustomerIndex, error) {
	idx := reconcile.NewCustomerIndex()
	load := func(column string, values []string) error {
		for _, part := range chunks(nonEmpty(values), chunkSize) {
			var found []model.Customer
			if err := s.db.WithContext(ctx).Where(column+" IN ?", part).Find(&found).Error; err != nil {
				return fmt.Errorf("load customers by %s: %w", column, err)
			}
			for _, c := range found {
				idx.Put(toCustomer(c))
			}
		}
		return nil
	}
	if err := load("card_external_id", cardIDs); err != nil {
		return nil, err
	}
	if err := load("phone", phones); err != nil {
		return nil, err
	}
	return idx, nil
}

// ApplyCustomers creates customers or links cards to existing ones. Names
// and phones are only filled, never erased.
func (s *Store) ApplyCustomers(ctx context.Context, changes []syncer.CustomerChange, syncedAt time.Time) ([]syncer.ItemResult, error) {
	return s.batch(ctx, len(changes), func(tx *gorm.DB, i int) (syncer.ItemResult, error) {
		ch := changes[i]
		if ch.Action.Kind == reconcile.Insert {
			c := model.Customer{
				CardExternalID: ptr(ch.CardID),
				CardNumber:     ch.CardNumber,
				Name:           ch.Name,
				IsActive:       ch.Active,
				BonusBalance:   ch.BonusBalance,
				LastSyncedAt:   ptr(syncedAt),
			}
			if ch.Phone != "" {
				c.Phone = ptr(ch.Phone)
			}
			if err := tx.Create(&c).Error; err != nil {
				return syncer.ItemResult{}, err
			}
			return syncer.ItemResult{ID: c.ID, Outcome: syncer.OutcomeCreated}, nil
		}

		values := map[string]any{
			"card_external_id": ch.CardID,
			"card_number":      ch.CardNumber,
			"is_active":        ch.Active,
			"bonus_balance":    ch.BonusBalance,
			"last_synced_at":   syncedAt,
		}
		if ch.Phone != "" {
			values["phone"] = ch.Phone
		}
		if ch.Name != "" {
			values["name"] = ch.Name
		}
		res := tx.Model(&model.Customer{}).Where("id = ?", ch.Action.TargetID).Updates(values)
		if res.Error != nil {
			return syncer.ItemResult{}, res.Error
		}
		if res.RowsAffected == 0 {
			return syncer.ItemResult{Outcome: syncer.OutcomeFailed, Err: fmt.Errorf("customer %d no longer exists", ch.Action.TargetID)}, nil
		}
		return syncer.ItemResult{ID: ch.Action.TargetID, Outcome: syncer.OutcomeUpdated}, nil
	})
}

// SaveCustomerStats stores recomputed purchase stats and the segment.
func (s *Store) SaveCustomerStats(ctx context.Context, customerID uint, stats reconcile.PurchaseStats, segment string) error {
	values := map[string]any{
		"orders":         stats.Orders,
		"total_spent":    stats.Total,
		"bonus_balance":  stats.BonusBalance,
		"first_purchase": nil,
		"last_purchase":  nil,
		"segment":        segment,
	}
	if !stats.FirstPurchase.IsZero() {
		values["first_purchase"] = stats.FirstPurchase
	}
	if !stats.LastPurchase.IsZero() {
		values["last_purchase"] = stats.LastPurchase
	}
	if err := s.db.WithContext(ctx).Model(&model.Customer{}).Where("id = ?", customerID).Updates(values).Error; err != nil {
		return fmt.Errorf("save stats of customer %d: %w", customerID, err)
	}
	return nil
}
