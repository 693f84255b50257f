package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"erpsync/internal/erp"
	"erpsync/internal/model"
	"erpsync/internal/reconcile"
	"erpsync/internal/syncer"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// catalogRow is the columns sections and products share.
type catalogRow struct {
	ID               uint
	ExternalID       *string
	ExternalCode     string
	Article          string
	Name             string
	ParentExternalID string
	Attributes       datatypes.JSON
	IsActive         bool
	SyncHash         string
}

func catalogModel(kind erp.Kind) (any, error) {
	switch kind {
	case erp.KindSection:
		return &model.CatalogSection{}, nil
	case erp.KindProduct:
		return &model.Product{}, nil
	default:
		return nil, fmt.Errorf("no catalog table for %q", kind)
	}
}

func (r catalogRow) entity() (reconcile.Entity, error) {
	e := reconcile.Entity{
		ID:               r.ID,
		ExternalCode:     r.ExternalCode,
		ParentExternalID: r.ParentExternalID,
		Name:             r.Name,
		Active:           r.IsActive,
		Hash:             r.SyncHash,
		Fields:           erp.Attributes{},
	}
	if r.ExternalID != nil {
		e.ExternalID = *r.ExternalID
	}
	if len(r.Attributes) > 0 {
		if err := json.Unmarshal(r.Attributes, &e.Fields); err != nil {
			return e, fmt.Errorf("decode attributes of row %d: %w", r.ID, err)
		}
	}
	// rows created locally keep their article in the column only
	if r.Article != "" && e.Fields.String(erp.AttrArticle) == "" {
		e.Fields[erp.AttrArticle] = r.Article
	}
	return e, nil
}

// CatalogIndex loads every local row the records could resolve to.
func (s *Store) CatalogIndex(ctx context.Context, kind erp.Kind, records []erp.Record) (*reconcile.MapIndex, error) {
	table, err := catalogModel(kind)
	if err != nil {
		return nil, err
	}
	var ids, parents, articles, codes []string
	for _, rec := range records {
		ids = append(ids, rec.ExternalID)
		parents = append(parents, rec.ParentExternalID)
		articles = append(articles, rec.Article())
		codes = append(codes, rec.ExternalCode)
	}

	idx := reconcile.NewMapIndex()
	load := func(column string, values []string) error {
		for _, part := range chunks(values, chunkSize) {
			var rows []catalogRow
			if err := s.db.WithContext(ctx).Model(table).Where(column+" IN ?", part).Find(&rows).Error; err != nil {
				return fmt.Errorf("load %s by %s: %w", kind, column, err)
			}
			for _, row := range rows {
				e, err := row.entity()
				if err != nil {
					return err
				}
				idx.Put(e)
			}
		}
		return nil
	}
	if err := load("external_id", nonEmpty(ids, parents)); err != nil {
		return nil, err
	}
	if err := load("article", nonEmpty(articles)); err != nil {
		return nil, err
	}
	if err := load("external_code", nonEmpty(codes)); err != nil {
		return nil, err
	}
	return idx, nil
}

// ApplyCatalog writes insert and update actions.
func (s *Store) ApplyCatalog(ctx context.Context, kind erp.Kind, actions []reconcile.Action, syncedAt time.Time) ([]syncer.ItemResult, error) {
	table, err := catalogModel(kind)
	if err != nil {
		return nil, err
	}
	return s.batch(ctx, len(actions), func(tx *gorm.DB, i int) (syncer.ItemResult, error) {
		act := actions[i]
		values, err := catalogValues(kind, act, syncedAt)
		if err != nil {
			return syncer.ItemResult{Outcome: syncer.OutcomeFailed, Err: err}, nil
		}
		if act.Kind == reconcile.Insert {
			values["created_at"] = syncedAt
			values["updated_at"] = syncedAt
			if err := tx.Model(table).Create(values).Error; err != nil {
				return syncer.ItemResult{}, err
			}
			var ids []uint
			if err := tx.Model(table).Where("external_id = ?", act.Record.ExternalID).Pluck("id", &ids).Error; err != nil {
				return syncer.ItemResult{}, err
			}
			res := syncer.ItemResult{Outcome: syncer.OutcomeCreated}
			if len(ids) > 0 {
				res.ID = ids[0]
			}
			return res, nil
		}

		values["updated_at"] = syncedAt
		res := tx.Model(table).Where("id = ?", act.TargetID).Updates(values)
		if res.Error != nil {
			return syncer.ItemResult{}, res.Error
		}
		if res.RowsAffected == 0 {
			return syncer.ItemResult{Outcome: syncer.OutcomeFailed, Err: fmt.Errorf("%s row %d no longer exists", kind, act.TargetID)}, nil
		}
		return syncer.ItemResult{ID: act.TargetID, Outcome: syncer.OutcomeUpdated}, nil
	})
}

func catalogValues(kind erp.Kind, act reconcile.Action, syncedAt time.Time) (map[string]any, error) {
	attrs, err := json.Marshal(act.Merged)
	if err != nil {
		return nil, fmt.Errorf("encode attributes: %w", err)
	}
	rec := act.Record
	values := map[string]any{
		"external_id":        rec.ExternalID,
		"article":            act.Merged.String(erp.AttrArticle),
		"name":               act.Name,
		"parent_external_id": rec.ParentExternalID,
		"attributes":         datatypes.JSON(attrs),
		"is_active":          act.Active,
		"sync_hash":          act.Hash,
		"last_synced_at":     syncedAt,
	}
	if rec.ExternalCode != "" {
		values["external_code"] = rec.ExternalCode
	}
	if kind != erp.KindProduct {
		return values, nil
	}

	if price, ok := act.Merged.Decimal(erp.AttrPrice); ok {
		values["price"] = price
	}
	if desc := act.Merged.String(erp.AttrDescription); desc != "" {
		values["description"] = desc
	}
	values["brand"] = act.Merged.String(erp.AttrBrand)
	values["section_external_id"] = act.Merged.String(erp.AttrSection)
	for column, key := range map[string]string{"images": erp.AttrImages, "specs": erp.AttrSpecs} {
		v, ok := act.Merged[key]
		if !ok || v == nil {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", key, err)
		}
		values[column] = datatypes.JSON(raw)
	}
	return values, nil
}

// DeactivateCatalogNotIn deactivates ERP-linked rows missing from seen.
// Rows that were never linked to the ERP are left alone.
func (s *Store) DeactivateCatalogNotIn(ctx context.Context, kind erp.Kind, seen []string) (int, error) {
	table, err := catalogModel(kind)
	if err != nil {
		return 0, err
	}
	var rows []struct {
		ID         uint
		ExternalID string
	}
	if err := s.db.WithContext(ctx).Model(table).
		Select("id", "external_id").
		Where("is_active = ? AND external_id IS NOT NULL", true).
		Find(&rows).Error; err != nil {
		return 0, fmt.Errorf("load active %s: %w", kind, err)
	}
	candidates := make(map[uint]string, len(rows))
	for _, r := range rows {
		candidates[r.ID] = r.ExternalID
	}
	n, err := s.updateByID(ctx, table, absent(candidates, seen), map[string]any{"is_active": false})
	if err != nil {
		return n, fmt.Errorf("deactivate %s: %w", kind, err)
	}
	return n, nil
}
