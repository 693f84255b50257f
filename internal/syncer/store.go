package syncer

import (
	"context"
	"time"

	"erpsync/internal/erp"
	"erpsync/internal/reconcile"

	"github.com/shopspring/decimal"
)

// Outcome of persisting one item.
type Outcome int

const (
	OutcomeCreated Outcome = iota
	OutcomeUpdated
	OutcomeUnchanged
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeUpdated:
		return "updated"
	case OutcomeUnchanged:
		return "skipped"
	default:
		return "failed"
	}
}

// ItemResult is the per-item result of a batch write. Batch methods return
// one ItemResult per input, in input order. A record-level problem (such as
// a constraint violation) is reported in Err; the returned error is reserved
// for failures that abort the run.
type ItemResult struct {
	ID      uint
	Outcome Outcome
	Err     error
}

// CatalogStore persists sections and products. kind is erp.KindSection or
// erp.KindProduct.
type CatalogStore interface {
	// CatalogIndex loads the local rows the records can match: by their own
	// external ids, articles and codes, and by their parents' external ids.
	CatalogIndex(ctx context.Context, kind erp.Kind, records []erp.Record) (*reconcile.MapIndex, error)
	ApplyCatalog(ctx context.Context, kind erp.Kind, actions []reconcile.Action, syncedAt time.Time) ([]ItemResult, error)
	// DeactivateCatalogNotIn marks active rows whose external id is not in
	// seen as inactive and returns how many changed.
	DeactivateCatalogNotIn(ctx context.Context, kind erp.Kind, seen []string) (int, error)
}

// StockRow is one product/warehouse balance.
type StockRow struct {
	ProductExternalID   string
	WarehouseExternalID string
	Quantity            decimal.Decimal
	Reserved            decimal.Decimal
}

// Key is the natural key of the row.
func (r StockRow) Key() string { return r.ProductExternalID + "#" + r.WarehouseExternalID }

type StockStore interface {
	// UpsertStock writes rows keyed by product+warehouse. A row is only
	// overwritten when syncedAt is not older than its stored sync time.
	UpsertStock(ctx context.Context, rows []StockRow, syncedAt time.Time) ([]ItemResult, error)
	// ZeroStockNotIn sets quantity and reserve to zero for pairs whose key is
	// not in seen.
	ZeroStockNotIn(ctx context.Context, seen []string, syncedAt time.Time) (int, error)
}

// SaleRow is one sales register line.
type SaleRow struct {
	ExternalID          string
	DocumentID          string
	LineNo              string
	SoldAt              time.Time
	ProductExternalID   string
	WarehouseExternalID string
	CardExternalID      string
	Quantity            decimal.Decimal
	Amount              decimal.Decimal
	Discount            decimal.Decimal
	Active              bool
	Hash                string
}

type SalesStore interface {
	// UpsertSales writes lines keyed by external id. Lines whose stored hash
	// equals Hash are reported unchanged.
	UpsertSales(ctx context.Context, rows []SaleRow, syncedAt time.Time) ([]ItemResult, error)
	// DeactivateSalesNotIn deactivates lines sold within [from, to) whose
	// external id is not in seen.
	DeactivateSalesNotIn(ctx context.Context, from, to time.Time, seen []string) (int, error)
}

// CustomerChange is the write for one discount card.
type CustomerChange struct {
	Action       reconcile.CustomerAction
	CardID       string
	CardNumber   string
	Name         string
	Phone        string
	BonusBalance decimal.Decimal
	Active       bool
}

type CustomerStore interface {
	CustomerIndex(ctx context.Context, cardIDs, phones []string) (*reconcile.CustomerIndex, error)
	ApplyCustomers(ctx context.Context, changes []CustomerChange, syncedAt time.Time) ([]ItemResult, error)
	SaveCustomerStats(ctx context.Context, customerID uint, stats reconcile.PurchaseStats, segment string) error
}
