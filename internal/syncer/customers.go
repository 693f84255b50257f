package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"erpsync/internal/erp"
	"erpsync/internal/reconcile"

	"github.com/shopspring/decimal"
)

// CustomerSync links discount cards to customers, pulls each linked
// customer's purchase history and recomputes the segment label.
type CustomerSync struct {
	feed        SalesFeed
	customers   CustomerStore
	sales       SalesStore
	historyDays int
	region      string
	logger      *slog.Logger
	now         func() time.Time
}

func NewCustomerSync(feed SalesFeed, customers CustomerStore, sales SalesStore, historyDays int, region string, logger *slog.Logger) *CustomerSync {
	if historyDays <= 0 {
		historyDays = 365
	}
	if region == "" {
		region = "RU"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CustomerSync{
		feed:        feed,
		customers:   customers,
		sales:       sales,
		historyDays: historyDays,
		region:      region,
		logger:      logger,
		now:         time.Now,
	}
}

type linkedCard struct {
	customerID uint
	cardID     string
	bonus      decimal.Decimal
}

func (c *CustomerSync) Sync(ctx context.Context, run *runner, p Params) error {
	src, err := c.feed.OpenCards(ctx)
	if err != nil {
		return fmt.Errorf("open cards: %w", err)
	}
	syncedAt := c.now()

	var linked []linkedCard
	handle := func(ctx context.Context, records []erp.Record) error {
		out, err := c.applyCards(ctx, erp.DedupeLast(records), syncedAt, run.res)
		if err != nil {
			return err
		}
		linked = append(linked, out...)
		return nil
	}
	if _, err := run.drain(ctx, src, phase{step: "discount cards", lo: 0, hi: 40}, handle); err != nil {
		return err
	}

	from, to, err := window(Params{From: p.From, To: p.To}, syncedAt, c.historyDays)
	if err != nil {
		return err
	}
	ph := phase{step: "purchase history", lo: 40, hi: 99}
	for i, card := range linked {
		if err := run.stopped(); err != nil {
			return err
		}
		stats, err := c.history(ctx, run, card, from, to, syncedAt)
		if err != nil {
			return err
		}
		segment := reconcile.Segment(stats, syncedAt)
		if err := c.customers.SaveCustomerStats(ctx, card.customerID, stats, segment); err != nil {
			run.res.fail(fmt.Errorf("customer %d stats: %w", card.customerID, err))
			continue
		}
		run.report(ph, i+1, len(linked), fmt.Sprintf("card %s: %d orders, segment %s", card.cardID, stats.Orders, segment))
	}
	return nil
}

func (c *CustomerSync) applyCards(ctx context.Context, records []erp.Record, syncedAt time.Time, res *Result) ([]linkedCard, error) {
	cardIDs := make([]string, 0, len(records))
	phones := make([]string, 0, len(records))
	for _, rec := range records {
		cardIDs = append(cardIDs, rec.ExternalID)
		if phone, ok := reconcile.NormalizePhone(rec.Attributes.String(erp.AttrPhone), c.region); ok {
			phones = append(phones, phone)
		}
	}
	idx, err := c.customers.CustomerIndex(ctx, cardIDs, phones)
	if err != nil {
		return nil, fmt.Errorf("load customer index: %w", err)
	}

	changes := make([]CustomerChange, 0, len(records))
	for _, rec := range records {
		act := reconcile.MatchCustomer(rec, idx, c.region)
		if act.Conflict {
			res.Skipped++
			res.note(fmt.Errorf("card %s: phone %s already belongs to customer %d with another card", rec.ExternalID, act.Phone, act.TargetID))
			continue
		}
		bonus, _ := rec.Attributes.Decimal(erp.AttrBonus)
		changes = append(changes, CustomerChange{
			Action:       act,
			CardID:       rec.ExternalID,
			CardNumber:   rec.Attributes.String(erp.AttrCardNumber),
			Name:         rec.Name,
			Phone:        act.Phone,
			BonusBalance: bonus,
			Active:       !rec.Attributes.Bool(erp.AttrDeleted),
		})
		// later cards of the batch must see this link
		idx.Put(reconcile.Customer{ID: act.TargetID, CardExternalID: rec.ExternalID, Phone: act.Phone, Name: rec.Name})
	}
	if len(changes) == 0 {
		return nil, nil
	}

	results, err := c.customers.ApplyCustomers(ctx, changes, syncedAt)
	if err != nil {
		return nil, fmt.Errorf("persist customers batch: %w", err)
	}
	if len(results) != len(changes) {
		return nil, fmt.Errorf("persist customers batch: %d results for %d changes", len(results), len(changes))
	}
	linked := make([]linkedCard, 0, len(changes))
	for i, r := range results {
		if r.Err != nil {
			res.fail(fmt.Errorf("card %s: %w", changes[i].CardID, r.Err))
			continue
		}
		res.count(r.Outcome)
		linked = append(linked, linkedCard{customerID: r.ID, cardID: changes[i].CardID, bonus: changes[i].BonusBalance})
	}
	return linked, nil
}

// history reads and stores the card's sales lines in [from, to) and folds
// them into purchase stats. Line outcomes are not added to the card counters.
func (c *CustomerSync) history(ctx context.Context, run *runner, card linkedCard, from, to, syncedAt time.Time) (reconcile.PurchaseStats, error) {
	res := run.res
	stats := reconcile.PurchaseStats{Total: decimal.Zero, BonusBalance: card.bonus}
	src, err := c.feed.OpenHistory(ctx, card.cardID, from, to)
	if err != nil {
		return stats, fmt.Errorf("open history for card %s: %w", card.cardID, err)
	}

	orders := make(map[string]struct{})
	lines := &Result{}
	cursor := 0
	for {
		page, err := src.Fetch(ctx, cursor, 0)
		if err != nil {
			return stats, fmt.Errorf("fetch history for card %s: %w", card.cardID, err)
		}
		for _, invalid := range page.Invalid {
			lines.fail(invalid)
		}
		kept, err := persistSales(ctx, c.sales, page.Records, syncedAt, lines, nil)
		if err != nil {
			return stats, err
		}
		for _, row := range kept {
			if !row.Active {
				continue
			}
			orders[row.DocumentID] = struct{}{}
			stats.Total = stats.Total.Add(row.Amount)
			if stats.FirstPurchase.IsZero() || row.SoldAt.Before(stats.FirstPurchase) {
				stats.FirstPurchase = row.SoldAt
			}
			if row.SoldAt.After(stats.LastPurchase) {
				stats.LastPurchase = row.SoldAt
			}
		}
		if page.Done || page.Next <= cursor {
			break
		}
		if err := run.stopped(); err != nil {
			return stats, err
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		cursor = page.Next
	}
	stats.Orders = len(orders)

	res.HistoryLines += lines.Created + lines.Updated + lines.Skipped
	res.Failed += lines.Failed
	for _, e := range lines.Errors {
		if len(res.Errors) < maxResultErrors {
			res.Errors = append(res.Errors, e)
		}
	}
	return stats, nil
}
