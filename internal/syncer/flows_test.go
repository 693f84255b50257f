package syncer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"erpsync/internal/erp"
	"erpsync/internal/reconcile"

	"github.com/shopspring/decimal"
)

func stockRecord(product, warehouse string, qty, reserved int64) erp.Record {
	return erp.Record{
		Kind:       erp.KindStock,
		ExternalID: product + "#" + warehouse,
		Attributes: erp.Attributes{
			erp.AttrProduct:   product,
			erp.AttrWarehouse: warehouse,
			erp.AttrReserved:  map[string]decimal.Decimal{warehouse: decimal.NewFromInt(reserved)},
		},
		WarehouseQuantities: map[string]decimal.Decimal{warehouse: decimal.NewFromInt(qty)},
	}
}

func TestStockSync(t *testing.T) {
	tests := []struct {
		name       string
		mode       Mode
		wantZeroed int
	}{
		{"full_zeroes_absent_pairs", ModeFull, 1},
		{"incremental_keeps_absent_pairs", ModeIncremental, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStockStore()
			old := StockRow{ProductExternalID: "old", WarehouseExternalID: "w9", Quantity: decimal.NewFromInt(4)}
			store.rows[old.Key()] = old
			store.at[old.Key()] = time.Now().Add(-24 * time.Hour)

			noProduct := erp.Record{Kind: erp.KindStock, ExternalID: "x", Attributes: erp.Attributes{}}
			src := &fakeSource{records: []erp.Record{
				stockRecord("p1", "w1", 5, 2),
				stockRecord("p1", "w2", 3, 0),
				stockRecord("p1", "w1", 7, 1),
				noProduct,
			}}
			flow := NewStockSync(&staticStockFeed{src: src}, store, testLogger())
			svc := NewService(loadAll, Flows{Stock: flow}, newRecordingTracker(), nil, nil, testLogger())

			_, res, err := svc.Run(context.Background(), Params{Type: TypeStock, Mode: tt.mode})
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if res.Created != 2 || res.Failed != 1 {
				t.Fatalf("created=%d failed=%d errors=%v", res.Created, res.Failed, res.Errors)
			}
			if res.Deactivated != tt.wantZeroed {
				t.Fatalf("zeroed = %d, want %d", res.Deactivated, tt.wantZeroed)
			}
			row := store.rows["p1#w1"]
			if !row.Quantity.Equal(decimal.NewFromInt(7)) || !row.Reserved.Equal(decimal.NewFromInt(1)) {
				t.Fatalf("last row in batch must win, got qty=%s reserved=%s", row.Quantity, row.Reserved)
			}
			if tt.mode == ModeIncremental && !store.rows["old#w9"].Quantity.Equal(decimal.NewFromInt(4)) {
				t.Fatal("incremental run touched an absent pair")
			}
		})
	}
}

type staticStockFeed struct{ src Source }

func (f *staticStockFeed) OpenStock(ctx context.Context, p Params) (Source, error) { return f.src, nil }

func saleRecord(doc, line string, soldAt time.Time, amount int64, card string) erp.Record {
	attrs := erp.Attributes{
		erp.AttrDocument: doc,
		erp.AttrLine:     line,
		erp.AttrSoldAt:   soldAt,
		erp.AttrProduct:  "P1",
		erp.AttrQuantity: decimal.NewFromInt(1),
		erp.AttrAmount:   decimal.NewFromInt(amount),
		erp.AttrDeleted:  false,
	}
	if card != "" {
		attrs[erp.AttrCard] = card
	}
	return erp.Record{Kind: erp.KindSale, ExternalID: doc + "#" + line, Attributes: attrs}
}

func day(m time.Month, d int) time.Time {
	return time.Date(2026, m, d, 0, 0, 0, 0, time.UTC)
}

func TestSalesSync_FullWindowDeactivatesOnlyInsideWindow(t *testing.T) {
	store := newFakeSalesStore()
	store.rows["D0#1"] = SaleRow{ExternalID: "D0#1", SoldAt: day(time.October, 3), Active: true}
	store.rows["D9#1"] = SaleRow{ExternalID: "D9#1", SoldAt: day(time.September, 1), Active: true}

	undated := erp.Record{Kind: erp.KindSale, ExternalID: "D3#1", Attributes: erp.Attributes{}}
	src := &fakeSource{records: []erp.Record{
		saleRecord("D1", "1", day(time.October, 2), 100, ""),
		saleRecord("D1", "2", day(time.October, 2), 50, ""),
		saleRecord("D2", "1", day(time.October, 5), 70, ""),
		undated,
	}}
	feed := &fakeSalesFeed{sales: src}
	flow := NewSalesSync(feed, store, 7, testLogger())
	svc := NewService(loadAll, Flows{Sales: flow}, newRecordingTracker(), nil, nil, testLogger())
	p := Params{Type: TypeSales, Mode: ModeFull, From: day(time.October, 1), To: day(time.October, 8)}

	_, res, err := svc.Run(context.Background(), p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !feed.gotFrom.Equal(p.From) || !feed.gotTo.Equal(p.To) {
		t.Fatalf("window = %s..%s", feed.gotFrom, feed.gotTo)
	}
	if res.Created != 3 || res.Failed != 1 || res.Deactivated != 1 {
		t.Fatalf("created=%d failed=%d deactivated=%d", res.Created, res.Failed, res.Deactivated)
	}
	if store.rows["D0#1"].Active {
		t.Fatal("line inside the window and absent from ERP must be deactivated")
	}
	if !store.rows["D9#1"].Active {
		t.Fatal("line outside the window must be untouched")
	}

	src.calls = 0
	_, res, err = svc.Run(context.Background(), p)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res.Created != 0 || res.Skipped != 3 {
		t.Fatalf("re-sync must update in place: created=%d skipped=%d", res.Created, res.Skipped)
	}
	if len(store.rows) != 5 {
		t.Fatalf("rows = %d, want 5", len(store.rows))
	}
}

func TestWindow(t *testing.T) {
	now := time.Date(2026, 10, 17, 15, 0, 0, 0, time.UTC)

	from, to, err := window(Params{}, now, 7)
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	if !from.Equal(day(time.October, 11)) || !to.Equal(day(time.October, 18)) {
		t.Fatalf("default window = %s..%s", from, to)
	}

	if _, _, err := window(Params{From: day(time.October, 9), To: day(time.October, 9)}, now, 7); !errors.Is(err, ErrBadWindow) {
		t.Fatalf("expected ErrBadWindow, got %v", err)
	}
}

func TestCustomerSync(t *testing.T) {
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	customers := newFakeCustomerStore(
		reconcile.Customer{ID: 5, Phone: "+79161234567", Name: "Anna"},
		reconcile.Customer{ID: 7, CardExternalID: "OTHER", Phone: "+79265554433"},
	)
	sales := newFakeSalesStore()

	card := func(id, phone string) erp.Record {
		return erp.Record{Kind: erp.KindCard, ExternalID: id, Name: "Card " + id, Attributes: erp.Attributes{
			erp.AttrPhone:      phone,
			erp.AttrCardNumber: "N-" + id,
		}}
	}
	c1 := card("C1", "8 916 123-45-67")
	c1.Attributes[erp.AttrBonus] = decimal.NewFromInt(150)
	feed := &fakeSalesFeed{
		cards: &fakeSource{records: []erp.Record{c1, card("C2", ""), card("C3", "+7 926 555 44 33")}},
		history: map[string][]erp.Record{
			"C1": {
				saleRecord("D1", "1", day(time.October, 1), 1000, "C1"),
				saleRecord("D1", "2", day(time.October, 1), 500, "C1"),
				saleRecord("D2", "1", day(time.October, 10), 2000, "C1"),
			},
		},
	}
	flow := NewCustomerSync(feed, customers, sales, 365, "RU", testLogger())
	flow.now = func() time.Time { return now }
	svc := NewService(loadAll, Flows{Customers: flow}, newRecordingTracker(), nil, nil, testLogger())

	_, res, err := svc.Run(context.Background(), Params{Type: TypeCustomers, Mode: ModeIncremental})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Updated != 1 || res.Created != 1 || res.Skipped != 1 {
		t.Fatalf("updated=%d created=%d skipped=%d errors=%v", res.Updated, res.Created, res.Skipped, res.Errors)
	}
	if customers.customers[5].CardExternalID != "C1" {
		t.Fatal("card C1 must link to the customer found by phone")
	}
	if customers.customers[7].CardExternalID != "OTHER" {
		t.Fatal("conflicting card must not relink another customer")
	}
	if len(feed.historyCalls) != 2 {
		t.Fatalf("history fetched for %v, want C1 and C2", feed.historyCalls)
	}
	if res.HistoryLines != 3 || len(sales.rows) != 3 {
		t.Fatalf("history lines = %d, stored = %d", res.HistoryLines, len(sales.rows))
	}

	got := customers.stats[5]
	if got.stats.Orders != 2 || !got.stats.Total.Equal(decimal.NewFromInt(3500)) {
		t.Fatalf("stats = %+v", got.stats)
	}
	if !got.stats.LastPurchase.Equal(day(time.October, 10)) || !got.stats.BonusBalance.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("stats = %+v", got.stats)
	}
	if got.segment != reconcile.SegmentNew {
		t.Fatalf("segment = %s", got.segment)
	}
	if customers.stats[8].segment != reconcile.SegmentProspect {
		t.Fatalf("new card without purchases: segment = %q", customers.stats[8].segment)
	}
}

func TestCustomerSync_StopsBetweenHistoryPages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	customers := newFakeCustomerStore()
	sales := newFakeSalesStore()
	var lines []erp.Record
	for i := 0; i < 5; i++ {
		lines = append(lines, saleRecord(fmt.Sprintf("D%d", i), "1", day(time.October, i+1), 100, "C1"))
	}
	feed := &fakeSalesFeed{
		cards:       &fakeSource{records: []erp.Record{{Kind: erp.KindCard, ExternalID: "C1", Name: "Card C1", Attributes: erp.Attributes{}}}},
		history:     map[string][]erp.Record{"C1": lines},
		historyPage: 2,
		onHistory:   func(string) { cancel() },
	}
	flow := NewCustomerSync(feed, customers, sales, 365, "RU", testLogger())
	flow.now = func() time.Time { return time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC) }
	svc := NewService(loadAll, Flows{Customers: flow}, newRecordingTracker(), nil, nil, testLogger())

	_, _, err := svc.Run(ctx, Params{Type: TypeCustomers, Mode: ModeIncremental})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(sales.rows) != 2 {
		t.Fatalf("stored history lines = %d, want only the first page", len(sales.rows))
	}
	if len(customers.stats) != 0 {
		t.Fatalf("stats saved for an unfinished history: %v", customers.stats)
	}
}
