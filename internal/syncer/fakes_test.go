package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"erpsync/internal/erp"
	"erpsync/internal/progress"
	"erpsync/internal/reconcile"

	"github.com/shopspring/decimal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSource pages over records the way the OData client does: a page
// shorter than the limit is the last one.
type fakeSource struct {
	mu      sync.Mutex
	name    string
	records []erp.Record
	calls   int
	// failAt makes the n-th Fetch (1-based) return err.
	failAt int
	err    error
	// gate, when set, blocks every Fetch until it is closed.
	gate chan struct{}
	// pageSize replaces an unbounded limit.
	pageSize int
}

func (s *fakeSource) Fetch(ctx context.Context, cursor, limit int) (erp.Page, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return erp.Page{}, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failAt > 0 && s.calls == s.failAt {
		return erp.Page{}, s.err
	}
	if limit <= 0 && s.pageSize > 0 {
		limit = s.pageSize
	}
	if limit <= 0 {
		limit = len(s.records) + 1
	}
	end := cursor + limit
	if end > len(s.records) {
		end = len(s.records)
	}
	if cursor > end {
		cursor = end
	}
	page := s.records[cursor:end]
	return erp.Page{Records: page, Next: end, Done: len(page) < limit}, nil
}

func (s *fakeSource) Count(ctx context.Context) (int, error) { return len(s.records), nil }

func (s *fakeSource) Name() string {
	if s.name == "" {
		return "fake"
	}
	return s.name
}

func (s *fakeSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type staticCatalogFeed struct {
	sections Source
	products []Source
}

func (f *staticCatalogFeed) OpenCatalog(ctx context.Context, p Params) (*CatalogSources, error) {
	sections := f.sections
	if sections == nil {
		sections = &fakeSource{name: "sections"}
	}
	return &CatalogSources{Sections: sections, Products: f.products}, nil
}

// fakeCatalogStore keeps rows in memory and round-trips fields through JSON
// like a JSON column would.
type fakeCatalogStore struct {
	mu         sync.Mutex
	nextID     uint
	rows       map[erp.Kind]map[string]*reconcile.Entity
	recordErrs map[string]error
	applyCalls int
	// onApply runs before each ApplyCatalog; a non-nil error aborts the batch.
	onApply func(call int) error
}

func newFakeCatalogStore() *fakeCatalogStore {
	return &fakeCatalogStore{
		rows:       map[erp.Kind]map[string]*reconcile.Entity{erp.KindSection: {}, erp.KindProduct: {}},
		recordErrs: map[string]error{},
	}
}

func jsonFields(a erp.Attributes) erp.Attributes {
	raw, _ := json.Marshal(a)
	var out erp.Attributes
	_ = json.Unmarshal(raw, &out)
	return out
}

func (s *fakeCatalogStore) seed(kind erp.Kind, e reconcile.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	e.ID = s.nextID
	e.Fields = jsonFields(e.Fields)
	s.rows[kind][e.ExternalID] = &e
}

func (s *fakeCatalogStore) get(kind erp.Kind, externalID string) (reconcile.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[kind][externalID]
	if !ok {
		return reconcile.Entity{}, false
	}
	return *e, true
}

func (s *fakeCatalogStore) count(kind erp.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows[kind])
}

// The catalog fake fails on a done context the way a gorm call made
// WithContext does.
func (s *fakeCatalogStore) CatalogIndex(ctx context.Context, kind erp.Kind, records []erp.Record) (*reconcile.MapIndex, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entities := make([]reconcile.Entity, 0, len(s.rows[kind]))
	for _, e := range s.rows[kind] {
		cp := *e
		cp.Fields = jsonFields(e.Fields)
		entities = append(entities, cp)
	}
	return reconcile.NewMapIndex(entities...), nil
}

func (s *fakeCatalogStore) ApplyCatalog(ctx context.Context, kind erp.Kind, actions []reconcile.Action, syncedAt time.Time) ([]ItemResult, error) {
	s.mu.Lock()
	s.applyCalls++
	call := s.applyCalls
	hook := s.onApply
	s.mu.Unlock()
	if hook != nil {
		if err := hook(call); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	results := make([]ItemResult, len(actions))
	for i, act := range actions {
		if err := s.recordErrs[act.Record.ExternalID]; err != nil {
			results[i] = ItemResult{Outcome: OutcomeFailed, Err: err}
			continue
		}
		var row *reconcile.Entity
		outcome := OutcomeUpdated
		for _, e := range s.rows[kind] {
			if act.TargetID != 0 && e.ID == act.TargetID {
				row = e
				break
			}
		}
		if row == nil {
			s.nextID++
			row = &reconcile.Entity{ID: s.nextID}
			outcome = OutcomeCreated
		} else {
			delete(s.rows[kind], row.ExternalID)
		}
		row.ExternalID = act.Record.ExternalID
		if act.Record.ExternalCode != "" {
			row.ExternalCode = act.Record.ExternalCode
		}
		row.ParentExternalID = act.Record.ParentExternalID
		row.Name = act.Name
		row.Active = act.Active
		row.Hash = act.Hash
		row.Fields = jsonFields(act.Merged)
		s.rows[kind][row.ExternalID] = row
		results[i] = ItemResult{ID: row.ID, Outcome: outcome}
	}
	return results, nil
}

func (s *fakeCatalogStore) DeactivateCatalogNotIn(ctx context.Context, kind erp.Kind, seen []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	keep := make(map[string]bool, len(seen))
	for _, id := range seen {
		keep[id] = true
	}
	n := 0
	for id, e := range s.rows[kind] {
		if e.Active && !keep[id] {
			e.Active = false
			n++
		}
	}
	return n, nil
}

type fakeStockStore struct {
	mu   sync.Mutex
	rows map[string]StockRow
	at   map[string]time.Time
}

func newFakeStockStore() *fakeStockStore {
	return &fakeStockStore{rows: map[string]StockRow{}, at: map[string]time.Time{}}
}

func (s *fakeStockStore) UpsertStock(ctx context.Context, rows []StockRow, syncedAt time.Time) ([]ItemResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ItemResult, len(rows))
	for i, r := range rows {
		prev, ok := s.at[r.Key()]
		switch {
		case !ok:
			out[i] = ItemResult{Outcome: OutcomeCreated}
		case syncedAt.Before(prev):
			out[i] = ItemResult{Outcome: OutcomeUnchanged}
			continue
		default:
			out[i] = ItemResult{Outcome: OutcomeUpdated}
		}
		s.rows[r.Key()] = r
		s.at[r.Key()] = syncedAt
	}
	return out, nil
}

func (s *fakeStockStore) ZeroStockNotIn(ctx context.Context, seen []string, syncedAt time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keep := make(map[string]bool, len(seen))
	for _, k := range seen {
		keep[k] = true
	}
	n := 0
	for k, r := range s.rows {
		if keep[k] || r.Quantity.IsZero() && r.Reserved.IsZero() {
			continue
		}
		r.Quantity, r.Reserved = decimal.Zero, decimal.Zero
		s.rows[k] = r
		s.at[k] = syncedAt
		n++
	}
	return n, nil
}

type fakeSalesStore struct {
	mu   sync.Mutex
	rows map[string]SaleRow
}

func newFakeSalesStore() *fakeSalesStore {
	return &fakeSalesStore{rows: map[string]SaleRow{}}
}

func (s *fakeSalesStore) UpsertSales(ctx context.Context, rows []SaleRow, syncedAt time.Time) ([]ItemResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ItemResult, len(rows))
	for i, r := range rows {
		prev, ok := s.rows[r.ExternalID]
		switch {
		case !ok:
			out[i] = ItemResult{Outcome: OutcomeCreated}
		case prev.Hash == r.Hash && prev.Active == r.Active:
			out[i] = ItemResult{Outcome: OutcomeUnchanged}
		default:
			out[i] = ItemResult{Outcome: OutcomeUpdated}
		}
		s.rows[r.ExternalID] = r
	}
	return out, nil
}

func (s *fakeSalesStore) DeactivateSalesNotIn(ctx context.Context, from, to time.Time, seen []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keep := make(map[string]bool, len(seen))
	for _, id := range seen {
		keep[id] = true
	}
	n := 0
	for id, r := range s.rows {
		if keep[id] || !r.Active || r.SoldAt.Before(from) || !r.SoldAt.Before(to) {
			continue
		}
		r.Active = false
		s.rows[id] = r
		n++
	}
	return n, nil
}

type savedStats struct {
	stats   reconcile.PurchaseStats
	segment string
}

type fakeCustomerStore struct {
	mu        sync.Mutex
	nextID    uint
	customers map[uint]*reconcile.Customer
	stats     map[uint]savedStats
}

func newFakeCustomerStore(seed ...reconcile.Customer) *fakeCustomerStore {
	s := &fakeCustomerStore{customers: map[uint]*reconcile.Customer{}, stats: map[uint]savedStats{}}
	for _, c := range seed {
		c := c
		s.customers[c.ID] = &c
		if c.ID > s.nextID {
			s.nextID = c.ID
		}
	}
	return s
}

func (s *fakeCustomerStore) CustomerIndex(ctx context.Context, cardIDs, phones []string) (*reconcile.CustomerIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := reconcile.NewCustomerIndex()
	for _, c := range s.customers {
		idx.Put(*c)
	}
	return idx, nil
}

func (s *fakeCustomerStore) ApplyCustomers(ctx context.Context, changes []CustomerChange, syncedAt time.Time) ([]ItemResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ItemResult, len(changes))
	for i, ch := range changes {
		c, ok := s.customers[ch.Action.TargetID]
		outcome := OutcomeUpdated
		if ch.Action.Kind == reconcile.Insert || !ok {
			s.nextID++
			c = &reconcile.Customer{ID: s.nextID}
			s.customers[c.ID] = c
			outcome = OutcomeCreated
		}
		c.CardExternalID = ch.CardID
		if ch.Phone != "" {
			c.Phone = ch.Phone
		}
		if ch.Name != "" {
			c.Name = ch.Name
		}
		out[i] = ItemResult{ID: c.ID, Outcome: outcome}
	}
	return out, nil
}

func (s *fakeCustomerStore) SaveCustomerStats(ctx context.Context, customerID uint, stats reconcile.PurchaseStats, segment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats[customerID] = savedStats{stats: stats, segment: segment}
	return nil
}

type fakeSalesFeed struct {
	sales        Source
	cards        Source
	history      map[string][]erp.Record
	gotFrom      time.Time
	gotTo        time.Time
	historyCalls []string
	historyPage  int
	onHistory    func(cardID string)
}

func (f *fakeSalesFeed) OpenSales(ctx context.Context, from, to time.Time) (Source, error) {
	f.gotFrom, f.gotTo = from, to
	return f.sales, nil
}

func (f *fakeSalesFeed) OpenCards(ctx context.Context) (Source, error) {
	return f.cards, nil
}

func (f *fakeSalesFeed) OpenHistory(ctx context.Context, cardID string, from, to time.Time) (Source, error) {
	f.historyCalls = append(f.historyCalls, cardID)
	if f.onHistory != nil {
		f.onHistory(cardID)
	}
	return &fakeSource{name: "history " + cardID, records: f.history[cardID], pageSize: f.historyPage}, nil
}

// recordingTracker remembers every progress value a task reports.
type recordingTracker struct {
	*progress.Tracker
	mu   sync.Mutex
	seen []int
}

func newRecordingTracker() *recordingTracker {
	return &recordingTracker{Tracker: progress.New(time.Hour)}
}

func (r *recordingTracker) UpdateProgress(id string, percent, current, total int, step, logLine string) error {
	err := r.Tracker.UpdateProgress(id, percent, current, total, step, logLine)
	if snap, gerr := r.Tracker.Get(id); gerr == nil {
		r.mu.Lock()
		r.seen = append(r.seen, snap.Progress)
		r.mu.Unlock()
	}
	return err
}

func (r *recordingTracker) progressSeen() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.seen...)
}

func productRecords(n int) []erp.Record {
	out := make([]erp.Record, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, erp.Record{
			Kind:         erp.KindProduct,
			ExternalID:   fmt.Sprintf("P%04d", i),
			ExternalCode: fmt.Sprintf("C%04d", i),
			Name:         fmt.Sprintf("Product %d", i),
			Attributes: erp.Attributes{
				erp.AttrPrice:   decimal.NewFromInt(int64(100 + i)),
				erp.AttrDeleted: false,
			},
		})
	}
	return out
}

func sortedKeys[T any](m map[string]T) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
