package reconcile

import (
	"sort"

	"erpsync/internal/erp"
)

// VariantQueue holds variants whose parent has not been committed yet.
// Queued records are re-offered after every batch; a later record with the
// same external id replaces the queued one.
type VariantQueue struct {
	pending map[string]erp.Record
	order   []string
}

func NewVariantQueue() *VariantQueue {
	return &VariantQueue{pending: make(map[string]erp.Record)}
}

func (q *VariantQueue) Push(rec erp.Record) {
	if _, ok := q.pending[rec.ExternalID]; !ok {
		q.order = append(q.order, rec.ExternalID)
	}
	q.pending[rec.ExternalID] = rec
}

// Drop removes a queued record, used when a newer copy was applied directly.
func (q *VariantQueue) Drop(externalID string) {
	if _, ok := q.pending[externalID]; !ok {
		return
	}
	delete(q.pending, externalID)
	q.compact()
}

// Ready removes and returns, in arrival order, the queued records whose
// parent idx now knows.
func (q *VariantQueue) Ready(idx Lookup) []erp.Record {
	var ready []erp.Record
	for _, id := range q.order {
		rec, ok := q.pending[id]
		if !ok {
			continue
		}
		if _, ok := idx.ByExternalID(rec.ParentExternalID); ok {
			ready = append(ready, rec)
			delete(q.pending, id)
		}
	}
	if len(ready) > 0 {
		q.compact()
	}
	return ready
}

// Remaining returns what is still queued, in arrival order.
func (q *VariantQueue) Remaining() []erp.Record {
	out := make([]erp.Record, 0, len(q.pending))
	for _, id := range q.order {
		if rec, ok := q.pending[id]; ok {
			out = append(out, rec)
		}
	}
	return out
}

func (q *VariantQueue) Len() int { return len(q.pending) }

func (q *VariantQueue) compact() {
	order := q.order[:0]
	for _, id := range q.order {
		if _, ok := q.pending[id]; ok {
			order = append(order, id)
		}
	}
	q.order = order
}

// Seen collects the external ids observed during a full run. Local rows not
// in it are deactivated when the run completes.
type Seen struct {
	ids map[string]struct{}
}

func NewSeen() *Seen {
	return &Seen{ids: make(map[string]struct{})}
}

func (s *Seen) Add(id string) {
	if id != "" {
		s.ids[id] = struct{}{}
	}
}

func (s *Seen) Has(id string) bool {
	_, ok := s.ids[id]
	return ok
}

func (s *Seen) Len() int { return len(s.ids) }

// IDs returns the set sorted.
func (s *Seen) IDs() []string {
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
