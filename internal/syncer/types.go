// Package syncer runs the batch sync flows: it pulls pages from a connector,
// reconciles them against the local store and persists each batch in its own
// transaction while reporting progress.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"erpsync/internal/erp"
)

// Type names a sync flow.
type Type string

const (
	TypeCatalog   Type = "catalog"
	TypeStock     Type = "stock"
	TypeSales     Type = "sales"
	TypeCustomers Type = "customers"
)

// AllTypes lists the flows in their nightly order.
var AllTypes = []Type{TypeCatalog, TypeStock, TypeSales, TypeCustomers}

// ParseType validates a sync type name.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllTypes {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
}

// Mode selects full or incremental semantics.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeIncremental:
		return ModeIncremental, nil
	case ModeFull:
		return ModeFull, nil
	default:
		return "", fmt.Errorf("unknown sync mode %q", s)
	}
}

var (
	ErrUnknownType    = errors.New("unknown sync type")
	ErrAlreadyRunning = errors.New("sync already running")
	ErrQueueFull      = errors.New("sync queue is full")
	ErrBadWindow      = errors.New("invalid date window")
)

// Params describe one run. From/To bound the sales and history windows
// (To exclusive); zero values fall back to configured trailing windows.
type Params struct {
	Type Type
	Mode Mode
	From time.Time
	To   time.Time
}

func (p Params) Full() bool { return p.Mode == ModeFull }

// Labels renders the params for the task registry.
func (p Params) Labels() map[string]string {
	out := map[string]string{"mode": string(p.Mode)}
	if !p.From.IsZero() {
		out["from"] = p.From.Format("2006-01-02")
	}
	if !p.To.IsZero() {
		out["to"] = p.To.Format("2006-01-02")
	}
	return out
}

// Source is a paginated stream of ERP records addressed by offset.
type Source interface {
	Fetch(ctx context.Context, cursor, limit int) (erp.Page, error)
	Count(ctx context.Context) (int, error)
	Name() string
}

const maxResultErrors = 50

// Result holds the cumulative counters of a run.
type Result struct {
	Type           Type     `json:"type"`
	Mode           Mode     `json:"mode"`
	TotalProcessed int      `json:"total_processed"`
	Created        int      `json:"created"`
	Updated        int      `json:"updated"`
	Skipped        int      `json:"skipped"`
	Failed         int      `json:"failed_items"`
	Deactivated    int      `json:"deactivated"`
	Batches        int      `json:"batches"`
	HistoryLines   int      `json:"history_lines,omitempty"`
	Capped         bool     `json:"capped,omitempty"`
	Unchanged      bool     `json:"source_unchanged,omitempty"`
	Errors         []string `json:"errors,omitempty"`
}

func (r *Result) fail(err error) {
	r.Failed++
	r.note(err)
}

func (r *Result) note(err error) {
	if err != nil && len(r.Errors) < maxResultErrors {
		r.Errors = append(r.Errors, err.Error())
	}
}

func (r *Result) count(o Outcome) {
	switch o {
	case OutcomeCreated:
		r.Created++
	case OutcomeUpdated:
		r.Updated++
	case OutcomeUnchanged:
		r.Skipped++
	}
}
