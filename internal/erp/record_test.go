package erp

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestDedupeLast_KeepsLaterRecord(t *testing.T) {
	in := []Record{
		{ExternalID: "A", Name: "first"},
		{ExternalID: "B", Name: "b"},
		{ExternalID: "A", Name: "second"},
	}
	out := DedupeLast(in)
	if len(out) != 2 {
		t.Fatalf("expected 2 records, got %d", len(out))
	}
	if out[0].ExternalID != "B" || out[1].Name != "second" {
		t.Fatalf("unexpected order: %+v", out)
	}
}

func TestParentsFirst(t *testing.T) {
	in := []Record{
		{ExternalID: "V1", ParentExternalID: "P1"},
		{ExternalID: "P1"},
		{ExternalID: "V2", ParentExternalID: "P1"},
		{ExternalID: "P2"},
	}
	out := ParentsFirst(in)
	want := []string{"P1", "P2", "V1", "V2"}
	for i, id := range want {
		if out[i].ExternalID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, out[i].ExternalID)
		}
	}
}

func TestAttributes_Accessors(t *testing.T) {
	attrs := Attributes{
		AttrPrice:   json.Number("12.50"),
		AttrArticle: "  ART-1 ",
		AttrImages:  []any{"a.jpg", "b.jpg"},
		AttrSoldAt:  "2026-10-16T10:30:00",
		AttrReserved: map[string]decimal.Decimal{
			"W1": decimal.NewFromInt(2),
		},
	}

	price, ok := attrs.Decimal(AttrPrice)
	if !ok || !price.Equal(decimal.RequireFromString("12.5")) {
		t.Fatalf("price: got %s ok=%v", price, ok)
	}
	if got := attrs.String(AttrArticle); got != "ART-1" {
		t.Fatalf("article: got %q", got)
	}
	if got := attrs.Strings(AttrImages); len(got) != 2 {
		t.Fatalf("images: got %v", got)
	}
	soldAt, ok := attrs.Time(AttrSoldAt)
	if !ok || soldAt.Hour() != 10 {
		t.Fatalf("sold_at: got %v ok=%v", soldAt, ok)
	}
	rec := Record{Attributes: attrs}
	if got := rec.Reserved("W1"); !got.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("reserved: got %s", got)
	}
	if got := rec.Reserved("W2"); !got.IsZero() {
		t.Fatalf("reserved for unknown warehouse: got %s", got)
	}
}

func TestParseTime_Formats(t *testing.T) {
	tests := []struct {
		name  string
		input string
		ok    bool
	}{
		{"rfc3339", "2026-10-16T10:00:00Z", true},
		{"erp_no_zone", "2026-10-16T10:00:00", true},
		{"date_only", "2026-10-16", true},
		{"empty", "", false},
		{"garbage", "yesterday", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTime(tt.input, time.UTC)
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Fatalf("expected error for %q", tt.input)
			}
		})
	}
}
