package store

import (
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"erpsync/internal/erp"
	"erpsync/internal/reconcile"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

func TestRecordLevel(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"duplicate", &mysqlDriver.MySQLError{Number: 1062, Message: "Duplicate entry"}, true},
		{"wrapped_fk", fmt.Errorf("write: %w", &mysqlDriver.MySQLError{Number: 1452}), true},
		{"too_long", &mysqlDriver.MySQLError{Number: 1406}, true},
		{"lock_wait", &mysqlDriver.MySQLError{Number: 1205}, false},
		{"connection", mysqlDriver.ErrInvalidConn, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RecordLevel(tt.err); got != tt.want {
				t.Fatalf("RecordLevel(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestAbsent(t *testing.T) {
	candidates := map[uint]string{1: "a", 2: "b", 3: "c", 4: "d"}
	got := absent(candidates, []string{"b", "d", "zz"})
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("absent = %v", got)
	}
	if got := absent(map[uint]string{}, nil); len(got) != 0 {
		t.Fatalf("absent on empty = %v", got)
	}
}

func TestChunks(t *testing.T) {
	items := make([]int, 2500)
	parts := chunks(items, 1000)
	if len(parts) != 3 || len(parts[2]) != 500 {
		t.Fatalf("parts = %d, last = %d", len(parts), len(parts[len(parts)-1]))
	}
	if chunks([]int{}, 10) != nil {
		t.Fatal("empty input must yield no chunks")
	}
}

func TestNonEmpty(t *testing.T) {
	got := nonEmpty([]string{"a", "", "b"}, []string{"a", "c", ""})
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("nonEmpty = %v", got)
	}
}

func TestCatalogRowEntity(t *testing.T) {
	ext := "EXT-1"
	row := catalogRow{
		ID:         7,
		ExternalID: &ext,
		Name:       "Chair",
		Article:    "A-100",
		IsActive:   true,
		SyncHash:   "h",
		Attributes: datatypes.JSON(`{"brand":"Oak","price":"12.50"}`),
	}
	e, err := row.entity()
	if err != nil {
		t.Fatalf("entity: %v", err)
	}
	if e.ExternalID != "EXT-1" || e.Article() != "A-100" || e.Fields.String(erp.AttrBrand) != "Oak" {
		t.Fatalf("entity = %+v", e)
	}
	if price, ok := e.Fields.Decimal(erp.AttrPrice); !ok || !price.Equal(decimal.RequireFromString("12.5")) {
		t.Fatalf("price = %v %v", price, ok)
	}

	local := catalogRow{ID: 8, Name: "Local only", Article: "A-200"}
	e, err = local.entity()
	if err != nil || e.ExternalID != "" || e.Article() != "A-200" {
		t.Fatalf("local row = %+v, %v", e, err)
	}

	broken := catalogRow{ID: 9, Attributes: datatypes.JSON(`{`)}
	if _, err := broken.entity(); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestCatalogValues(t *testing.T) {
	now := time.Date(2026, 10, 17, 2, 0, 0, 0, time.UTC)
	act := reconcile.Action{
		Kind:   reconcile.Update,
		Record: erp.Record{Kind: erp.KindProduct, ExternalID: "P1"},
		Merged: erp.Attributes{
			erp.AttrPrice:   decimal.NewFromInt(99),
			erp.AttrSection: "S1",
			erp.AttrImages:  []string{"a.jpg"},
		},
		Active: true,
		Hash:   "hash",
	}
	values, err := catalogValues(erp.KindProduct, act, now)
	if err != nil {
		t.Fatalf("catalogValues: %v", err)
	}
	if values["name"] != "P1" {
		t.Fatalf("name fallback = %v", values["name"])
	}
	if _, ok := values["external_code"]; ok {
		t.Fatal("empty code must not overwrite the stored one")
	}
	if _, ok := values["description"]; ok {
		t.Fatal("absent description must not erase the stored one")
	}
	if string(values["images"].(datatypes.JSON)) != `["a.jpg"]` {
		t.Fatalf("images = %s", values["images"])
	}
	if values["section_external_id"] != "S1" {
		t.Fatalf("section = %v", values["section_external_id"])
	}

	section, err := catalogValues(erp.KindSection, act, now)
	if err != nil {
		t.Fatalf("section values: %v", err)
	}
	if _, ok := section["price"]; ok {
		t.Fatal("sections have no price column")
	}
}
