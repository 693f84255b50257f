// Package erp holds the normalized record shape both ERP connectors emit.
//
// A Record has a typed identity core (external id, code, name, parent) and an
// open attribute map for everything the ERP sends beyond that core. Code outside
// the connectors reads attributes only through the typed accessors below.
package erp

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind tells which local entity type a record maps to.
type Kind string

const (
	KindSection Kind = "section"
	KindProduct Kind = "product"
	KindStock   Kind = "stock"
	KindSale    Kind = "sale"
	KindCard    Kind = "card"
)

// Well-known attribute keys. Connectors translate ERP field names into these.
const (
	AttrArticle     = "article"
	AttrDescription = "description"
	AttrPrice       = "price"
	AttrCurrency    = "currency"
	AttrSection     = "section_id"
	AttrBrand       = "brand"
	AttrCategory    = "category"
	AttrUnit        = "unit"
	AttrCountry     = "country"
	AttrBarcode     = "barcode"
	AttrImages      = "images"
	AttrSpecs       = "specs"
	AttrDeleted     = "deleted"
	AttrReserved    = "reserved"

	AttrSoldAt    = "sold_at"
	AttrDocument  = "document_id"
	AttrLine      = "line_no"
	AttrProduct   = "product_id"
	AttrWarehouse = "warehouse_id"
	AttrCard      = "card_id"
	AttrQuantity  = "quantity"
	AttrAmount    = "amount"
	AttrDiscount  = "discount"

	AttrPhone      = "phone"
	AttrCardNumber = "card_number"
	AttrBonus      = "bonus_balance"
	AttrOwner      = "owner_id"
)

// Record is one ERP entity after normalization.
type Record struct {
	Kind             Kind
	ExternalID       string
	ExternalCode     string
	Name             string
	ParentExternalID string
	Attributes       Attributes
	// WarehouseQuantities maps warehouse external id to on-hand quantity.
	WarehouseQuantities map[string]decimal.Decimal
}

// IsVariant reports whether the record is a characteristic of another record.
func (r Record) IsVariant() bool {
	return strings.TrimSpace(r.ParentExternalID) != ""
}

// Article returns the vendor article, if the ERP sent one.
func (r Record) Article() string {
	return r.Attributes.String(AttrArticle)
}

// Reserved returns the reserved quantity for a warehouse.
func (r Record) Reserved(warehouseID string) decimal.Decimal {
	raw, ok := r.Attributes[AttrReserved]
	if !ok {
		return decimal.Zero
	}
	switch m := raw.(type) {
	case map[string]decimal.Decimal:
		return m[warehouseID]
	case map[string]any:
		if d, ok := toDecimal(m[warehouseID]); ok {
			return d
		}
	}
	return decimal.Zero
}

// Attributes is the open part of a record. Values are strings, decimals,
// times, bools, string slices or string maps.
type Attributes map[string]any

// Clone returns a shallow copy.
func (a Attributes) Clone() Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// String returns the attribute as a trimmed string, or "".
func (a Attributes) String(key string) string {
	v, ok := a[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case decimal.Decimal:
		return t.String()
	case fmt.Stringer:
		return strings.TrimSpace(t.String())
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

// Decimal returns the attribute as a decimal.
func (a Attributes) Decimal(key string) (decimal.Decimal, bool) {
	return toDecimal(a[key])
}

// Time returns the attribute as a time.
func (a Attributes) Time(key string) (time.Time, bool) {
	switch t := a[key].(type) {
	case time.Time:
		return t, !t.IsZero()
	case string:
		parsed, err := ParseTime(t, time.Local)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	}
	return time.Time{}, false
}

// Bool returns the attribute as a bool.
func (a Attributes) Bool(key string) bool {
	switch t := a[key].(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(t, "true") || t == "1"
	}
	return false
}

// Strings returns the attribute as a string slice.
func (a Attributes) Strings(key string) []string {
	switch t := a[key].(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, v := range t {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	}
	return nil
}

// StringMap returns the attribute as a string map.
func (a Attributes) StringMap(key string) map[string]string {
	switch t := a[key].(type) {
	case map[string]string:
		return t
	case map[string]any:
		out := make(map[string]string, len(t))
		for k, v := range t {
			out[k] = fmt.Sprint(v)
		}
		return out
	}
	return nil
}

// ParseDecimal reads a number from a JSON number, string or decimal. Comma
// decimal separators and spaces used as thousands separators are accepted.
func ParseDecimal(v any) (decimal.Decimal, bool) {
	return toDecimal(v)
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case decimal.Decimal:
		return t, true
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		return d, err == nil
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(t), ",", ".")
		s = strings.ReplaceAll(s, " ", "")
		if s == "" {
			return decimal.Zero, false
		}
		d, err := decimal.NewFromString(s)
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(t), true
	case int:
		return decimal.NewFromInt(int64(t)), true
	case int64:
		return decimal.NewFromInt(t), true
	}
	return decimal.Zero, false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime parses the date formats seen in ERP payloads. Values without a
// zone are read in loc.
func ParseTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time")
	}
	if loc == nil {
		loc = time.Local
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time format %q", s)
}

// DedupeLast collapses records sharing an external id, keeping the last
// occurrence at the position of the last occurrence.
func DedupeLast(records []Record) []Record {
	if len(records) < 2 {
		return records
	}
	last := make(map[string]int, len(records))
	for i, r := range records {
		last[r.ExternalID] = i
	}
	if len(last) == len(records) {
		return records
	}
	out := make([]Record, 0, len(last))
	for i, r := range records {
		if last[r.ExternalID] == i {
			out = append(out, r)
		}
	}
	return out
}

// ParentsFirst orders a batch so records without a parent precede variants.
// The relative order inside each group is preserved.
func ParentsFirst(records []Record) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if !r.IsVariant() {
			out = append(out, r)
		}
	}
	for _, r := range records {
		if r.IsVariant() {
			out = append(out, r)
		}
	}
	return out
}

// Page is one fetched batch plus the cursor to resume from.
type Page struct {
	Records []Record
	// Invalid holds rows the connector could not normalize. They count as
	// failed items, not as a connector failure.
	Invalid []error
	Next    int
	Done    bool
}
