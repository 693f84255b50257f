package reconcile

import (
	"strings"
	"time"

	"erpsync/internal/erp"

	"github.com/shopspring/decimal"
	"github.com/ttacon/libphonenumber"
)

// Customer is the local view of a customer identity.
type Customer struct {
	ID             uint
	CardExternalID string
	Phone          string
	Name           string
}

// CustomerLookup finds customers by their two identity keys. Names are never
// used for matching.
type CustomerLookup interface {
	ByCard(cardID string) (Customer, bool)
	ByPhone(e164 string) (Customer, bool)
}

// Match keys for customers.
const (
	MatchCard  = "card"
	MatchPhone = "phone"
)

// CustomerAction is the decision for one discount card.
type CustomerAction struct {
	Kind      ActionKind
	TargetID  uint
	MatchedBy string
	Phone     string
	// Conflict is set when the phone belongs to a customer linked to a
	// different card; such cards are skipped.
	Conflict bool
}

// NormalizePhone returns the E.164 form of raw, interpreting national numbers
// in region.
func NormalizePhone(raw, region string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if region == "" {
		region = "RU"
	}
	p, err := libphonenumber.Parse(raw, strings.ToUpper(region))
	if err != nil || !libphonenumber.IsValidNumber(p) {
		return "", false
	}
	return libphonenumber.Format(p, libphonenumber.E164), true
}

// MatchCustomer resolves a card record: by card id, then by normalized phone.
func MatchCustomer(rec erp.Record, idx CustomerLookup, region string) CustomerAction {
	phone, _ := NormalizePhone(rec.Attributes.String(erp.AttrPhone), region)

	if c, ok := idx.ByCard(rec.ExternalID); ok {
		return CustomerAction{Kind: Update, TargetID: c.ID, MatchedBy: MatchCard, Phone: phone}
	}
	if phone != "" {
		if c, ok := idx.ByPhone(phone); ok {
			if c.CardExternalID != "" && c.CardExternalID != rec.ExternalID {
				return CustomerAction{Kind: Skip, TargetID: c.ID, MatchedBy: MatchPhone, Phone: phone, Conflict: true}
			}
			return CustomerAction{Kind: Update, TargetID: c.ID, MatchedBy: MatchPhone, Phone: phone}
		}
	}
	return CustomerAction{Kind: Insert, Phone: phone}
}

// CustomerIndex is an in-memory CustomerLookup.
type CustomerIndex struct {
	byCard  map[string]Customer
	byPhone map[string]Customer
}

func NewCustomerIndex(customers ...Customer) *CustomerIndex {
	idx := &CustomerIndex{byCard: make(map[string]Customer), byPhone: make(map[string]Customer)}
	for _, c := range customers {
		idx.Put(c)
	}
	return idx
}

func (i *CustomerIndex) Put(c Customer) {
	if c.CardExternalID != "" {
		i.byCard[c.CardExternalID] = c
	}
	if c.Phone != "" {
		i.byPhone[c.Phone] = c
	}
}

func (i *CustomerIndex) ByCard(cardID string) (Customer, bool) {
	c, ok := i.byCard[cardID]
	return c, ok
}

func (i *CustomerIndex) ByPhone(phone string) (Customer, bool) {
	c, ok := i.byPhone[phone]
	return c, ok
}

// Segment labels.
const (
	SegmentProspect = "prospect"
	SegmentNew      = "new"
	SegmentRegular  = "regular"
	SegmentVIP      = "vip"
	SegmentSleeping = "sleeping"
)

// Segment thresholds.
var (
	VIPTotal      = decimal.NewFromInt(100000)
	VIPOrders     = 10
	RegularOrders = 3
	SleepingAfter = 180 * 24 * time.Hour
)

// PurchaseStats are the accumulated facts a segment is computed from.
type PurchaseStats struct {
	Orders        int
	Total         decimal.Decimal
	FirstPurchase time.Time
	LastPurchase  time.Time
	BonusBalance  decimal.Decimal
}

// Segment computes the label for stats as of now. Sleeping takes precedence
// over spend.
func Segment(s PurchaseStats, now time.Time) string {
	if s.Orders == 0 || s.LastPurchase.IsZero() {
		return SegmentProspect
	}
	if now.Sub(s.LastPurchase) > SleepingAfter {
		return SegmentSleeping
	}
	if s.Orders >= VIPOrders || s.Total.GreaterThanOrEqual(VIPTotal) {
		return SegmentVIP
	}
	if s.Orders >= RegularOrders {
		return SegmentRegular
	}
	return SegmentNew
}
