package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Customer is a buyer identified by a discount card and/or a phone number.
type Customer struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	CardExternalID *string `gorm:"type:varchar(64);uniqueIndex"` // nil when no card is linked
	CardNumber     string  `gorm:"type:varchar(64)"`
	Phone          *string `gorm:"type:varchar(32);uniqueIndex"` // E.164
	Name           string  `gorm:"type:varchar(255)"`
	IsActive       bool    `gorm:"default:true"`

	BonusBalance  decimal.Decimal `gorm:"type:decimal(15,2)"`
	Orders        int
	TotalSpent    decimal.Decimal `gorm:"type:decimal(15,2)"`
	FirstPurchase *time.Time
	LastPurchase  *time.Time
	Segment       string `gorm:"type:varchar(16);index"`

	LastSyncedAt *time.Time
}

// All lists every model for AutoMigrate.
func All() []any {
	return []any{&CatalogSection{}, &Product{}, &StockRecord{}, &SalesRecord{}, &Customer{}}
}
