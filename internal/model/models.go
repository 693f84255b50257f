package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// CatalogSection is a product group imported from the ERP.
//
// Sections form a tree through ParentExternalID; a child is only written
// after its parent exists locally.
type CatalogSection struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	ExternalID       *string `gorm:"type:varchar(64);uniqueIndex"` // ERP reference key, nil for local-only rows
	ExternalCode     string `gorm:"type:varchar(64);index"`        // ERP "Code"
	Article          string `gorm:"type:varchar(128);index"`       // unused for sections, kept for a uniform index query
	Name             string `gorm:"type:varchar(255);not null"`
	ParentExternalID string `gorm:"type:varchar(64);index"`
	Attributes       datatypes.JSON

	IsActive     bool   `gorm:"default:true;index"`
	SyncHash     string `gorm:"type:char(64)"`
	LastSyncedAt *time.Time
}

// Product is a catalog item or a variant of one. Variants carry the
// parent's external id in ParentExternalID.
type Product struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	ExternalID       *string `gorm:"type:varchar(64);uniqueIndex"`
	ExternalCode     string `gorm:"type:varchar(64);index"`
	Article          string `gorm:"type:varchar(128);index"` // vendor article, secondary match key
	Name             string `gorm:"type:varchar(255);not null"`
	ParentExternalID string `gorm:"type:varchar(64);index"`

	Price             decimal.Decimal `gorm:"type:decimal(15,2)"`
	Description       string          `gorm:"type:text"`
	Brand             string          `gorm:"type:varchar(128)"`
	SectionExternalID string          `gorm:"type:varchar(64);index"`
	Images            datatypes.JSON
	Specs             datatypes.JSON
	Attributes        datatypes.JSON // full merged ERP payload

	IsActive     bool   `gorm:"default:true;index"`
	SyncHash     string `gorm:"type:char(64)"`
	LastSyncedAt *time.Time
}

// StockRecord is the balance of one product in one warehouse.
type StockRecord struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	ProductExternalID   string          `gorm:"type:varchar(64);uniqueIndex:idx_stock_pair;not null"`
	WarehouseExternalID string          `gorm:"type:varchar(64);uniqueIndex:idx_stock_pair;not null"`
	ProductID           *uint           `gorm:"index"` // nil until the product is imported
	Quantity            decimal.Decimal `gorm:"type:decimal(15,3)"`
	Reserved            decimal.Decimal `gorm:"type:decimal(15,3)"`
	Available           decimal.Decimal `gorm:"type:decimal(15,3)"` // Quantity - Reserved
	LastSyncedAt        time.Time       `gorm:"index"`
}

// SalesRecord is one line of a sales document.
type SalesRecord struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	ExternalID          string    `gorm:"type:varchar(150);uniqueIndex;not null"` // <document>#<line>
	DocumentID          string    `gorm:"type:varchar(64);index"`
	LineNo              string    `gorm:"type:varchar(16)"`
	SoldAt              time.Time `gorm:"index"`
	ProductExternalID   string    `gorm:"type:varchar(64);index"`
	WarehouseExternalID string    `gorm:"type:varchar(64)"`
	CardExternalID      string    `gorm:"type:varchar(64);index"`
	CustomerID          *uint     `gorm:"index"`

	Quantity decimal.Decimal `gorm:"type:decimal(15,3)"`
	Amount   decimal.Decimal `gorm:"type:decimal(15,2)"`
	Discount decimal.Decimal `gorm:"type:decimal(15,2)"`

	IsActive     bool   `gorm:"default:true;index"`
	SyncHash     string `gorm:"type:char(64)"`
	LastSyncedAt time.Time
}
