package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type ProductVariant struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Sku   string          `json:"sku"`
	Price decimal.Decimal `json:"price"`
	Stock int64           `json:"stock"`
}

type Product struct {
	ID        string                   `gorm:"primary_key;size:128" json:"id"`
	Name      string                   `gorm:"size:255;not null" json:"name"`
	Sku       string                   `gorm:"size:128;not null;uniqueIndex" json:"sku"`
	Category  string                   `gorm:"size:128" json:"category"`
	Price     decimal.Decimal          `gorm:"type:decimal(20,4);not null" json:"price"`
	CostPrice decimal.Decimal          `gorm:"type:decimal(20,4);not null" json:"cost_price"`
	Stock     int64                    `gorm:"not null" json:"stock"`
	MinStock  int64                    `gorm:"not null" json:"min_stock"`
	Unit      string                   `gorm:"size:32" json:"unit"`
	TaxRate   decimal.Decimal          `gorm:"type:decimal(10,4);not null" json:"tax_rate"`
	Variants  JSONList[ProductVariant] `gorm:"type:text" json:"variants"`

	// StockUpdatedAt is the creation time of the event that last wrote an
	// absolute stock value. Relative deltas from older events are ignored.
	StockUpdatedAt *time.Time `json:"stock_updated_at"`
	CreatedAt      time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"not null" json:"updated_at"`
}
