package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	InvoiceStatusPaid    = "paid"
	InvoiceStatusPartial = "partial"
	InvoiceStatusUnpaid  = "unpaid"
)

type InvoiceItem struct {
	ProductId string          `json:"productId"`
	Name      string          `json:"name"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

func (i InvoiceItem) LineTotal() decimal.Decimal {
	return i.Quantity.Mul(i.Price)
}

type InvoicePayment struct {
	Method string          `json:"method"`
	Amount decimal.Decimal `json:"amount"`
	PaidAt string          `json:"paidAt"`
}

type Invoice struct {
	ID                string                   `gorm:"primary_key;size:128" json:"id"`
	CustomerId        string                   `gorm:"size:128;index" json:"customer_id"`
	CustomerName      string                   `gorm:"size:255" json:"customer_name"`
	Date              time.Time                `gorm:"not null;index" json:"date"`
	Type              string                   `gorm:"size:32;not null" json:"type"`
	Items             JSONList[InvoiceItem]    `gorm:"type:text" json:"items"`
	Payments          JSONList[InvoicePayment] `gorm:"type:text" json:"payments"`
	Subtotal          decimal.Decimal          `gorm:"type:decimal(20,4);not null" json:"subtotal"`
	Tax               decimal.Decimal          `gorm:"type:decimal(20,4);not null" json:"tax"`
	Discount          decimal.Decimal          `gorm:"type:decimal(20,4);not null" json:"discount"`
	Total             decimal.Decimal          `gorm:"type:decimal(20,4);not null" json:"total"`
	Status            string                   `gorm:"size:32;not null" json:"status"`
	TaxType           string                   `gorm:"size:32;not null" json:"tax_type"`
	GrossTotal        decimal.Decimal          `gorm:"type:decimal(20,4);not null" json:"gross_total"`
	ItemDiscount      decimal.Decimal          `gorm:"type:decimal(20,4);not null" json:"item_discount"`
	AdditionalCharges decimal.Decimal          `gorm:"type:decimal(20,4);not null" json:"additional_charges"`
	RoundOff          decimal.Decimal          `gorm:"type:decimal(20,4);not null" json:"round_off"`
	AmountReceived    decimal.Decimal          `gorm:"type:decimal(20,4);not null" json:"amount_received"`
	Notes             string                   `gorm:"type:text" json:"notes"`
	IsDeleted         bool                     `gorm:"not null;index" json:"is_deleted"`
	CreatedAt         time.Time                `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time                `gorm:"not null" json:"updated_at"`
}

// DueAmount is the part of the total not covered by the amount received.
func (inv Invoice) DueAmount() decimal.Decimal {
	due := inv.Total.Sub(inv.AmountReceived)
	if due.IsNegative() {
		return decimal.Zero
	}
	return due
}
