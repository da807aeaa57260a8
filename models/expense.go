package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Expense struct {
	ID            string           `gorm:"primary_key;size:128" json:"id"`
	Title         string           `gorm:"size:255;not null" json:"title"`
	Amount        decimal.Decimal  `gorm:"type:decimal(20,4);not null" json:"amount"`
	Category      string           `gorm:"size:128" json:"category"`
	Date          time.Time        `gorm:"not null;index" json:"date"`
	PaymentMethod string           `gorm:"size:64" json:"payment_method"`
	ReceiptRef    string           `gorm:"type:text" json:"receipt_ref"`
	CustomerId    string           `gorm:"size:128;index" json:"customer_id"`
	Tags          JSONList[string] `gorm:"type:text" json:"tags"`
	CreatedAt     time.Time        `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time        `gorm:"not null" json:"updated_at"`
}

// ExpenseAdjustment is an append-only record of a change to an expense amount.
type ExpenseAdjustment struct {
	ID             string          `gorm:"primary_key;size:128" json:"id"`
	ExpenseId      string          `gorm:"size:128;not null;index" json:"expense_id"`
	EventId        string          `gorm:"size:128;index" json:"event_id"`
	PreviousAmount decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"previous_amount"`
	NewAmount      decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"new_amount"`
	Reason         string          `gorm:"type:text" json:"reason"`
	AdjustedAt     time.Time       `gorm:"not null" json:"adjusted_at"`
}
