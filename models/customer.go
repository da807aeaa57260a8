package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	CustomerSourceGhost = "sync_ghost"
	GhostCustomerNotes  = "[ghost] placeholder created by sync; awaiting customer record"
	UnknownCustomerName = "Unknown Customer"
)

type Customer struct {
	ID               string           `gorm:"primary_key;size:128" json:"id"`
	Name             string           `gorm:"size:255;not null" json:"name"`
	Phone            string           `gorm:"size:32;index" json:"phone"`
	Email            string           `gorm:"size:255" json:"email"`
	Type             string           `gorm:"size:32;not null" json:"type"`
	TaxId            string           `gorm:"size:64" json:"tax_id"`
	Address          string           `gorm:"type:text" json:"address"`
	Source           string           `gorm:"size:64" json:"source"`
	Tags             JSONList[string] `gorm:"type:text" json:"tags"`
	LoyaltyPoints    int64            `gorm:"not null" json:"loyalty_points"`
	Outstanding      decimal.Decimal  `gorm:"type:decimal(20,4);not null" json:"outstanding"`
	AmountPaid       decimal.Decimal  `gorm:"type:decimal(20,4);not null" json:"amount_paid"`
	Notes            string           `gorm:"type:text" json:"notes"`
	MarketingConsent bool             `gorm:"not null" json:"marketing_consent"`
	WhatsappConsent  bool             `gorm:"not null" json:"whatsapp_consent"`
	CreatedAt        time.Time        `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time        `gorm:"not null" json:"updated_at"`
}

func (c Customer) IsGhost() bool {
	return c.Source == CustomerSourceGhost
}
