package models

import (
	"encoding/json"
	"time"
)

type EventKind string

const (
	EventInvoiceCreated       EventKind = "INVOICE_CREATED"
	EventInvoiceUpdated       EventKind = "INVOICE_UPDATED"
	EventInvoiceStatusUpdated EventKind = "INVOICE_STATUS_UPDATED"
	EventInvoiceDeleted       EventKind = "INVOICE_DELETED"
	EventProductCreated       EventKind = "PRODUCT_CREATED"
	EventProductUpdated       EventKind = "PRODUCT_UPDATED"
	EventProductDeleted       EventKind = "PRODUCT_DELETED"
	EventProductStockAdjusted EventKind = "PRODUCT_STOCK_ADJUSTED"
	EventCustomerCreated      EventKind = "CUSTOMER_CREATED"
	EventCustomerUpdated      EventKind = "CUSTOMER_UPDATED"
	EventCustomerDeleted      EventKind = "CUSTOMER_DELETED"
	EventExpenseCreated       EventKind = "EXPENSE_CREATED"
	EventExpenseUpdated       EventKind = "EXPENSE_UPDATED"
	EventExpenseDeleted       EventKind = "EXPENSE_DELETED"
	EventExpenseAdjusted      EventKind = "EXPENSE_ADJUSTED"
)

var AllEventKinds = []EventKind{
	EventInvoiceCreated, EventInvoiceUpdated, EventInvoiceStatusUpdated, EventInvoiceDeleted,
	EventProductCreated, EventProductUpdated, EventProductDeleted, EventProductStockAdjusted,
	EventCustomerCreated, EventCustomerUpdated, EventCustomerDeleted,
	EventExpenseCreated, EventExpenseUpdated, EventExpenseDeleted, EventExpenseAdjusted,
}

func (k EventKind) Valid() bool {
	for _, v := range AllEventKinds {
		if v == k {
			return true
		}
	}
	return false
}

// Entity returns the table an event of this kind writes to.
func (k EventKind) Entity() Entity {
	switch k {
	case EventInvoiceCreated, EventInvoiceUpdated, EventInvoiceStatusUpdated, EventInvoiceDeleted:
		return EntityInvoice
	case EventProductCreated, EventProductUpdated, EventProductDeleted, EventProductStockAdjusted:
		return EntityProduct
	case EventCustomerCreated, EventCustomerUpdated, EventCustomerDeleted:
		return EntityCustomer
	case EventExpenseCreated, EventExpenseUpdated, EventExpenseDeleted, EventExpenseAdjusted:
		return EntityExpense
	}
	return ""
}

type Entity string

const (
	EntityInvoice  Entity = "invoice"
	EntityProduct  Entity = "product"
	EntityCustomer Entity = "customer"
	EntityExpense  Entity = "expense"
)

// Envelope is the immutable record of one state change. EventId is both the
// outbox key and the global deduplication key.
type Envelope struct {
	EventId   string          `json:"eventId" validate:"required,max=128"`
	Type      EventKind       `json:"type" validate:"required"`
	CreatedAt time.Time       `json:"createdAt" validate:"required"`
	DeviceId  string          `json:"deviceId"`
	Payload   json.RawMessage `json:"payload"`
}
