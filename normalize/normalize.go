// Package normalize turns loosely shaped event and snapshot payloads into the
// strict records the local store persists. Every function here is total: bad
// input degrades to documented defaults instead of an error.
package normalize

import (
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/books_sync/models"
	"bitbucket.org/mmdatafocus/books_sync/utils"
	"github.com/shopspring/decimal"
)

const (
	DefaultProductName  = "Untitled Product"
	DefaultExpenseTitle = "Untitled Expense"
	DefaultInvoiceType  = "sale"
	DefaultTaxType      = "exclusive"
	DefaultCustomerType = "individual"
	DefaultUnit         = "pcs"
	DefaultPayMethod    = "cash"
	DefaultCategory     = "uncategorized"
)

// Normalizer carries the few settings normalization depends on.
type Normalizer struct {
	PhoneRegion string
}

// Default is used by the package-level helpers.
var Default = Normalizer{PhoneRegion: utils.CountryCode}

// Record normalizes raw into the typed record for entity. Unknown entities
// yield nil.
func (n Normalizer) Record(entity models.Entity, raw map[string]any) any {
	switch entity {
	case models.EntityInvoice:
		return n.Invoice(raw)
	case models.EntityProduct:
		return n.Product(raw)
	case models.EntityCustomer:
		return n.Customer(raw)
	case models.EntityExpense:
		return n.Expense(raw)
	}
	return nil
}

func Record(entity models.Entity, raw map[string]any) any { return Default.Record(entity, raw) }
func Invoice(raw map[string]any) models.Invoice { return Default.Invoice(raw) }
func Product(raw map[string]any) models.Product { return Default.Product(raw) }
func Customer(raw map[string]any) models.Customer { return Default.Customer(raw) }
func Expense(raw map[string]any) models.Expense { return Default.Expense(raw) }

// EntityID reads the primary key of entity from raw, accepting "id" as well as
// "<entity>Id" and "<entity>_id".
func EntityID(entity models.Entity, raw map[string]any) string {
	e := string(entity)
	return str(raw, "id", e+"Id", e+"_id", e+"ID")
}

// Has reports whether any of keys is present with a non-null value.
func Has(raw map[string]any, keys ...string) bool {
	_, ok := pick(raw, keys...)
	return ok
}

// HasStock reports whether a product payload carries an absolute stock value.
func HasStock(raw map[string]any) bool {
	return Has(raw, stockKeys...)
}

var stockKeys = []string{"stock", "stockQuantity", "stock_quantity", "quantity"}

func (n Normalizer) Invoice(raw map[string]any) models.Invoice {
	items := make([]models.InvoiceItem, 0)
	lineSum := decimal.Zero
	for _, it := range objects(raw, "items", "items", "lineItems", "line_items") {
		item := models.InvoiceItem{
			ProductId: str(it, "productId", "product_id", "id"),
			Name:      str(it, "name", "productName", "product_name"),
			Quantity:  dec(it, "quantity", "qty"),
			Price:     dec(it, "price", "unitPrice", "unit_price"),
		}
		lineSum = lineSum.Add(item.LineTotal())
		items = append(items, item)
	}

	payments := make([]models.InvoicePayment, 0)
	paid := decimal.Zero
	for _, p := range objects(raw, "payments", "payments") {
		payment := models.InvoicePayment{
			Method: defaultString(str(p, "method", "paymentMethod", "payment_method"), DefaultPayMethod),
			Amount: dec(p, "amount"),
			PaidAt: str(p, "paidAt", "paid_at", "date"),
		}
		paid = paid.Add(payment.Amount)
		payments = append(payments, payment)
	}

	total := dec(raw, "total", "totalAmount", "total_amount")
	if !total.IsPositive() {
		total = lineSum
	}
	subtotal := lineSum
	if Has(raw, "subtotal", "subTotal", "sub_total") {
		subtotal = dec(raw, "subtotal", "subTotal", "sub_total")
	}
	gross := subtotal
	if Has(raw, "grossTotal", "gross_total") {
		gross = dec(raw, "grossTotal", "gross_total")
	}

	status := strings.ToLower(str(raw, "status", "paymentStatus", "payment_status"))
	if status == "" {
		status = models.InvoiceStatusPaid
	}
	received := paid
	switch {
	case Has(raw, "amountReceived", "amount_received", "receivedAmount", "received_amount"):
		received = dec(raw, "amountReceived", "amount_received", "receivedAmount", "received_amount")
	case len(payments) == 0 && status == models.InvoiceStatusPaid:
		received = total
	}

	created, updated := timestamps(raw, "date", "invoiceDate", "invoice_date")
	date, ok := timestamp(raw, "date", "invoiceDate", "invoice_date")
	if !ok {
		date = created
	}

	return models.Invoice{
		ID:                EntityID(models.EntityInvoice, raw),
		CustomerId:        str(raw, "customerId", "customer_id"),
		CustomerName:      str(raw, "customerName", "customer_name"),
		Date:              date,
		Type:              defaultString(strings.ToLower(str(raw, "type", "invoiceType", "invoice_type")), DefaultInvoiceType),
		Items:             items,
		Payments:          payments,
		Subtotal:          subtotal,
		Tax:               dec(raw, "tax", "taxAmount", "tax_amount"),
		Discount:          dec(raw, "discount", "discountAmount", "discount_amount"),
		Total:             total,
		Status:            status,
		TaxType:           defaultString(strings.ToLower(str(raw, "taxType", "tax_type")), DefaultTaxType),
		GrossTotal:        gross,
		ItemDiscount:      dec(raw, "itemDiscount", "item_discount"),
		AdditionalCharges: dec(raw, "additionalCharges", "additional_charges"),
		RoundOff:          dec(raw, "roundOff", "round_off"),
		AmountReceived:    received,
		Notes:             str(raw, "notes", "note"),
		IsDeleted:         boolean(raw, "is_deleted", "isDeleted"),
		CreatedAt:         created,
		UpdatedAt:         updated,
	}
}

// InvoiceStatusPatch holds the optional fields of an INVOICE_STATUS_UPDATED
// payload; nil means the field was absent.
type InvoiceStatusPatch struct {
	ID        string
	Status    *string
	IsDeleted *bool
}

func InvoiceStatus(raw map[string]any) InvoiceStatusPatch {
	patch := InvoiceStatusPatch{
		ID:        EntityID(models.EntityInvoice, raw),
		IsDeleted: optionalBool(raw, "is_deleted", "isDeleted"),
	}
	if s := strings.ToLower(str(raw, "status")); s != "" {
		patch.Status = &s
	}
	return patch
}

func (n Normalizer) Product(raw map[string]any) models.Product {
	id := EntityID(models.EntityProduct, raw)
	variants := make([]models.ProductVariant, 0)
	for _, v := range objects(raw, "variants", "variants") {
		variants = append(variants, models.ProductVariant{
			ID:    str(v, "id"),
			Name:  str(v, "name"),
			Sku:   str(v, "sku"),
			Price: dec(v, "price"),
			Stock: integer(v, "stock", "quantity"),
		})
	}
	created, updated := timestamps(raw)
	return models.Product{
		ID:        id,
		Name:      defaultString(str(raw, "name", "productName", "product_name"), DefaultProductName),
		Sku:       defaultString(str(raw, "sku", "SKU", "barcode"), id),
		Category:  defaultString(str(raw, "category", "categoryName", "category_name"), DefaultCategory),
		Price:     dec(raw, "price", "sellingPrice", "selling_price"),
		CostPrice: dec(raw, "costPrice", "cost_price", "purchasePrice", "purchase_price"),
		Stock:     integer(raw, stockKeys...),
		MinStock:  integer(raw, "minStock", "min_stock", "lowStockAlert", "low_stock_alert"),
		Unit:      defaultString(str(raw, "unit"), DefaultUnit),
		TaxRate:   dec(raw, "taxRate", "tax_rate"),
		Variants:  variants,
		CreatedAt: created,
		UpdatedAt: updated,
	}
}

func (n Normalizer) Customer(raw map[string]any) models.Customer {
	created, updated := timestamps(raw)
	return models.Customer{
		ID:               EntityID(models.EntityCustomer, raw),
		Name:             defaultString(str(raw, "name", "customerName", "customer_name"), models.UnknownCustomerName),
		Phone:            utils.NormalizePhoneNumber(str(raw, "phone", "phoneNumber", "phone_number", "mobile"), n.PhoneRegion),
		Email:            strings.ToLower(str(raw, "email")),
		Type:             defaultString(strings.ToLower(str(raw, "type", "customerType", "customer_type")), DefaultCustomerType),
		TaxId:            str(raw, "taxId", "tax_id", "taxID"),
		Address:          str(raw, "address"),
		Source:           str(raw, "source", "acquisitionSource", "acquisition_source"),
		Tags:             utils.UniqueSlice(stringList(raw, "tags", "tags")),
		LoyaltyPoints:    integer(raw, "loyaltyPoints", "loyalty_points"),
		Outstanding:      dec(raw, "outstanding", "outstandingBalance", "outstanding_balance"),
		AmountPaid:       dec(raw, "amountPaid", "amount_paid", "totalPaid", "total_paid"),
		Notes:            str(raw, "notes", "note"),
		MarketingConsent: boolean(raw, "marketingConsent", "marketing_consent"),
		WhatsappConsent:  boolean(raw, "whatsappConsent", "whatsapp_consent"),
		CreatedAt:        created,
		UpdatedAt:        updated,
	}
}

func (n Normalizer) Expense(raw map[string]any) models.Expense {
	created, updated := timestamps(raw, "date", "expenseDate", "expense_date")
	date, ok := timestamp(raw, "date", "expenseDate", "expense_date")
	if !ok {
		date = created
	}
	return models.Expense{
		ID:            EntityID(models.EntityExpense, raw),
		Title:         defaultString(str(raw, "title", "description", "name"), DefaultExpenseTitle),
		Amount:        dec(raw, "amount"),
		Category:      defaultString(str(raw, "category"), DefaultCategory),
		Date:          date,
		PaymentMethod: defaultString(str(raw, "paymentMethod", "payment_method"), DefaultPayMethod),
		ReceiptRef:    str(raw, "receiptRef", "receipt_ref", "receiptUrl", "receipt_url"),
		CustomerId:    str(raw, "customerId", "customer_id"),
		Tags:          utils.UniqueSlice(stringList(raw, "tags", "tags")),
		CreatedAt:     created,
		UpdatedAt:     updated,
	}
}

// ExpenseAdjustment normalizes an EXPENSE_ADJUSTED payload. The adjustment id
// falls back to eventId and the adjustment time to at.
func ExpenseAdjustment(raw map[string]any, eventId string, at time.Time) models.ExpenseAdjustment {
	adjustedAt, ok := timestamp(raw, "adjustedAt", "adjusted_at", "date")
	if !ok {
		adjustedAt = at.UTC()
	}
	return models.ExpenseAdjustment{
		ID:             defaultString(str(raw, "adjustmentId", "adjustment_id"), eventId),
		ExpenseId:      str(raw, "expenseId", "expense_id", "id"),
		EventId:        eventId,
		PreviousAmount: dec(raw, "previousAmount", "previous_amount", "oldAmount", "old_amount"),
		NewAmount:      dec(raw, "newAmount", "new_amount", "amount"),
		Reason:         str(raw, "reason", "notes"),
		AdjustedAt:     adjustedAt,
	}
}

// ProductStock normalizes a PRODUCT_STOCK_ADJUSTED payload to the product id
// and its new absolute quantity.
func ProductStock(raw map[string]any) (id string, stock int64, ok bool) {
	id = str(raw, "productId", "product_id", "id")
	keys := append([]string{"newStock", "new_stock"}, stockKeys...)
	if !Has(raw, keys...) {
		return id, 0, false
	}
	return id, integer(raw, keys...), true
}
