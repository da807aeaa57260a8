package eventsync

import (
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/books_sync/models"
	"bitbucket.org/mmdatafocus/books_sync/normalize"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LoyaltyPointsPerInvoice is the flat loyalty credit of a synced invoice.
// Value-based points are computed only on the device that rings up the sale.
const LoyaltyPointsPerInvoice = 1

// Reconciler applies one event to the local store. Every branch is an upsert,
// an absolute write or a guarded delta, so replaying an event is harmless.
// Apply never opens its own transaction; callers pass a transaction or the
// plain handle.
type Reconciler struct {
	norm   normalize.Normalizer
	logger *logrus.Logger
}

func NewReconciler(norm normalize.Normalizer, logger *logrus.Logger) *Reconciler {
	return &Reconciler{norm: norm, logger: logger}
}

// SafeApply is Apply with panics turned into errors.
func (r *Reconciler) SafeApply(db *gorm.DB, env models.Envelope) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic applying %s %s: %v", env.Type, env.EventId, p)
		}
	}()
	return r.Apply(db, env)
}

func (r *Reconciler) Apply(db *gorm.DB, env models.Envelope) error {
	raw := normalize.Payload(env.Payload)
	at := env.CreatedAt.UTC()

	switch env.Type {
	case models.EventInvoiceCreated:
		return r.upsertInvoice(db, raw, at, true)
	case models.EventInvoiceUpdated:
		return r.upsertInvoice(db, raw, at, false)
	case models.EventInvoiceStatusUpdated:
		return r.updateInvoiceStatus(db, raw, at)
	case models.EventInvoiceDeleted:
		return r.deleteInvoice(db, raw, at)

	case models.EventProductCreated, models.EventProductUpdated:
		return r.upsertProduct(db, raw, at)
	case models.EventProductStockAdjusted:
		return r.setProductStock(db, raw, at)
	case models.EventProductDeleted:
		return deleteById(db, &models.Product{}, normalize.EntityID(models.EntityProduct, raw))

	case models.EventCustomerCreated, models.EventCustomerUpdated:
		return r.upsertCustomer(db, raw)
	case models.EventCustomerDeleted:
		return r.deleteCustomer(db, normalize.EntityID(models.EntityCustomer, raw), at)

	case models.EventExpenseCreated, models.EventExpenseUpdated:
		return r.upsertExpense(db, raw, at)
	case models.EventExpenseAdjusted:
		return r.adjustExpense(db, raw, env.EventId, at)
	case models.EventExpenseDeleted:
		return deleteById(db, &models.Expense{}, normalize.EntityID(models.EntityExpense, raw))
	}
	return fmt.Errorf("%w: %q", ErrUnknownEventKind, env.Type)
}

func deleteById(db *gorm.DB, model interface{}, id string) error {
	if id == "" {
		return ErrMissingId
	}
	return db.Where("id = ?", id).Delete(model).Error
}

// find loads the row with id into dest and reports whether it exists.
func find(db *gorm.DB, dest interface{}, id string) (bool, error) {
	err := db.Where("id = ?", id).Take(dest).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func upsert(db *gorm.DB, value interface{}) error {
	return db.Clauses(clause.OnConflict{UpdateAll: true}).Create(value).Error
}

// ensureCustomer creates a placeholder customer when id does not resolve, so
// references from invoices and expenses never dangle.
func (r *Reconciler) ensureCustomer(db *gorm.DB, id, name string, at time.Time) error {
	if id == "" {
		return nil
	}
	if name == "" {
		name = models.UnknownCustomerName
	}
	ghost := models.Customer{
		ID:          id,
		Name:        name,
		Type:        normalize.DefaultCustomerType,
		Source:      models.CustomerSourceGhost,
		Notes:       models.GhostCustomerNotes,
		Tags:        models.JSONList[string]{},
		Outstanding: decimal.Zero,
		AmountPaid:  decimal.Zero,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&ghost)
	if res.Error != nil {
		return fmt.Errorf("create placeholder customer %s: %w", id, res.Error)
	}
	if res.RowsAffected > 0 {
		r.logger.WithFields(logrus.Fields{
			"module":      "eventsync",
			"funcName":    "ensureCustomer",
			"customer_id": id,
		}).Info("created placeholder customer")
	}
	return nil
}

// deleteCustomer removes the customer unless invoices still reference it.
// A referenced row is demoted to a placeholder that keeps its aggregates.
func (r *Reconciler) deleteCustomer(db *gorm.DB, id string, at time.Time) error {
	if id == "" {
		return ErrMissingId
	}
	var invoiceIds []string
	if err := db.Model(&models.Invoice{}).
		Where("customer_id = ?", id).
		Order("id").
		Pluck("id", &invoiceIds).Error; err != nil {
		return err
	}
	if len(invoiceIds) == 0 {
		return deleteById(db, &models.Customer{}, id)
	}
	r.logger.WithFields(logrus.Fields{
		"module":      "eventsync",
		"funcName":    "deleteCustomer",
		"customer_id": id,
		"invoice_ids": invoiceIds,
	}).Warn("deleted customer is still referenced by invoices; keeping a placeholder")
	if err := db.Model(&models.Customer{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"source":     models.CustomerSourceGhost,
			"notes":      models.GhostCustomerNotes,
			"updated_at": at,
		}).Error; err != nil {
		return err
	}
	return r.ensureCustomer(db, id, "", at)
}

func (r *Reconciler) upsertInvoice(db *gorm.DB, raw map[string]any, at time.Time, created bool) error {
	inv := r.norm.Invoice(raw)
	if inv.ID == "" {
		return ErrMissingId
	}
	if err := r.ensureCustomer(db, inv.CustomerId, inv.CustomerName, at); err != nil {
		return err
	}
	existed, err := find(db, &models.Invoice{}, inv.ID)
	if err != nil {
		return err
	}
	if err := upsert(db, &inv); err != nil {
		return fmt.Errorf("upsert invoice %s: %w", inv.ID, err)
	}
	// forward effects belong to the first application of a sale only
	if !created || existed {
		return nil
	}
	if !inv.IsDeleted {
		if err := r.adjustStockForItems(db, inv.Items, -1, at); err != nil {
			return err
		}
	}
	return r.adjustCustomerAggregates(db, inv, 1)
}

func (r *Reconciler) updateInvoiceStatus(db *gorm.DB, raw map[string]any, at time.Time) error {
	patch := normalize.InvoiceStatus(raw)
	if patch.ID == "" {
		return ErrMissingId
	}
	var existing models.Invoice
	found, err := find(db, &existing, patch.ID)
	if err != nil {
		return err
	}
	if !found {
		r.logger.WithFields(logrus.Fields{
			"module":     "eventsync",
			"funcName":   "updateInvoiceStatus",
			"invoice_id": patch.ID,
		}).Warn("status update for unknown invoice ignored")
		return nil
	}

	updates := map[string]interface{}{}
	if patch.Status != nil {
		updates["status"] = *patch.Status
	}
	if patch.IsDeleted != nil {
		updates["is_deleted"] = *patch.IsDeleted
	}
	if len(updates) == 0 {
		return nil
	}
	updates["updated_at"] = at
	if err := db.Model(&models.Invoice{}).Where("id = ?", patch.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("update invoice %s status: %w", patch.ID, err)
	}

	if patch.IsDeleted == nil || *patch.IsDeleted == existing.IsDeleted {
		return nil
	}
	// trashing gives the stock back; restoring sells it again
	sign := int64(-1)
	if *patch.IsDeleted {
		sign = 1
	}
	return r.adjustStockForItems(db, existing.Items, sign, at)
}

func (r *Reconciler) deleteInvoice(db *gorm.DB, raw map[string]any, at time.Time) error {
	id := normalize.EntityID(models.EntityInvoice, raw)
	if id == "" {
		return ErrMissingId
	}
	var existing models.Invoice
	found, err := find(db, &existing, id)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if err := db.Where("id = ?", id).Delete(&models.Invoice{}).Error; err != nil {
		return fmt.Errorf("delete invoice %s: %w", id, err)
	}
	if !existing.IsDeleted {
		if err := r.adjustStockForItems(db, existing.Items, 1, at); err != nil {
			return err
		}
	}
	return r.adjustCustomerAggregates(db, existing, -1)
}

// adjustStockForItems applies sign*quantity to every product on the invoice.
func (r *Reconciler) adjustStockForItems(db *gorm.DB, items []models.InvoiceItem, sign int64, at time.Time) error {
	for _, item := range items {
		if item.ProductId == "" {
			continue
		}
		qty := normalize.Int64(item.Quantity.Round(0))
		if qty == 0 {
			continue
		}
		if err := r.adjustStock(db, item.ProductId, sign*qty, at); err != nil {
			return err
		}
	}
	return nil
}

// adjustStock applies a relative stock change. The delta is dropped when an
// absolute stock value stamped at or after at has already been written, since
// that value already reflects it.
func (r *Reconciler) adjustStock(db *gorm.DB, productId string, delta int64, at time.Time) error {
	var p models.Product
	found, err := find(db, &p, productId)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if p.StockUpdatedAt != nil && !at.After(*p.StockUpdatedAt) {
		return nil
	}
	return db.Model(&models.Product{}).
		Where("id = ?", productId).
		Update("stock", gorm.Expr("stock + ?", delta)).Error
}

func (r *Reconciler) adjustCustomerAggregates(db *gorm.DB, inv models.Invoice, sign int64) error {
	if inv.CustomerId == "" {
		return nil
	}
	var c models.Customer
	found, err := find(db, &c, inv.CustomerId)
	if err != nil || !found {
		return err
	}
	loyalty := c.LoyaltyPoints + sign*LoyaltyPointsPerInvoice
	if loyalty < 0 {
		loyalty = 0
	}
	factor := decimal.NewFromInt(sign)
	return db.Model(&models.Customer{}).
		Where("id = ?", c.ID).
		Updates(map[string]interface{}{
			"loyalty_points": loyalty,
			"amount_paid":    c.AmountPaid.Add(inv.AmountReceived.Mul(factor)),
			"outstanding":    c.Outstanding.Add(inv.DueAmount().Mul(factor)),
		}).Error
}

// upsertProduct writes the product including its absolute stock. A payload
// without a stock field keeps the current quantity.
func (r *Reconciler) upsertProduct(db *gorm.DB, raw map[string]any, at time.Time) error {
	p := r.norm.Product(raw)
	if p.ID == "" {
		return ErrMissingId
	}
	var existing models.Product
	found, err := find(db, &existing, p.ID)
	if err != nil {
		return err
	}
	if found && !normalize.HasStock(raw) {
		p.Stock = existing.Stock
		p.StockUpdatedAt = existing.StockUpdatedAt
	} else {
		stamp := at
		p.StockUpdatedAt = &stamp
	}
	if err := upsert(db, &p); err != nil {
		return fmt.Errorf("upsert product %s: %w", p.ID, err)
	}
	return nil
}

func (r *Reconciler) setProductStock(db *gorm.DB, raw map[string]any, at time.Time) error {
	id, stock, ok := normalize.ProductStock(raw)
	if id == "" {
		return ErrMissingId
	}
	if !ok {
		return fmt.Errorf("stock adjustment for %s has no stock value", id)
	}
	var existing models.Product
	found, err := find(db, &existing, id)
	if err != nil {
		return err
	}
	if !found {
		r.logger.WithFields(logrus.Fields{
			"module":     "eventsync",
			"funcName":   "setProductStock",
			"product_id": id,
		}).Warn("stock adjustment for unknown product ignored")
		return nil
	}
	return db.Model(&models.Product{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"stock":            stock,
			"stock_updated_at": at,
			"updated_at":       at,
		}).Error
}

// upsertCustomer keeps invoice-derived aggregates of an existing row when the
// row is a placeholder or the payload does not carry them.
func (r *Reconciler) upsertCustomer(db *gorm.DB, raw map[string]any) error {
	c := r.norm.Customer(raw)
	if c.ID == "" {
		return ErrMissingId
	}
	var existing models.Customer
	found, err := find(db, &existing, c.ID)
	if err != nil {
		return err
	}
	if found {
		if existing.IsGhost() || !normalize.Has(raw, "loyaltyPoints", "loyalty_points") {
			c.LoyaltyPoints = existing.LoyaltyPoints
		}
		if existing.IsGhost() || !normalize.Has(raw, "amountPaid", "amount_paid", "totalPaid", "total_paid") {
			c.AmountPaid = existing.AmountPaid
		}
		if existing.IsGhost() || !normalize.Has(raw, "outstanding", "outstandingBalance", "outstanding_balance") {
			c.Outstanding = existing.Outstanding
		}
	}
	if err := upsert(db, &c); err != nil {
		return fmt.Errorf("upsert customer %s: %w", c.ID, err)
	}
	return nil
}

func (r *Reconciler) upsertExpense(db *gorm.DB, raw map[string]any, at time.Time) error {
	x := r.norm.Expense(raw)
	if x.ID == "" {
		return ErrMissingId
	}
	if err := r.ensureCustomer(db, x.CustomerId, "", at); err != nil {
		return err
	}
	if err := upsert(db, &x); err != nil {
		return fmt.Errorf("upsert expense %s: %w", x.ID, err)
	}
	return nil
}

// adjustExpense appends to the adjustment log and sets the new absolute
// amount. A replayed adjustment finds its log row and changes nothing.
func (r *Reconciler) adjustExpense(db *gorm.DB, raw map[string]any, eventId string, at time.Time) error {
	adj := normalize.ExpenseAdjustment(raw, eventId, at)
	if adj.ExpenseId == "" {
		return ErrMissingId
	}
	var x models.Expense
	found, err := find(db, &x, adj.ExpenseId)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownExpense, adj.ExpenseId)
	}
	if !normalize.Has(raw, "previousAmount", "previous_amount", "oldAmount", "old_amount") {
		adj.PreviousAmount = x.Amount
	}
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&adj)
	if res.Error != nil {
		return fmt.Errorf("record expense adjustment %s: %w", adj.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil
	}
	return db.Model(&models.Expense{}).
		Where("id = ?", x.ID).
		Updates(map[string]interface{}{
			"amount":     adj.NewAmount,
			"updated_at": at,
		}).Error
}
