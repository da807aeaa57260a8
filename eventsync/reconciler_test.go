package eventsync

import (
	"errors"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/books_sync/models"
)

const saleInvoice = `{"id":"inv1","customerId":"c1","items":[{"productId":"p1","quantity":3,"price":50}],` +
	`"total":150,"amountReceived":100,"status":"partial"}`

func TestInvoiceCreatedIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.seed()

	sale := envelope(models.EventInvoiceCreated, baseTime.Add(time.Minute), saleInvoice)
	for i := 0; i < 2; i++ {
		h.apply(sale)

		if got := h.product("p1").Stock; got != 7 {
			t.Fatalf("run %d: expected stock 7, got %d", i, got)
		}
		c := h.customer("c1")
		if c.LoyaltyPoints != 1 {
			t.Fatalf("run %d: expected 1 loyalty point, got %d", i, c.LoyaltyPoints)
		}
		if !c.AmountPaid.Equal(dec("100")) || !c.Outstanding.Equal(dec("50")) {
			t.Fatalf("run %d: unexpected aggregates paid=%s outstanding=%s", i, c.AmountPaid, c.Outstanding)
		}
		if n := h.count(&models.Invoice{}); n != 1 {
			t.Fatalf("run %d: expected 1 invoice, got %d", i, n)
		}
	}
}

func TestInvoiceUpdatedHasNoForwardEffects(t *testing.T) {
	h := newHarness(t)
	h.seed()

	h.apply(envelope(models.EventInvoiceUpdated, baseTime.Add(time.Minute), saleInvoice))

	if got := h.product("p1").Stock; got != 10 {
		t.Fatalf("expected stock untouched, got %d", got)
	}
	if c := h.customer("c1"); c.LoyaltyPoints != 0 || !c.AmountPaid.IsZero() {
		t.Fatalf("expected aggregates untouched, got %+v", c)
	}
	var inv models.Invoice
	if err := h.db.Where("id = ?", "inv1").Take(&inv).Error; err != nil {
		t.Fatalf("expected invoice to be written: %v", err)
	}
	if !inv.Total.Equal(dec("150")) || len(inv.Items) != 1 {
		t.Fatalf("unexpected invoice %+v", inv)
	}
}

func TestInvoiceForUnknownCustomerCreatesOnePlaceholder(t *testing.T) {
	h := newHarness(t)
	sale := envelope(models.EventInvoiceCreated, baseTime,
		`{"id":"inv9","customerId":"c-new","customerName":"U Ba","items":[],"total":20}`)

	h.apply(sale)
	h.apply(sale)

	if n := h.count(&models.Customer{}); n != 1 {
		t.Fatalf("expected exactly one customer, got %d", n)
	}
	ghost := h.customer("c-new")
	if !ghost.IsGhost() || ghost.Notes != models.GhostCustomerNotes || ghost.Name != "U Ba" {
		t.Fatalf("unexpected placeholder %+v", ghost)
	}
	if ghost.LoyaltyPoints != 1 || !ghost.AmountPaid.Equal(dec("20")) {
		t.Fatalf("expected aggregates on placeholder, got %+v", ghost)
	}
	if n := h.count(&models.Invoice{}); n != 1 {
		t.Fatalf("expected invoice to be written, got %d", n)
	}

	// the real record replaces the placeholder but keeps invoice-derived totals
	h.apply(envelope(models.EventCustomerCreated, baseTime.Add(time.Minute),
		`{"id":"c-new","name":"U Ba Kyaw","loyaltyPoints":0,"source":"walk-in"}`))
	c := h.customer("c-new")
	if c.IsGhost() || c.Name != "U Ba Kyaw" {
		t.Fatalf("expected real customer, got %+v", c)
	}
	if c.LoyaltyPoints != 1 || !c.AmountPaid.Equal(dec("20")) {
		t.Fatalf("expected aggregates to survive, got loyalty=%d paid=%s", c.LoyaltyPoints, c.AmountPaid)
	}
}

func TestAbsoluteStockWinsOverDelta(t *testing.T) {
	sale := envelope(models.EventInvoiceCreated, baseTime.Add(time.Minute), saleInvoice)
	adjust := envelope(models.EventProductStockAdjusted, baseTime.Add(2*time.Minute), `{"productId":"p1","newStock":8}`)

	orders := map[string][]models.Envelope{
		"sale then adjust": {sale, adjust},
		"adjust then sale": {adjust, sale},
	}
	for name, events := range orders {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.seed()
			for _, env := range events {
				h.apply(env)
			}
			if got := h.product("p1").Stock; got != 8 {
				t.Fatalf("expected stock 8, got %d", got)
			}
		})
	}
}

func TestProductUpdateWithoutStockKeepsQuantity(t *testing.T) {
	h := newHarness(t)
	h.seed()
	h.apply(envelope(models.EventInvoiceCreated, baseTime.Add(time.Minute), saleInvoice))

	h.apply(envelope(models.EventProductUpdated, baseTime.Add(2*time.Minute), `{"id":"p1","name":"Jasmine Tea","price":"55"}`))

	p := h.product("p1")
	if p.Stock != 7 || p.Name != "Jasmine Tea" || !p.Price.Equal(dec("55")) {
		t.Fatalf("unexpected product %+v", p)
	}

	h.apply(envelope(models.EventProductUpdated, baseTime.Add(3*time.Minute), `{"id":"p1","name":"Jasmine Tea","stock":4}`))
	if got := h.product("p1").Stock; got != 4 {
		t.Fatalf("expected absolute stock 4, got %d", got)
	}
}

func TestInvoiceDeletedAppliesInverse(t *testing.T) {
	h := newHarness(t)
	h.seed()
	h.apply(envelope(models.EventInvoiceCreated, baseTime.Add(time.Minute), saleInvoice))

	del := envelope(models.EventInvoiceDeleted, baseTime.Add(2*time.Minute), `{"id":"inv1"}`)
	h.apply(del)
	h.apply(del)

	if n := h.count(&models.Invoice{}); n != 0 {
		t.Fatalf("expected invoice removed, got %d", n)
	}
	if got := h.product("p1").Stock; got != 10 {
		t.Fatalf("expected stock restored to 10, got %d", got)
	}
	c := h.customer("c1")
	if c.LoyaltyPoints != 0 || !c.AmountPaid.IsZero() || !c.Outstanding.IsZero() {
		t.Fatalf("expected aggregates reverted, got %+v", c)
	}
}

func TestLoyaltyNeverNegative(t *testing.T) {
	h := newHarness(t)
	h.seed()
	// invoice arrives through an update, so no points were credited
	h.apply(envelope(models.EventInvoiceUpdated, baseTime.Add(time.Minute), saleInvoice))
	h.apply(envelope(models.EventInvoiceDeleted, baseTime.Add(2*time.Minute), `{"invoiceId":"inv1"}`))

	if c := h.customer("c1"); c.LoyaltyPoints != 0 {
		t.Fatalf("expected loyalty clamped at 0, got %d", c.LoyaltyPoints)
	}
}

func TestInvoiceTrashAndRestore(t *testing.T) {
	h := newHarness(t)
	h.seed()
	h.apply(envelope(models.EventInvoiceCreated, baseTime.Add(time.Minute), saleInvoice))

	steps := []struct {
		payload string
		stock   int64
		deleted bool
	}{
		{`{"id":"inv1","is_deleted":true}`, 10, true},
		{`{"id":"inv1","is_deleted":true}`, 10, true},
		{`{"id":"inv1","isDeleted":false}`, 7, false},
		{`{"id":"inv1","status":"PAID"}`, 7, false},
	}
	for i, step := range steps {
		h.apply(envelope(models.EventInvoiceStatusUpdated, baseTime.Add(time.Duration(i+2)*time.Minute), step.payload))
		var inv models.Invoice
		if err := h.db.Where("id = ?", "inv1").Take(&inv).Error; err != nil {
			t.Fatalf("step %d: load invoice: %v", i, err)
		}
		if inv.IsDeleted != step.deleted {
			t.Fatalf("step %d: expected is_deleted=%v", i, step.deleted)
		}
		if got := h.product("p1").Stock; got != step.stock {
			t.Fatalf("step %d: expected stock %d, got %d", i, step.stock, got)
		}
	}
	var inv models.Invoice
	_ = h.db.Where("id = ?", "inv1").Take(&inv).Error
	if inv.Status != "paid" {
		t.Fatalf("expected status paid, got %q", inv.Status)
	}
}

func TestStatusUpdateForUnknownInvoiceIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.apply(envelope(models.EventInvoiceStatusUpdated, baseTime, `{"id":"nope","is_deleted":true}`))
	if n := h.count(&models.Invoice{}); n != 0 {
		t.Fatalf("expected no invoice, got %d", n)
	}
}

func TestExpenseAdjustmentIsRecordedOnce(t *testing.T) {
	h := newHarness(t)
	h.apply(envelope(models.EventExpenseCreated, baseTime, `{"id":"x1","title":"Rent","amount":"100","customerId":"c7"}`))
	if !h.customer("c7").IsGhost() {
		t.Fatalf("expected placeholder customer for expense reference")
	}

	adj := envelope(models.EventExpenseAdjusted, baseTime.Add(time.Minute), `{"expenseId":"x1","newAmount":"80","reason":"discount"}`)
	h.apply(adj)
	h.apply(adj)

	var rows []models.ExpenseAdjustment
	if err := h.db.Find(&rows).Error; err != nil {
		t.Fatalf("load adjustments: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one adjustment row, got %d", len(rows))
	}
	if !rows[0].PreviousAmount.Equal(dec("100")) || !rows[0].NewAmount.Equal(dec("80")) || rows[0].EventId != adj.EventId {
		t.Fatalf("unexpected adjustment %+v", rows[0])
	}
	var x models.Expense
	if err := h.db.Where("id = ?", "x1").Take(&x).Error; err != nil {
		t.Fatalf("load expense: %v", err)
	}
	if !x.Amount.Equal(dec("80")) {
		t.Fatalf("expected amount 80, got %s", x.Amount)
	}
}

func TestDeletesAreIdempotent(t *testing.T) {
	h := newHarness(t)
	h.seed()
	h.apply(envelope(models.EventExpenseCreated, baseTime, `{"id":"x1","amount":5}`))

	for _, env := range []models.Envelope{
		envelope(models.EventProductDeleted, baseTime, `{"id":"p1"}`),
		envelope(models.EventCustomerDeleted, baseTime, `{"customerId":"c1"}`),
		envelope(models.EventExpenseDeleted, baseTime, `{"expense_id":"x1"}`),
	} {
		h.apply(env)
		h.apply(env)
	}
	if h.count(&models.Product{})+h.count(&models.Customer{})+h.count(&models.Expense{}) != 0 {
		t.Fatalf("expected all records deleted")
	}
}

func TestApplyRejectsBadEvents(t *testing.T) {
	h := newHarness(t)
	cases := []struct {
		env  models.Envelope
		want error
	}{
		{envelope("PRODUCT_EXPLODED", baseTime, `{"id":"p1"}`), ErrUnknownEventKind},
		{envelope(models.EventExpenseAdjusted, baseTime, `{"expenseId":"ghost","newAmount":3}`), ErrUnknownExpense},
		{envelope(models.EventInvoiceCreated, baseTime, `{"total":3}`), ErrMissingId},
		{envelope(models.EventCustomerCreated, baseTime, `"not an object"`), ErrMissingId},
	}
	for _, tc := range cases {
		err := h.engine.reconciler.Apply(h.db, tc.env)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.env.Type, tc.want, err)
		}
	}
}

func TestCustomerPhoneIsNormalized(t *testing.T) {
	h := newHarness(t)
	h.seed()
	if got := h.customer("c1").Phone; got != "+16502530000" {
		t.Fatalf("expected E.164 phone, got %q", got)
	}
}

func TestStockForUnknownProductIsIgnored(t *testing.T) {
	h := newHarness(t)
	if err := h.engine.reconciler.Apply(h.db, envelope(models.EventProductStockAdjusted, baseTime, `{"productId":"p404","newStock":3}`)); err != nil {
		t.Fatalf("expected out-of-order stock adjustment to be a no-op, got %v", err)
	}
	if n := h.count(&models.Product{}); n != 0 {
		t.Fatalf("expected no product to be created, got %d", n)
	}

	h.putEvent(envelope(models.EventProductStockAdjusted, baseTime.Add(-time.Minute), `{"productId":"p404","newStock":3}`))
	res := h.engine.SyncDown(h.ctx, nil)
	if !res.Success || res.Failures != 0 || res.ProcessedCount != 1 {
		t.Fatalf("expected the event to apply without failure, got %+v", res)
	}
}

func TestDeletedCustomerWithInvoicesBecomesPlaceholder(t *testing.T) {
	h := newHarness(t)
	h.seed()
	h.apply(envelope(models.EventInvoiceCreated, baseTime.Add(time.Minute), saleInvoice))

	h.apply(envelope(models.EventCustomerDeleted, baseTime.Add(2*time.Minute), `{"customerId":"c1"}`))
	c := h.customer("c1")
	if !c.IsGhost() || c.Notes != models.GhostCustomerNotes {
		t.Fatalf("expected referenced customer to become a placeholder, got %+v", c)
	}
	if c.LoyaltyPoints != 1 || !c.Outstanding.Equal(dec("50")) {
		t.Fatalf("expected aggregates to survive, got loyalty=%d outstanding=%s", c.LoyaltyPoints, c.Outstanding)
	}

	h.apply(envelope(models.EventInvoiceDeleted, baseTime.Add(3*time.Minute), `{"id":"inv1"}`))
	h.apply(envelope(models.EventCustomerDeleted, baseTime.Add(4*time.Minute), `{"customerId":"c1"}`))
	if n := h.count(&models.Customer{}); n != 0 {
		t.Fatalf("expected unreferenced customer to be deleted, got %d rows", n)
	}
}
