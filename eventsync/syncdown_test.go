package eventsync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/books_sync/cloudlog"
	"bitbucket.org/mmdatafocus/books_sync/models"
	"gorm.io/gorm"
)

func productEvent(i int) models.Envelope {
	return envelope(models.EventProductCreated, baseTime.Add(-time.Duration(10-i)*time.Minute),
		fmt.Sprintf(`{"id":"p%d","name":"Item %d","stock":%d}`, i, i, i))
}

func TestSyncDownContainsMalformedEvent(t *testing.T) {
	h := newHarness(t)
	for i := 1; i <= 5; i++ {
		if i == 3 {
			continue
		}
		h.putEvent(productEvent(i))
	}
	bad := productEvent(3)
	badName := cloudlog.EventFileName(bad)
	h.remote.Put(h.folder, badName, []byte(`{"eventId":"`+bad.EventId+`","type":"PRODUCT_CREATED",}`), bad.CreatedAt, bad.CreatedAt)

	var fractions []float64
	res := h.engine.SyncDown(h.ctx, func(_ string, f float64) { fractions = append(fractions, f) })

	if !res.Success || res.ProcessedCount != 4 || res.Failures != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if n := h.count(&models.Product{}); n != 4 {
		t.Fatalf("expected 4 products, got %d", n)
	}
	if _, ok := h.processed()[bad.EventId]; !ok {
		t.Fatalf("expected malformed event id in processed set")
	}
	if len(fractions) == 0 || fractions[len(fractions)-1] != 1 {
		t.Fatalf("expected progress to finish at 1, got %v", fractions)
	}

	// the malformed object is never retried, even without the time filter
	if err := h.state.Reset(h.ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := h.state.SaveProcessedIds(h.ctx, map[string]struct{}{bad.EventId: {}}); err != nil {
		t.Fatalf("save processed: %v", err)
	}
	res = h.engine.SyncDown(h.ctx, nil)
	if res.Failures != 0 || res.Skipped != 1 || res.ProcessedCount != 4 {
		t.Fatalf("unexpected second pass %+v", res)
	}
}

func TestSyncDownIsolatesApplyFailureInBatch(t *testing.T) {
	h := newHarness(t)
	h.putEvent(envelope(models.EventProductCreated, baseTime.Add(-3*time.Minute), `{"id":"p1","stock":10}`))
	broken := envelope(models.EventExpenseAdjusted, baseTime.Add(-2*time.Minute), `{"expenseId":"missing","newAmount":1}`)
	h.putEvent(broken)
	h.putEvent(envelope(models.EventProductStockAdjusted, baseTime.Add(-time.Minute), `{"productId":"p1","newStock":4}`))

	res := h.engine.SyncDown(h.ctx, nil)
	if !res.Success || res.ProcessedCount != 2 || res.Failures != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := h.product("p1").Stock; got != 4 {
		t.Fatalf("expected stock 4, got %d", got)
	}
	if _, ok := h.processed()[broken.EventId]; !ok {
		t.Fatalf("expected failed event to be marked processed")
	}
}

func TestSyncDownStripsTransportArtifacts(t *testing.T) {
	h := newHarness(t)
	env := productEvent(1)
	body := "--batch_x\r\nContent-Type: application/json\r\n\r\n" +
		`{"eventId":"` + env.EventId + `","type":"PRODUCT_CREATED","createdAt":"2024-03-01T07:51:00Z","payload":{"id":"p1","stock":2}}` +
		"\r\n--batch_x--"
	h.remote.Put(h.folder, cloudlog.EventFileName(env), []byte(body), env.CreatedAt, env.CreatedAt)

	res := h.engine.SyncDown(h.ctx, nil)
	if res.ProcessedCount != 1 || res.Failures != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := h.product("p1").Stock; got != 2 {
		t.Fatalf("expected stock 2, got %d", got)
	}
}

func TestSyncDownSkipsKnownAndForeignObjects(t *testing.T) {
	h := newHarness(t)
	known := productEvent(1)
	h.putEvent(known)
	dup := productEvent(2)
	h.putEvent(dup)
	h.putEvent(dup)
	h.remote.Put(h.folder, "readme.txt", []byte("hello"), baseTime.Add(-time.Hour), baseTime.Add(-time.Hour))
	if err := h.state.MarkProcessed(h.ctx, known.EventId); err != nil {
		t.Fatalf("mark processed: %v", err)
	}

	res := h.engine.SyncDown(h.ctx, nil)
	if res.ProcessedCount != 1 || res.Skipped != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestSyncDownAdvancesWatermarkToPassStart(t *testing.T) {
	h := newHarness(t)
	h.putEvent(productEvent(1))

	res := h.engine.SyncDown(h.ctx, nil)
	if !res.Success {
		t.Fatalf("sync failed: %+v", res)
	}
	wm, err := h.state.LastSyncedAt(h.ctx)
	if err != nil || wm == nil || !wm.Equal(baseTime) {
		t.Fatalf("expected watermark %s, got %v (%v)", baseTime, wm, err)
	}

	h.clock.Advance(time.Minute)
	h.engine.SyncDown(h.ctx, nil)
	calls := h.remote.ListCalls()
	last := calls[len(calls)-1]
	if last.CreatedAfter == nil || !last.CreatedAfter.Equal(baseTime) {
		t.Fatalf("expected listing filtered by watermark, got %+v", last)
	}
}

func TestSyncDownFatalSetupLeavesWatermark(t *testing.T) {
	h := newHarness(t)
	h.putEvent(productEvent(1))
	h.remote.OnAuthorize = func(context.Context, bool) error { return errors.New("no account signed in") }

	res := h.engine.SyncDown(h.ctx, nil)
	if res.Success || res.Error == "" {
		t.Fatalf("expected fatal failure, got %+v", res)
	}
	if wm, _ := h.state.LastSyncedAt(h.ctx); wm != nil {
		t.Fatalf("watermark must not move, got %v", wm)
	}
	if n := h.count(&models.Product{}); n != 0 {
		t.Fatalf("expected nothing applied, got %d", n)
	}
}

func TestSyncDownRefreshesCredentialOnce(t *testing.T) {
	h := newHarness(t)
	for i := 1; i <= 5; i++ {
		h.putEvent(productEvent(i))
	}
	var refreshed atomic.Bool
	h.remote.OnAuthorize = func(_ context.Context, force bool) error {
		if force {
			refreshed.Store(true)
		}
		return nil
	}
	h.remote.OnRead = func(context.Context, string) error {
		if !refreshed.Load() {
			return cloudlog.ErrUnauthorized
		}
		return nil
	}

	res := h.engine.SyncDown(h.ctx, nil)
	if !res.Success || res.ProcessedCount != 5 || res.Failures != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, forced := h.remote.AuthorizeCalls(); forced != 1 {
		t.Fatalf("expected exactly one forced refresh, got %d", forced)
	}
}

func TestSyncDownCountsDownloadFailures(t *testing.T) {
	h := newHarness(t)
	for i := 1; i <= 2; i++ {
		h.putEvent(productEvent(i))
	}
	var reads atomic.Int32
	h.remote.OnRead = func(context.Context, string) error {
		reads.Add(1)
		return errors.New("connection reset")
	}

	res := h.engine.SyncDown(h.ctx, nil)
	if !res.Success || res.Failures != 2 || res.ProcessedCount != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := reads.Load(); got != 4 {
		t.Fatalf("expected 2 attempts per object, got %d reads", got)
	}
	if len(h.processed()) != 2 {
		t.Fatalf("expected failed ids to be marked processed")
	}
}

func TestApplyBatchFallsBackWithoutTransaction(t *testing.T) {
	h := newHarness(t)
	for i := 1; i <= 3; i++ {
		h.putEvent(productEvent(i))
	}
	h.engine.transact = func(context.Context, func(tx *gorm.DB) error) error {
		return errors.New("database is locked")
	}

	res := h.engine.SyncDown(h.ctx, nil)
	if !res.Success || res.ProcessedCount != 3 || res.Failures != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if n := h.count(&models.Product{}); n != 3 {
		t.Fatalf("expected products applied without transaction, got %d", n)
	}
}

func TestSyncDownRejectsConcurrentPass(t *testing.T) {
	h := newHarness(t)
	unlock, err := h.engine.locker.Lock(h.ctx, lockKeySync)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer unlock()

	res := h.engine.SyncDown(h.ctx, nil)
	if res.Success || res.Error != ErrSyncInProgress.Error() {
		t.Fatalf("expected busy result, got %+v", res)
	}
}

func TestEtaEstimator(t *testing.T) {
	var m etaEstimator
	if m.remaining(10) != 0 {
		t.Fatalf("expected no estimate without samples")
	}
	m.observe(2*time.Second, 2)
	m.observe(4*time.Second, 2)
	if got := m.remaining(10); got != 15*time.Second {
		t.Fatalf("expected 15s, got %s", got)
	}
	for i := 0; i < etaWindow; i++ {
		m.observe(time.Second, 1)
	}
	if got := m.remaining(3); got != 3*time.Second {
		t.Fatalf("expected window to drop old samples, got %s", got)
	}
}

func TestSyncDownKeepsIdsPublishedDuringPass(t *testing.T) {
	h := newHarness(t)
	remote := productEvent(1)
	h.putEvent(remote)

	var blocked atomic.Bool
	entered := make(chan struct{})
	release := make(chan struct{})
	h.remote.OnRead = func(context.Context, string) error {
		if blocked.CompareAndSwap(false, true) {
			close(entered)
			<-release
		}
		return nil
	}

	done := make(chan SyncResult, 1)
	go func() { done <- h.engine.SyncDown(h.ctx, nil) }()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("sync pass never reached the download")
	}

	if !h.engine.Publish(h.ctx, models.EventProductUpdated, map[string]any{"id": "p1", "stock": 2}) {
		t.Fatalf("expected publish to deliver")
	}
	var ownId string
	for _, obj := range h.remote.Objects(h.folder) {
		if id, ok := cloudlog.EventIdFromName(obj.Name); ok && id != remote.EventId {
			ownId = id
		}
	}
	if ownId == "" {
		t.Fatalf("published event missing from remote log")
	}
	close(release)

	var res SyncResult
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("sync pass did not finish")
	}
	if !res.Success || res.ProcessedCount != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	processed := h.processed()
	if _, ok := processed[ownId]; !ok {
		t.Fatalf("own event %s dropped from processed set by the pass", ownId)
	}
	if _, ok := processed[remote.EventId]; !ok {
		t.Fatalf("remote event %s missing from processed set", remote.EventId)
	}
}
