package eventsync

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/books_sync/cloudlog"
	"bitbucket.org/mmdatafocus/books_sync/models"
	"bitbucket.org/mmdatafocus/books_sync/syncstate"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []models.Envelope
}

func (n *recordingNotifier) Notify(_ context.Context, env models.Envelope) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, env)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func TestPublishDelivers(t *testing.T) {
	h := newHarness(t)
	notifier := &recordingNotifier{}
	eng := h.newEngine(notifier)

	ok := eng.Publish(h.ctx, models.EventProductUpdated, map[string]any{"id": "p1", "stock": 4})
	if !ok {
		t.Fatalf("expected delivery")
	}
	if n := eng.PendingQueueLength(h.ctx); n != 0 {
		t.Fatalf("expected empty outbox, got %d", n)
	}
	objects := h.remote.Objects(h.folder)
	if len(objects) != 1 {
		t.Fatalf("expected one remote object, got %d", len(objects))
	}
	id, ok := cloudlog.EventIdFromName(objects[0].Name)
	if !ok || !strings.Contains(objects[0].Name, "_PRODUCT_UPDATED_") {
		t.Fatalf("unexpected object name %s", objects[0].Name)
	}
	if _, done := h.processed()[id]; !done {
		t.Fatalf("expected own event to be marked processed")
	}

	body, _ := h.remote.Read(h.ctx, objects[0].Id)
	var env models.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("remote body is not an envelope: %v", err)
	}
	deviceId, _ := h.state.DeviceId(h.ctx)
	if env.EventId != id || env.DeviceId != deviceId || !env.CreatedAt.Equal(baseTime) {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if notifier.count() != 1 {
		t.Fatalf("expected one nudge, got %d", notifier.count())
	}
}

func TestPublishTimesOutAndLateUploadClearsOutbox(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.remote.OnWrite = func(context.Context, string) error {
		<-release
		return nil
	}

	result := make(chan bool, 1)
	go func() {
		result <- h.engine.Publish(h.ctx, models.EventInvoiceCreated, `{"id":"inv1"}`)
	}()
	if err := h.clock.WaitAdvance(h.settings.PublishTimeout, 5*time.Second, 1); err != nil {
		t.Fatalf("publish never waited on its timer: %v", err)
	}

	select {
	case ok := <-result:
		if ok {
			t.Fatalf("expected timeout to report non-delivery")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("publish did not return after its timeout")
	}
	if n := h.engine.PendingQueueLength(h.ctx); n != 1 {
		t.Fatalf("expected event to stay queued, got %d", n)
	}

	close(release)
	h.engine.WaitUploads()
	if n := h.engine.PendingQueueLength(h.ctx); n != 0 {
		t.Fatalf("expected late upload to clear the outbox, got %d", n)
	}
	if len(h.remote.Objects(h.folder)) != 1 {
		t.Fatalf("expected the late upload to land")
	}
}

func TestOutboxSurvivesRestart(t *testing.T) {
	h := newHarness(t)
	h.remote.OnWrite = func(context.Context, string) error { return errors.New("network unreachable") }

	if h.engine.Publish(h.ctx, models.EventCustomerCreated, map[string]any{"id": "c1"}) {
		t.Fatalf("expected failed delivery")
	}
	h.engine.WaitUploads()

	// a new process sees the same local store
	h.state = syncstate.New(syncstate.NewGormStore(h.db))
	restarted := h.newEngine(nil)
	if n := restarted.PendingQueueLength(h.ctx); n != 1 {
		t.Fatalf("expected 1 pending upload after restart, got %d", n)
	}

	h.remote.OnWrite = nil
	res := restarted.RetryQueue(h.ctx)
	if res.Attempted != 1 || res.Delivered != 1 || res.Failed != 0 {
		t.Fatalf("unexpected retry result %+v", res)
	}
	if n := restarted.PendingQueueLength(h.ctx); n != 0 {
		t.Fatalf("expected empty outbox, got %d", n)
	}
}

func TestRetryQueueKeepsFailures(t *testing.T) {
	h := newHarness(t)
	h.remote.OnWrite = func(context.Context, string) error { return errors.New("offline") }
	for i := 0; i < 2; i++ {
		h.engine.Publish(h.ctx, models.EventExpenseCreated, map[string]any{"id": i})
	}
	h.engine.WaitUploads()

	res := h.engine.RetryQueue(h.ctx)
	if res.Attempted != 2 || res.Failed != 2 || res.Delivered != 0 {
		t.Fatalf("unexpected retry result %+v", res)
	}
	if n := h.engine.PendingQueueLength(h.ctx); n != 2 {
		t.Fatalf("expected entries to stay queued, got %d", n)
	}
}

func TestPublishReauthorizesOnce(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	rejected := false
	h.remote.OnWrite = func(context.Context, string) error {
		mu.Lock()
		defer mu.Unlock()
		if !rejected {
			rejected = true
			return cloudlog.ErrUnauthorized
		}
		return nil
	}

	if !h.engine.Publish(h.ctx, models.EventProductCreated, map[string]any{"id": "p1"}) {
		t.Fatalf("expected delivery after refresh")
	}
	if _, forced := h.remote.AuthorizeCalls(); forced != 1 {
		t.Fatalf("expected one forced authorize, got %d", forced)
	}
}

func TestPublishRejectsUnknownKind(t *testing.T) {
	h := newHarness(t)
	if h.engine.Publish(h.ctx, "SOMETHING_ELSE", map[string]any{}) {
		t.Fatalf("expected unknown kind to be rejected")
	}
	if n := h.engine.PendingQueueLength(h.ctx); n != 0 {
		t.Fatalf("expected nothing queued, got %d", n)
	}
}

func TestOwnEventIsNotReappliedBySyncDown(t *testing.T) {
	h := newHarness(t)
	if !h.engine.Publish(h.ctx, models.EventProductCreated, map[string]any{"id": "p1", "stock": 3}) {
		t.Fatalf("expected delivery")
	}
	res := h.engine.SyncDown(h.ctx, nil)
	if res.ProcessedCount != 0 || res.Skipped != 1 {
		t.Fatalf("expected own event to be skipped, got %+v", res)
	}
}

func TestRetryBackoff(t *testing.T) {
	cfg := retryBackoffConfig{baseBackoff: time.Second, maxBackoff: 5 * time.Second}
	cases := map[int]time.Duration{0: time.Second, 1: time.Second, 2: 2 * time.Second, 3: 4 * time.Second, 4: 5 * time.Second, 60: 5 * time.Second}
	for failures, want := range cases {
		if got := retryBackoff(failures, cfg); got != want {
			t.Fatalf("failures=%d: expected %s, got %s", failures, want, got)
		}
	}
}

func TestOutboxRetrierDrainsQueue(t *testing.T) {
	h := newHarness(t)
	h.remote.OnWrite = func(context.Context, string) error { return errors.New("offline") }
	h.engine.Publish(h.ctx, models.EventProductCreated, map[string]any{"id": "p1"})
	h.engine.WaitUploads()
	h.remote.OnWrite = nil

	ctx, cancel := context.WithCancel(h.ctx)
	done := make(chan struct{})
	go func() {
		NewOutboxRetrier(h.engine).Run(ctx)
		close(done)
	}()
	// the first round runs immediately
	deadline := time.Now().Add(5 * time.Second)
	for h.engine.PendingQueueLength(h.ctx) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected retrier to drain the outbox")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}
