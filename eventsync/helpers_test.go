package eventsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/books_sync/cloudlog"
	"bitbucket.org/mmdatafocus/books_sync/config"
	"bitbucket.org/mmdatafocus/books_sync/models"
	"bitbucket.org/mmdatafocus/books_sync/syncstate"
	"github.com/google/uuid"
	"github.com/juju/clock/testclock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var baseTime = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := models.MigrateTable(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	db       *gorm.DB
	clock    *testclock.Clock
	remote   *cloudlog.MemoryStore
	state    *syncstate.SyncState
	settings config.SyncSettings
	engine   *Engine
	folder   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		ctx:   context.Background(),
		db:    openTestDB(t),
		clock: testclock.NewClock(baseTime),
	}
	h.remote = cloudlog.NewMemoryStore(h.clock, 2)
	h.state = syncstate.New(syncstate.NewGormStore(h.db))
	h.settings = config.DefaultSyncSettings()
	h.settings.BatchSize = 3
	h.settings.RetryBackoff = 0
	h.settings.PhoneRegion = "US"
	h.engine = h.newEngine(nil)

	folder, err := h.remote.EnsureFolder(h.ctx, h.settings.EventsFolder, "")
	if err != nil {
		t.Fatalf("ensure events folder: %v", err)
	}
	h.folder = folder
	return h
}

func (h *harness) newEngine(notifier Notifier) *Engine {
	return New(Options{
		DB:       h.db,
		Remote:   h.remote,
		State:    h.state,
		Settings: h.settings,
		Clock:    h.clock,
		Notifier: notifier,
		Metrics:  NewMetrics(prometheus.NewRegistry()),
		Logger:   quietLogger(),
	})
}

func envelope(kind models.EventKind, at time.Time, payload string) models.Envelope {
	return models.Envelope{
		EventId:   uuid.NewString(),
		Type:      kind,
		CreatedAt: at.UTC(),
		DeviceId:  "mobile-remote01",
		Payload:   json.RawMessage(payload),
	}
}

// putEvent uploads env the way another device would, created at its own
// timestamp.
func (h *harness) putEvent(env models.Envelope) string {
	h.t.Helper()
	body, err := json.Marshal(env)
	if err != nil {
		h.t.Fatalf("marshal envelope: %v", err)
	}
	name := cloudlog.EventFileName(env)
	h.remote.Put(h.folder, name, body, env.CreatedAt, env.CreatedAt)
	return name
}

func (h *harness) apply(env models.Envelope) {
	h.t.Helper()
	if err := h.engine.reconciler.Apply(h.db, env); err != nil {
		h.t.Fatalf("apply %s: %v", env.Type, err)
	}
}

func (h *harness) product(id string) models.Product {
	h.t.Helper()
	var p models.Product
	if err := h.db.Where("id = ?", id).Take(&p).Error; err != nil {
		h.t.Fatalf("load product %s: %v", id, err)
	}
	return p
}

func (h *harness) customer(id string) models.Customer {
	h.t.Helper()
	var c models.Customer
	if err := h.db.Where("id = ?", id).Take(&c).Error; err != nil {
		h.t.Fatalf("load customer %s: %v", id, err)
	}
	return c
}

func (h *harness) count(model interface{}) int64 {
	h.t.Helper()
	var n int64
	if err := h.db.Model(model).Count(&n).Error; err != nil {
		h.t.Fatalf("count: %v", err)
	}
	return n
}

func (h *harness) processed() map[string]struct{} {
	h.t.Helper()
	ids, err := h.state.ProcessedIds(h.ctx)
	if err != nil {
		h.t.Fatalf("processed ids: %v", err)
	}
	return ids
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// seed creates product p1 with stock 10 and customer c1 at baseTime.
func (h *harness) seed() {
	h.t.Helper()
	h.apply(envelope(models.EventProductCreated, baseTime,
		`{"id":"p1","name":"Green Tea","price":"50","stock":10}`))
	h.apply(envelope(models.EventCustomerCreated, baseTime,
		`{"id":"c1","name":"Daw Mya","phone":"(650) 253-0000"}`))
}
