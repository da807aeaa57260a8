// Package eventsync is the device sync engine: it publishes local mutations to
// the remote event log, pulls and applies remote events, and restores the
// local store from snapshots.
package eventsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/books_sync/cloudlog"
	"bitbucket.org/mmdatafocus/books_sync/config"
	"bitbucket.org/mmdatafocus/books_sync/normalize"
	"bitbucket.org/mmdatafocus/books_sync/syncstate"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

const tracerName = "bitbucket.org/mmdatafocus/books_sync/eventsync"

var (
	ErrUnknownEventKind = errors.New("unknown event kind")
	ErrMissingId        = errors.New("payload has no record id")
	ErrUnknownExpense   = errors.New("expense not found")
	ErrNoSnapshot       = errors.New("no snapshot files could be read")
)

// Progress receives a human readable message and the completed fraction in [0,1].
type Progress func(message string, fraction float64)

type SyncResult struct {
	Success        bool   `json:"success"`
	ProcessedCount int    `json:"processedCount"`
	Failures       int    `json:"failures"`
	Skipped        int    `json:"skipped"`
	Error          string `json:"error,omitempty"`
}

type RestoreResult struct {
	Success  bool   `json:"success"`
	Restored int    `json:"restored"`
	Error    string `json:"error,omitempty"`
}

type RetryResult struct {
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

type Status struct {
	DeviceId       string     `json:"deviceId"`
	LastSyncedAt   *time.Time `json:"lastSyncedAt"`
	PendingUploads int        `json:"pendingUploads"`
	ProcessedIds   int        `json:"processedIds"`
}

type Options struct {
	DB       *gorm.DB
	Remote   cloudlog.Store
	State    *syncstate.SyncState
	Settings config.SyncSettings
	Clock    clock.Clock
	Locker   Locker
	Notifier Notifier
	Metrics  *Metrics
	Logger   *logrus.Logger
}

// Engine is safe for concurrent use; sync passes and restores are serialized
// through the Locker.
type Engine struct {
	db         *gorm.DB
	remote     cloudlog.Store
	state      *syncstate.SyncState
	settings   config.SyncSettings
	clock      clock.Clock
	locker     Locker
	notifier   Notifier
	metrics    *Metrics
	logger     *logrus.Logger
	tracer     trace.Tracer
	reconciler *Reconciler

	// transact runs fn in one transaction on the local store.
	transact func(ctx context.Context, fn func(tx *gorm.DB) error) error

	folderMu       sync.Mutex
	eventsFolderId string

	uploads sync.WaitGroup
}

func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Locker == nil {
		opts.Locker = NewLocalLocker()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(prometheus.NewRegistry())
	}
	if opts.Logger == nil {
		opts.Logger = config.GetLogger()
	}
	if opts.Settings.BatchSize <= 0 {
		opts.Settings = config.DefaultSyncSettings()
	}
	e := &Engine{
		db:         opts.DB,
		remote:     opts.Remote,
		state:      opts.State,
		settings:   opts.Settings,
		clock:      opts.Clock,
		locker:     opts.Locker,
		notifier:   opts.Notifier,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		tracer:     otel.Tracer(tracerName),
		reconciler: NewReconciler(normalize.Normalizer{PhoneRegion: opts.Settings.PhoneRegion}, opts.Logger),
	}
	e.transact = func(ctx context.Context, fn func(tx *gorm.DB) error) error {
		return e.db.WithContext(ctx).Transaction(fn)
	}
	return e
}

// eventsFolder resolves the remote log folder once per engine, creating it if needed.
func (e *Engine) eventsFolder(ctx context.Context) (string, error) {
	e.folderMu.Lock()
	defer e.folderMu.Unlock()
	if e.eventsFolderId != "" {
		return e.eventsFolderId, nil
	}
	id, err := e.remote.EnsureFolder(ctx, e.settings.EventsFolder, "")
	if err != nil {
		return "", err
	}
	e.eventsFolderId = id
	return id, nil
}

func (e *Engine) forgetFolder() {
	e.folderMu.Lock()
	e.eventsFolderId = ""
	e.folderMu.Unlock()
}

// WaitUploads blocks until detached uploads started by Publish have finished.
func (e *Engine) WaitUploads() {
	e.uploads.Wait()
}

func (e *Engine) PendingQueueLength(ctx context.Context) int {
	n, err := e.state.QueueLength(ctx)
	if err != nil {
		config.LogError(e.logger, "eventsync", "PendingQueueLength", "load outbox", nil, err)
		return 0
	}
	e.metrics.OutboxPending.Set(float64(n))
	return n
}

// ResetSyncState forgets the watermark, the processed ids and the outbox so
// the next pass replays the whole remote log.
func (e *Engine) ResetSyncState(ctx context.Context) error {
	unlock, err := e.locker.Lock(ctx, lockKeySync)
	if err != nil {
		return fmt.Errorf("reset sync state: %w", err)
	}
	defer unlock()
	if err := e.state.Reset(ctx); err != nil {
		return err
	}
	e.metrics.OutboxPending.Set(0)
	return nil
}

// Logout drops all sync bookkeeping for the current account. Uploads already
// in flight are allowed to finish first.
func (e *Engine) Logout(ctx context.Context) error {
	e.WaitUploads()
	if err := e.ResetSyncState(ctx); err != nil {
		return err
	}
	e.forgetFolder()
	return nil
}

func (e *Engine) Status(ctx context.Context) (Status, error) {
	var st Status
	var err error
	if st.DeviceId, err = e.state.DeviceId(ctx); err != nil {
		return st, err
	}
	if st.LastSyncedAt, err = e.state.LastSyncedAt(ctx); err != nil {
		return st, err
	}
	if st.PendingUploads, err = e.state.QueueLength(ctx); err != nil {
		return st, err
	}
	processed, err := e.state.ProcessedIds(ctx)
	if err != nil {
		return st, err
	}
	st.ProcessedIds = len(processed)
	return st, nil
}
