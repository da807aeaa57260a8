// Package syncstate holds the small set of durable values the sync engine
// keeps between runs: the device id, the processed event ids, the watermark
// and the outbox of events not yet delivered.
package syncstate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/books_sync/models"
	"github.com/google/uuid"
)

const (
	KeyDeviceId     = "device_id"
	KeyProcessedIds = "processed_event_ids"
	KeyLastSyncedAt = "last_synced_at"
	KeyPendingQueue = "pending_upload_queue"

	DeviceIdPrefix = "mobile-"
)

// QueueEntry is one outbox item: the object name it will be written under and
// the envelope itself.
type QueueEntry struct {
	FileName string          `json:"fileName"`
	Envelope models.Envelope `json:"envelope"`
}

// SyncState is the bookkeeping of one device. Each value is loaded and saved
// as a single blob; the mutex serializes read-modify-write within a process.
type SyncState struct {
	mu       sync.Mutex
	store    Store
	deviceId string
}

func New(store Store) *SyncState {
	return &SyncState{store: store}
}

// DeviceId returns the persisted device id, generating it on first use.
func (s *SyncState) DeviceId(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deviceId != "" {
		return s.deviceId, nil
	}
	id, ok, err := s.store.Get(ctx, KeyDeviceId)
	if err != nil {
		return "", fmt.Errorf("load device id: %w", err)
	}
	if !ok || id == "" {
		id = NewDeviceId()
		if err := s.store.Set(ctx, KeyDeviceId, id); err != nil {
			return "", fmt.Errorf("save device id: %w", err)
		}
	}
	s.deviceId = id
	return id, nil
}

// NewDeviceId returns "mobile-" followed by 8 random hex characters.
func NewDeviceId() string {
	return DeviceIdPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func (s *SyncState) ProcessedIds(ctx context.Context) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadProcessed(ctx)
}

func (s *SyncState) loadProcessed(ctx context.Context) (map[string]struct{}, error) {
	set := map[string]struct{}{}
	raw, ok, err := s.store.Get(ctx, KeyProcessedIds)
	if err != nil {
		return nil, fmt.Errorf("load processed ids: %w", err)
	}
	if !ok || raw == "" {
		return set, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("decode processed ids: %w", err)
	}
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// SaveProcessedIds replaces the persisted set with ids.
func (s *SyncState) SaveProcessedIds(ctx context.Context, ids map[string]struct{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveProcessed(ctx, ids)
}

func (s *SyncState) saveProcessed(ctx context.Context, ids map[string]struct{}) error {
	list := make([]string, 0, len(ids))
	for id := range ids {
		list = append(list, id)
	}
	sort.Strings(list)
	b, err := json.Marshal(list)
	if err != nil {
		return err
	}
	if err := s.store.Set(ctx, KeyProcessedIds, string(b)); err != nil {
		return fmt.Errorf("save processed ids: %w", err)
	}
	return nil
}

// MarkProcessed adds ids to the persisted set.
func (s *SyncState) MarkProcessed(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set, err := s.loadProcessed(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return s.saveProcessed(ctx, set)
}

func (s *SyncState) ClearProcessed(ctx context.Context) error {
	return s.store.Delete(ctx, KeyProcessedIds)
}

// LastSyncedAt returns the watermark, or nil when no pass has completed.
func (s *SyncState) LastSyncedAt(ctx context.Context) (*time.Time, error) {
	raw, ok, err := s.store.Get(ctx, KeyLastSyncedAt)
	if err != nil {
		return nil, fmt.Errorf("load watermark: %w", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		// an unreadable watermark means a full listing, not a failed sync
		return nil, nil
	}
	return &t, nil
}

func (s *SyncState) SetLastSyncedAt(ctx context.Context, t time.Time) error {
	return s.store.Set(ctx, KeyLastSyncedAt, t.UTC().Format(time.RFC3339Nano))
}

func (s *SyncState) Queue(ctx context.Context) ([]QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadQueue(ctx)
}

func (s *SyncState) loadQueue(ctx context.Context) ([]QueueEntry, error) {
	raw, ok, err := s.store.Get(ctx, KeyPendingQueue)
	if err != nil {
		return nil, fmt.Errorf("load outbox: %w", err)
	}
	if !ok || raw == "" {
		return []QueueEntry{}, nil
	}
	var queue []QueueEntry
	if err := json.Unmarshal([]byte(raw), &queue); err != nil {
		return nil, fmt.Errorf("decode outbox: %w", err)
	}
	return queue, nil
}

func (s *SyncState) saveQueue(ctx context.Context, queue []QueueEntry) error {
	if len(queue) == 0 {
		return s.store.Delete(ctx, KeyPendingQueue)
	}
	b, err := json.Marshal(queue)
	if err != nil {
		return err
	}
	if err := s.store.Set(ctx, KeyPendingQueue, string(b)); err != nil {
		return fmt.Errorf("save outbox: %w", err)
	}
	return nil
}

// AddToQueue appends entry unless an entry with the same event id is queued.
func (s *SyncState) AddToQueue(ctx context.Context, entry QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue, err := s.loadQueue(ctx)
	if err != nil {
		return err
	}
	for _, q := range queue {
		if q.Envelope.EventId == entry.Envelope.EventId {
			return nil
		}
	}
	return s.saveQueue(ctx, append(queue, entry))
}

// RemoveFromQueue drops the entry for eventId and reports whether it was queued.
func (s *SyncState) RemoveFromQueue(ctx context.Context, eventId string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue, err := s.loadQueue(ctx)
	if err != nil {
		return false, err
	}
	kept := queue[:0]
	removed := false
	for _, q := range queue {
		if q.Envelope.EventId == eventId {
			removed = true
			continue
		}
		kept = append(kept, q)
	}
	if !removed {
		return false, nil
	}
	return true, s.saveQueue(ctx, kept)
}

func (s *SyncState) QueueLength(ctx context.Context) (int, error) {
	queue, err := s.Queue(ctx)
	if err != nil {
		return 0, err
	}
	return len(queue), nil
}

// Reset forgets the processed set, the watermark and the outbox. It serves
// both a forced full resync and logout; the device id survives.
func (s *SyncState) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Delete(ctx, KeyProcessedIds, KeyLastSyncedAt, KeyPendingQueue)
}
