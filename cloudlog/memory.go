package cloudlog

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/juju/clock"
)

// ListCall records the arguments of one List call.
type ListCall struct {
	FolderId     string
	CreatedAfter *time.Time
	PageToken    string
}

type memFolder struct {
	name     string
	parentId string
}

type memObject struct {
	Object
	folderId string
	body     []byte
}

// MemoryStore is an in-process Store. It backs REMOTE_STORE=memory and the
// tests; the exported hooks let callers inject failures.
type MemoryStore struct {
	mu       sync.Mutex
	clock    clock.Clock
	seq      int
	folders  map[string]memFolder
	objects  map[string]*memObject
	pageSize int

	listCalls      []ListCall
	authorizeCalls int
	forcedAuths    int

	// OnWrite runs before an object is stored; a non-nil error fails the write.
	OnWrite func(ctx context.Context, name string) error
	// OnRead runs before an object body is returned.
	OnRead func(ctx context.Context, id string) error
	// OnAuthorize runs on every Authorize call.
	OnAuthorize func(ctx context.Context, force bool) error
}

func NewMemoryStore(clk clock.Clock, pageSize int) *MemoryStore {
	if clk == nil {
		clk = clock.WallClock
	}
	if pageSize <= 0 {
		pageSize = 1000
	}
	return &MemoryStore{
		clock:    clk,
		folders:  map[string]memFolder{},
		objects:  map[string]*memObject{},
		pageSize: pageSize,
	}
}

func (m *MemoryStore) nextId(prefix string) string {
	m.seq++
	return prefix + strconv.Itoa(m.seq)
}

func (m *MemoryStore) Authorize(ctx context.Context, force bool) error {
	m.mu.Lock()
	m.authorizeCalls++
	if force {
		m.forcedAuths++
	}
	hook := m.OnAuthorize
	m.mu.Unlock()
	if hook != nil {
		return hook(ctx, force)
	}
	return nil
}

func (m *MemoryStore) EnsureFolder(ctx context.Context, name, parentId string) (string, error) {
	if id, ok, _ := m.FindFolder(ctx, name, parentId); ok {
		return id, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextId("folder-")
	m.folders[id] = memFolder{name: name, parentId: parentId}
	return id, nil
}

func (m *MemoryStore) FindFolder(_ context.Context, name, parentId string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, f := range m.folders {
		if f.name == name && f.parentId == parentId {
			return id, true, nil
		}
	}
	return "", false, nil
}

func (m *MemoryStore) List(_ context.Context, folderId string, createdAfter *time.Time, pageToken string) (Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call := ListCall{FolderId: folderId, PageToken: pageToken}
	if createdAfter != nil {
		t := *createdAfter
		call.CreatedAfter = &t
	}
	m.listCalls = append(m.listCalls, call)

	if _, ok := m.folders[folderId]; !ok {
		return Page{}, fmt.Errorf("list folder %s: %w", folderId, ErrNotFound)
	}
	var matched []Object
	for _, o := range m.objects {
		if o.folderId != folderId {
			continue
		}
		if createdAfter != nil && !o.CreatedAt.After(*createdAfter) {
			continue
		}
		matched = append(matched, o.Object)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Name == matched[j].Name {
			return matched[i].Id < matched[j].Id
		}
		return matched[i].Name < matched[j].Name
	})

	offset := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil || n < 0 {
			return Page{}, fmt.Errorf("invalid page token %q", pageToken)
		}
		offset = n
	}
	if offset > len(matched) {
		offset = len(matched)
	}
	end := offset + m.pageSize
	if end > len(matched) {
		end = len(matched)
	}
	page := Page{Objects: append([]Object(nil), matched[offset:end]...)}
	if end < len(matched) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}

func (m *MemoryStore) Read(ctx context.Context, id string) ([]byte, error) {
	m.mu.Lock()
	hook := m.OnRead
	m.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, id); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[id]
	if !ok {
		return nil, fmt.Errorf("read %s: %w", id, ErrNotFound)
	}
	return append([]byte(nil), o.body...), nil
}

func (m *MemoryStore) Write(ctx context.Context, folderId, name string, body []byte) (string, error) {
	m.mu.Lock()
	hook := m.OnWrite
	m.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, name); err != nil {
			return "", err
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.folders[folderId]; !ok {
		return "", fmt.Errorf("write into folder %s: %w", folderId, ErrNotFound)
	}
	now := m.clock.Now().UTC()
	return m.put(folderId, name, body, now, now), nil
}

// Put stores an object with explicit timestamps, bypassing hooks.
func (m *MemoryStore) Put(folderId, name string, body []byte, createdAt, modifiedAt time.Time) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.put(folderId, name, body, createdAt, modifiedAt)
}

func (m *MemoryStore) put(folderId, name string, body []byte, createdAt, modifiedAt time.Time) string {
	id := m.nextId("obj-")
	m.objects[id] = &memObject{
		Object: Object{
			Id:         id,
			Name:       name,
			CreatedAt:  createdAt.UTC(),
			ModifiedAt: modifiedAt.UTC(),
		},
		folderId: folderId,
		body:     append([]byte(nil), body...),
	}
	return id
}

// Objects returns every object in folderId ordered by name.
func (m *MemoryStore) Objects(folderId string) []Object {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Object
	for _, o := range m.objects {
		if o.folderId == folderId {
			out = append(out, o.Object)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *MemoryStore) ListCalls() []ListCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ListCall(nil), m.listCalls...)
}

// AuthorizeCalls returns the total and the forced number of Authorize calls.
func (m *MemoryStore) AuthorizeCalls() (total, forced int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authorizeCalls, m.forcedAuths
}
