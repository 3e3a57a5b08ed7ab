package kundli

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/astrorag/internal/storage"
)

// --- Mock store ---

type mockStore struct {
	mu   sync.Mutex
	data map[string]string

	getCalls int
	getErr   error
}

func newMockStore() *mockStore {
	return &mockStore{data: make(map[string]string)}
}

func (m *mockStore) SetKundli(key, facts string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = facts
	return nil
}

func (m *mockStore) GetKundli(key string) (storage.KundliEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	if m.getErr != nil {
		return storage.KundliEntry{}, m.getErr
	}
	v, ok := m.data[key]
	if !ok {
		return storage.KundliEntry{}, storage.ErrNotFound
	}
	return storage.KundliEntry{CacheKey: key, Facts: v}, nil
}

func (m *mockStore) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getCalls
}

// --- Mock clock ---

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// --- Tests ---

func TestCacheKey(t *testing.T) {
	if got := CacheKey("1990-01-02", " 10:30", "Pune "); got != "1990-01-02|10:30|Pune" {
		t.Errorf("CacheKey = %q", got)
	}
}

func TestSetAndGet(t *testing.T) {
	store := newMockStore()
	mgr := NewManager(store)

	if err := mgr.Set("k", `{ "jupiter": { "sign": "Leo", "degree": 12.5 } }`); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := mgr.Get("k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != `{"jupiter":{"sign":"Leo","degree":12.5}}` {
		t.Errorf("facts = %q, want compacted JSON", got)
	}
	if store.calls() != 0 {
		t.Error("Get after Set should be served from cache")
	}
}

func TestSet_PlainText(t *testing.T) {
	mgr := NewManager(newMockStore())
	if err := mgr.Set("k", "  Jupiter in Leo at 12 degrees \n"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got, _ := mgr.Get("k"); got != "Jupiter in Leo at 12 degrees" {
		t.Errorf("facts = %q", got)
	}
}

func TestSet_Rejects(t *testing.T) {
	mgr := NewManager(newMockStore())
	if err := mgr.Set("", "facts"); !errors.Is(err, ErrInvalid) {
		t.Errorf("empty key err = %v, want ErrInvalid", err)
	}
	if err := mgr.Set("k", "   "); !errors.Is(err, ErrInvalid) {
		t.Errorf("empty facts err = %v, want ErrInvalid", err)
	}
}

func TestGet_NotFound(t *testing.T) {
	mgr := NewManager(newMockStore())
	if _, err := mgr.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCacheTTL(t *testing.T) {
	store := newMockStore()
	store.data["k"] = "facts"
	clock := &mockClock{now: time.Now()}
	ttl := 60 * time.Second
	mgr := NewManagerWithClock(store, clock, ttl)

	mgr.Get("k")
	mgr.Get("k")
	if calls := store.calls(); calls != 1 {
		t.Errorf("expected 1 store call (cache hit on second), got %d", calls)
	}

	// Advance past TTL
	clock.Advance(ttl + time.Second)
	mgr.Get("k")
	if calls := store.calls(); calls != 2 {
		t.Errorf("expected 2 store calls (cache expired), got %d", calls)
	}
}

func TestCacheEvictsExpired(t *testing.T) {
	store := newMockStore()
	clock := &mockClock{now: time.Now()}
	ttl := time.Minute
	mgr := NewManagerWithClock(store, clock, ttl)

	for _, k := range []string{"a", "b"} {
		if err := mgr.Set(k, "facts "+k); err != nil {
			t.Fatalf("Set(%s): %v", k, err)
		}
	}
	clock.Advance(ttl + time.Second)
	if err := mgr.Set("c", "facts c"); err != nil {
		t.Fatalf("Set(c): %v", err)
	}
	if n := len(mgr.entries); n != 1 {
		t.Errorf("cached entries after Set = %d, want 1", n)
	}

	store.data["d"] = "facts d"
	clock.Advance(ttl + time.Second)
	if _, err := mgr.Get("d"); err != nil {
		t.Fatalf("Get(d): %v", err)
	}
	if _, ok := mgr.entries["c"]; ok || len(mgr.entries) != 1 {
		t.Errorf("entries after refresh = %v, want only d", mgr.entries)
	}
}

func TestResolve(t *testing.T) {
	store := newMockStore()
	store.data["k"] = "cached facts"
	mgr := NewManager(store)

	tests := []struct {
		name, inline, key, want string
	}{
		{"inline wins", "inline facts", "k", "inline facts"},
		{"from key", "", "k", "cached facts"},
		{"unknown key", "", "nope", ""},
		{"nothing", "", "", ""},
	}
	for _, tt := range tests {
		got, err := mgr.Resolve(tt.inline, tt.key)
		if err != nil {
			t.Errorf("%s: %v", tt.name, err)
		}
		if got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestResolve_StoreError(t *testing.T) {
	store := newMockStore()
	store.getErr = errors.New("disk I/O error")
	mgr := NewManager(store)

	if _, err := mgr.Resolve("", "k"); err == nil {
		t.Error("expected storage errors to surface")
	}
}

func TestWithSQLiteStore(t *testing.T) {
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer st.Close()

	mgr := NewManager(st)
	key := CacheKey("1985-07-14", "06:45", "Jaipur")
	if err := mgr.Set(key, "Saturn retrograde in Scorpio"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	fresh := NewManager(st)
	got, err := fresh.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "Saturn retrograde in Scorpio" {
		t.Errorf("facts = %q", got)
	}
}
