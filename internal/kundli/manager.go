package kundli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/astrorag/internal/storage"
)

var (
	// ErrNotFound is returned when no facts are stored under a cache key.
	ErrNotFound = errors.New("kundli: not found")

	// ErrInvalid is returned by Set for an empty key or empty facts.
	ErrInvalid = errors.New("kundli: invalid entry")
)

const DefaultTTL = 5 * time.Minute

// Store defines the storage operations the Manager needs.
// Implemented by storage.Store.
type Store interface {
	SetKundli(key, facts string) error
	GetKundli(key string) (storage.KundliEntry, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type cached struct {
	facts    string
	cachedAt time.Time
}

// Manager provides cached access to kundli facts stored in SQLite, keyed by
// the birth-details cache key.
type Manager struct {
	store Store
	clock Clock
	ttl   time.Duration

	mu      sync.RWMutex
	entries map[string]cached
}

// NewManager creates a Manager with the default cache TTL.
func NewManager(store Store) *Manager {
	return NewManagerWithClock(store, realClock{}, DefaultTTL)
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store Store, clock Clock, ttl time.Duration) *Manager {
	return &Manager{
		store:   store,
		clock:   clock,
		ttl:     ttl,
		entries: make(map[string]cached),
	}
}

// CacheKey builds the key kundli facts are stored under from birth details.
func CacheKey(dob, tob, pob string) string {
	return strings.TrimSpace(dob) + "|" + strings.TrimSpace(tob) + "|" + strings.TrimSpace(pob)
}

// Get returns the facts for key, from cache when fresh.
func (m *Manager) Get(key string) (string, error) {
	// Fast path: read lock for cache hit.
	m.mu.RLock()
	if e, ok := m.entries[key]; ok && m.fresh(e) {
		m.mu.RUnlock()
		return e.facts, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock.
	if e, ok := m.entries[key]; ok && m.fresh(e) {
		return e.facts, nil
	}

	entry, err := m.store.GetKundli(key)
	if errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("loading kundli %q: %w", key, err)
	}

	m.pruneLocked()
	m.entries[key] = cached{facts: entry.Facts, cachedAt: m.clock.Now()}
	return entry.Facts, nil
}

// Set persists facts under key and refreshes the cache. A JSON payload is
// stored compacted; anything else is stored as trimmed text.
func (m *Manager) Set(key, facts string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: empty cache key", ErrInvalid)
	}
	facts = normalize(facts)
	if facts == "" {
		return fmt.Errorf("%w: empty facts", ErrInvalid)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.SetKundli(key, facts); err != nil {
		return fmt.Errorf("storing kundli %q: %w", key, err)
	}
	m.pruneLocked()
	m.entries[key] = cached{facts: facts, cachedAt: m.clock.Now()}
	return nil
}

// Resolve picks the facts for an answer: inline facts win, then the cache
// key, then none. A missing key is not an error.
func (m *Manager) Resolve(inline, key string) (string, error) {
	if strings.TrimSpace(inline) != "" {
		return inline, nil
	}
	if key == "" {
		return "", nil
	}
	facts, err := m.Get(key)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return facts, err
}

// pruneLocked drops expired entries. Callers hold m.mu for writing.
func (m *Manager) pruneLocked() {
	for k, e := range m.entries {
		if !m.fresh(e) {
			delete(m.entries, k)
		}
	}
}

func (m *Manager) fresh(e cached) bool {
	return m.clock.Now().Before(e.cachedAt.Add(m.ttl))
}

func normalize(facts string) string {
	facts = strings.TrimSpace(facts)
	if json.Valid([]byte(facts)) {
		var buf bytes.Buffer
		if err := json.Compact(&buf, []byte(facts)); err == nil {
			return buf.String()
		}
	}
	return facts
}
