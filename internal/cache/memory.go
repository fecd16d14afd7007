package cache

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryTier is the in-process L1: a bounded LRU with per-entry TTL.
// All operations are O(1) except the prefix sweeps.
type MemoryTier struct {
	mu      sync.Mutex
	maxSize int
	order   *list.List // front = most recently used
	entries map[string]*list.Element
}

type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// NewMemoryTier creates an LRU tier bounded to maxSize entries.
func NewMemoryTier(maxSize int) *MemoryTier {
	if maxSize < 1 {
		maxSize = 1
	}
	return &MemoryTier{
		maxSize: maxSize,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

func (m *MemoryTier) Name() string { return "memory" }

// Get returns the value and true on a fresh hit. Expired entries are
// removed and reported as a miss.
func (m *MemoryTier) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	ent := el.Value.(*memoryEntry)
	if time.Now().After(ent.expiresAt) {
		m.order.Remove(el)
		delete(m.entries, key)
		return nil, false, nil
	}
	m.order.MoveToFront(el)
	return ent.value, true, nil
}

// Set stores a value, evicting the least-recently-used entry when full.
func (m *MemoryTier) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	expires := time.Now().Add(ttl)
	if el, ok := m.entries[key]; ok {
		ent := el.Value.(*memoryEntry)
		ent.value = value
		ent.expiresAt = expires
		m.order.MoveToFront(el)
		return nil
	}

	if m.order.Len() >= m.maxSize {
		oldest := m.order.Back()
		if oldest != nil {
			m.order.Remove(oldest)
			delete(m.entries, oldest.Value.(*memoryEntry).key)
		}
	}
	m.entries[key] = m.order.PushFront(&memoryEntry{key: key, value: value, expiresAt: expires})
	return nil
}

// Delete removes one key.
func (m *MemoryTier) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.entries[key]; ok {
		m.order.Remove(el)
		delete(m.entries, key)
	}
	return nil
}

// DeletePrefix removes all keys sharing a prefix.
func (m *MemoryTier) DeletePrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, el := range m.entries {
		if strings.HasPrefix(key, prefix) {
			m.order.Remove(el)
			delete(m.entries, key)
		}
	}
	return nil
}

// Clear removes every entry.
func (m *MemoryTier) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.order.Init()
	m.entries = make(map[string]*list.Element)
	return nil
}

// Len returns the current entry count.
func (m *MemoryTier) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}
