// Package cache keeps the packed bytes of recently seen items and
// parcels so peers that missed the original broadcast can pull them,
// and so a processor can re-decode an item it only knows by hash.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/terminal-bench/notarium/pkg/items"
)

// ErrMiss is returned when the cache holds no copy.
var ErrMiss = errors.New("cache: no copy")

// Cache stores packed item and parcel blobs for a bounded time.
type Cache interface {
	PutItem(ctx context.Context, id items.HashID, packed []byte) error
	GetItem(ctx context.Context, id items.HashID) ([]byte, error)
	PutParcel(ctx context.Context, id items.HashID, packed []byte) error
	GetParcel(ctx context.Context, id items.HashID) ([]byte, error)
	Close() error
}

// Memory is the in-process cache used by tests and single-node runs.
type Memory struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]memoryEntry
}

type memoryEntry struct {
	packed    []byte
	expiresAt time.Time
}

// NewMemory creates a cache whose entries expire after ttl.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{ttl: ttl, entries: make(map[string]memoryEntry)}
}

func (m *Memory) put(key string, packed []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := make([]byte, len(packed))
	copy(clone, packed)
	m.entries[key] = memoryEntry{packed: clone, expiresAt: time.Now().Add(m.ttl)}
}

func (m *Memory) get(key string) ([]byte, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || entry.expiresAt.Before(time.Now()) {
		return nil, ErrMiss
	}
	clone := make([]byte, len(entry.packed))
	copy(clone, entry.packed)
	return clone, nil
}

func (m *Memory) PutItem(ctx context.Context, id items.HashID, packed []byte) error {
	m.put("item:"+id.String(), packed)
	return nil
}

func (m *Memory) GetItem(ctx context.Context, id items.HashID) ([]byte, error) {
	return m.get("item:" + id.String())
}

func (m *Memory) PutParcel(ctx context.Context, id items.HashID, packed []byte) error {
	m.put("parcel:"+id.String(), packed)
	return nil
}

func (m *Memory) GetParcel(ctx context.Context, id items.HashID) ([]byte, error) {
	return m.get("parcel:" + id.String())
}

func (m *Memory) Close() error { return nil }
