// Package itemlock provides process-wide mutual exclusion keyed by item
// hash. Lock records are reference counted and reclaimed as soon as the
// last holder or waiter releases, so the live set stays bounded by the
// number of in-flight items.
package itemlock

import (
	"sync"

	"github.com/terminal-bench/notarium/pkg/items"
)

// ItemLock is a registry of per-hash mutexes. The zero value is not
// usable; call New.
type ItemLock struct {
	mu      sync.Mutex
	records map[items.HashID]*record
}

type record struct {
	mu   sync.Mutex
	refs int
}

// New creates an empty lock registry.
func New() *ItemLock {
	return &ItemLock{records: make(map[items.HashID]*record)}
}

// WithLock runs fn while holding the exclusive lock for id. Calls for
// distinct ids never block each other. The lock record is installed on
// first use and removed once no caller holds or waits for it; a call
// racing with that removal installs a fresh record, so mutual exclusion
// is never lost across the reclamation boundary.
func (l *ItemLock) WithLock(id items.HashID, fn func() error) error {
	l.mu.Lock()
	r, ok := l.records[id]
	if !ok {
		r = &record{}
		l.records[id] = r
	}
	r.refs++
	l.mu.Unlock()

	r.mu.Lock()
	defer func() {
		r.mu.Unlock()
		l.mu.Lock()
		r.refs--
		if r.refs == 0 {
			delete(l.records, id)
		}
		l.mu.Unlock()
	}()

	return fn()
}

// Size returns the number of live lock records. It returns to zero
// shortly after all holders release.
func (l *ItemLock) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}
