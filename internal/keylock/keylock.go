// Package keylock provides an arena of mutexes keyed by entity id.
//
// Callers lock every key an operation touches in one call; keys are acquired
// in sorted order so two overlapping lock sets can never deadlock. Entries are
// reference counted and dropped when the last holder or waiter releases them.
package keylock

import (
	"sort"
	"sync"
)

type entry struct {
	mu   sync.Mutex
	refs int
}

// Manager hands out per-key locks.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// New creates an empty lock manager.
func New() *Manager {
	return &Manager{locks: make(map[string]*entry)}
}

// Lock blocks until every key is held and returns the function that releases
// them. Duplicate keys are locked once. The release function is idempotent.
func (m *Manager) Lock(keys ...string) (unlock func()) {
	ordered := canonical(keys)

	held := make([]*entry, 0, len(ordered))
	for _, k := range ordered {
		e := m.acquire(k)
		e.mu.Lock()
		held = append(held, e)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(held) - 1; i >= 0; i-- {
				held[i].mu.Unlock()
				m.release(ordered[i])
			}
		})
	}
}

// Len returns the number of keys currently held or waited on.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *Manager) acquire(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.locks[key]
	if !ok {
		e = &entry{}
		m.locks[key] = e
	}
	e.refs++
	return e
}

func (m *Manager) release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.locks[key]
	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
}

func canonical(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
