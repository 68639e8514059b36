package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore implements Store with an in-memory map. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu    sync.RWMutex
	nodes map[string]Node
	seq   int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes: make(map[string]Node),
	}
}

func (s *MemoryStore) Read(_ context.Context, path string) (Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[path]
	if !ok {
		return Node{}, ErrNotFound
	}
	return Node{Data: clone(n.Data), Version: n.Version}, nil
}

func (s *MemoryStore) Write(_ context.Context, path string, data []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.put(path, data), nil
}

func (s *MemoryStore) ConditionalWrite(_ context.Context, path string, expected int64, data []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// An absent node has version 0.
	if s.nodes[path].Version != expected {
		return 0, ErrVersionConflict
	}
	return s.put(path, data), nil
}

func (s *MemoryStore) Append(_ context.Context, prefix string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	s.put(childPrefix(prefix)+id, data)
	return id, nil
}

func (s *MemoryStore) List(_ context.Context, prefix string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := childPrefix(prefix)
	var entries []Entry
	for path, n := range s.nodes {
		if strings.HasPrefix(path, p) {
			entries = append(entries, Entry{Path: path, Node: Node{Data: clone(n.Data), Version: n.Version}})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (s *MemoryStore) Close() error { return nil }

// put must be called with s.mu held.
func (s *MemoryStore) put(path string, data []byte) int64 {
	if data == nil {
		delete(s.nodes, path)
		return 0
	}
	s.seq++
	// Store a copy to avoid external mutation.
	s.nodes[path] = Node{Data: clone(data), Version: s.seq}
	return s.seq
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
