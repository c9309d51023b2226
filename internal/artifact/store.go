// Package artifact keeps generated documents addressable for download.
//
// A Store is the process-wide address space: handles map to artifact bytes
// until released. Each workflow owns a Manager, which issues handles into
// the shared Store and guarantees that at most one of them is live.
package artifact

import (
	"errors"
	"sync"

	"github.com/JonMunkholm/paperwork/internal/core"
	"github.com/google/uuid"
)

// ErrHandleNotFound is returned when a handle was never issued or has been released.
var ErrHandleNotFound = errors.New("artifact not found")

// Store holds published artifacts keyed by handle.
type Store struct {
	mu    sync.RWMutex
	items map[core.HandleRef]core.Artifact
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{items: make(map[core.HandleRef]core.Artifact)}
}

// Resolve returns the artifact addressed by ref.
func (s *Store) Resolve(ref core.HandleRef) (core.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.items[ref]
	if !ok {
		return core.Artifact{}, ErrHandleNotFound
	}
	return a, nil
}

// Len returns the number of live handles across all managers.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// put stores a and returns a fresh handle for it.
func (s *Store) put(a core.Artifact) core.HandleRef {
	ref := core.HandleRef(uuid.New().String())

	s.mu.Lock()
	s.items[ref] = a
	s.mu.Unlock()

	return ref
}

// remove drops ref and reports whether it was live.
func (s *Store) remove(ref core.HandleRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[ref]; !ok {
		return false
	}
	delete(s.items, ref)
	return true
}
