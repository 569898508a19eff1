// Package registry provides concurrency-safe keyed storage for the VM and
// GPU records shared by the allocator, the lifecycle manager and the
// monitoring collector. Locking is per entity: mutating one record never
// blocks operations on another.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dante-gpu/gpu-share-vm-manager/internal/domain"
)

// cloneable lets the store hand out defensive copies.
type cloneable[T any] interface {
	Clone() T
}

type entry[T cloneable[T]] struct {
	mu  sync.Mutex
	val T
}

// Store is a keyed set of records with a per-entry mutex. The outer map
// lock is held only long enough to find or insert an entry, so updates on
// distinct ids proceed independently.
type Store[T cloneable[T]] struct {
	mu      sync.RWMutex
	entries map[string]*entry[T]
}

// NewStore creates an empty store.
func NewStore[T cloneable[T]]() *Store[T] {
	return &Store[T]{entries: make(map[string]*entry[T])}
}

// Insert adds a new record. It fails with ErrConflict if the id exists.
func (s *Store[T]) Insert(id string, val T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[id]; exists {
		return fmt.Errorf("insert %q: %w", id, domain.ErrConflict)
	}
	s.entries[id] = &entry[T]{val: val.Clone()}
	return nil
}

// Get returns a copy of the record, or ErrNotFound.
func (s *Store[T]) Get(id string) (T, error) {
	s.mu.RLock()
	e, exists := s.entries[id]
	s.mu.RUnlock()

	var zero T
	if !exists {
		return zero, fmt.Errorf("get %q: %w", id, domain.ErrNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.val.Clone(), nil
}

// Update applies fn to the record under its entry lock. fn sees the live
// value and may mutate it; if fn returns an error the mutation is discarded
// and the error is returned unchanged. On success Update returns a copy of
// the new value. This is the compare-and-update primitive the allocator and
// lifecycle manager build their atomic transitions on.
func (s *Store[T]) Update(id string, fn func(T) error) (T, error) {
	s.mu.RLock()
	e, exists := s.entries[id]
	s.mu.RUnlock()

	var zero T
	if !exists {
		return zero, fmt.Errorf("update %q: %w", id, domain.ErrNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	candidate := e.val.Clone()
	if err := fn(candidate); err != nil {
		return zero, err
	}
	e.val = candidate
	return candidate.Clone(), nil
}

// Upsert inserts the record, replacing any existing value for the id.
func (s *Store[T]) Upsert(id string, val T) {
	s.mu.Lock()
	e, exists := s.entries[id]
	if !exists {
		s.entries[id] = &entry[T]{val: val.Clone()}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	e.mu.Lock()
	e.val = val.Clone()
	e.mu.Unlock()
}

// Delete removes the record. Deleting an absent id is a no-op.
func (s *Store[T]) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
}

// List returns copies of all records, ordered by id for stable output.
func (s *Store[T]) List() []T {
	s.mu.RLock()
	ids := make([]string, 0, len(s.entries))
	refs := make(map[string]*entry[T], len(s.entries))
	for id, e := range s.entries {
		ids = append(ids, id)
		refs[id] = e
	}
	s.mu.RUnlock()

	sort.Strings(ids)

	out := make([]T, 0, len(ids))
	for _, id := range ids {
		e := refs[id]
		e.mu.Lock()
		out = append(out, e.val.Clone())
		e.mu.Unlock()
	}
	return out
}

// Len returns the number of records.
func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Registry bundles the VM and GPU stores that the engine components share.
// It is an explicit dependency, not a singleton: tests construct a fresh one.
type Registry struct {
	VMs  *Store[*domain.VirtualMachine]
	GPUs *Store[*domain.GPUDevice]
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		VMs:  NewStore[*domain.VirtualMachine](),
		GPUs: NewStore[*domain.GPUDevice](),
	}
}
