package registry

import "sync"

// ActiveStore persists the in-flight run count per provider. Writes for one
// name are serialized by the registry; implementations only need to be safe
// for concurrent use across different names.
type ActiveStore interface {
	// Add applies delta to name's count and returns the new count. Counts
	// never go below zero.
	Add(name string, delta int) int
	Count(name string) int
	Clear(name string)
}

// MemoryStore is the default in-process ActiveStore.
type MemoryStore struct {
	counts sync.Map
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Add(name string, delta int) int {
	next := s.Count(name) + delta
	if next <= 0 {
		s.counts.Delete(name)
		return 0
	}
	s.counts.Store(name, next)
	return next
}

func (s *MemoryStore) Count(name string) int {
	value, ok := s.counts.Load(name)
	if !ok {
		return 0
	}
	return value.(int)
}

func (s *MemoryStore) Clear(name string) {
	s.counts.Delete(name)
}

// Lease is one run's claim on a provider's active count. Release is
// idempotent, so every exit path can call it.
type Lease struct {
	name    string
	release func()
	once    sync.Once
}

// Name returns the provider the lease belongs to.
func (l *Lease) Name() string {
	if l == nil {
		return ""
	}
	return l.name
}

// Release gives the claim back.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(l.release)
}
