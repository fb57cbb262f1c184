// Package cache holds the status cache backends and the cache epoch that keys
// cached assessment lookups.
package cache

import (
	"context"
	"sync"
	"time"
)

// Store caches opaque values grouped by namespace. A namespace is dropped as a
// unit, which lets callers invalidate everything cached for one user.
type Store interface {
	Get(ctx context.Context, namespace, key string) ([]byte, bool, error)
	Set(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error
	DeleteNamespace(ctx context.Context, namespace string) error
}

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryStore is a thread-safe in-process Store with lazy expiration.
type MemoryStore struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]*memoryEntry
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		namespaces: make(map[string]map[string]*memoryEntry),
		now:        time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, namespace, key string) ([]byte, bool, error) {
	s.mu.RLock()
	entry, ok := s.namespaces[namespace][key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !s.now().Before(entry.expiresAt) {
		s.evictExpired(namespace, key)
		return nil, false, nil
	}
	return entry.data, true, nil
}

// evictExpired deletes key only if the entry under it is still expired once
// the write lock is held. A Set racing in between keeps its value.
func (s *MemoryStore) evictExpired(namespace, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.namespaces[namespace][key]; ok && !s.now().Before(cur.expiresAt) {
		delete(s.namespaces[namespace], key)
	}
}

func (s *MemoryStore) Set(_ context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.namespaces[namespace]
	if !ok {
		ns = make(map[string]*memoryEntry)
		s.namespaces[namespace] = ns
	}
	ns[key] = &memoryEntry{data: value, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) DeleteNamespace(_ context.Context, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.namespaces, namespace)
	return nil
}

// Sweep removes expired entries. It backs the periodic cleanup loop.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for name, ns := range s.namespaces {
		for k, v := range ns {
			if !now.Before(v.expiresAt) {
				delete(ns, k)
				removed++
			}
		}
		if len(ns) == 0 {
			delete(s.namespaces, name)
		}
	}
	return removed
}

// StartCleanup sweeps expired entries every interval until ctx is cancelled.
func (s *MemoryStore) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}
