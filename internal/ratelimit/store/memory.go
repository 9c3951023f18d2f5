package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// maxCASRetries bounds CAS spinning under contention.
const maxCASRetries = 100

type entry struct {
	value      int64
	expiration time.Time
}

// MemoryStore implements Store with in-process storage. Expired entries
// are reaped by a background goroutine.
type MemoryStore struct {
	data    sync.Map
	cleanup *time.Ticker
	done    chan struct{}
	mu      sync.Mutex
	closed  bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithCleanupInterval(time.Minute)
}

// NewMemoryStoreWithCleanupInterval creates an in-memory store with a
// custom cleanup interval.
func NewMemoryStoreWithCleanupInterval(interval time.Duration) *MemoryStore {
	s := &MemoryStore{
		cleanup: time.NewTicker(interval),
		done:    make(chan struct{}),
	}

	go s.cleanupLoop()

	return s
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	value, ok := s.data.Load(key)
	if !ok {
		return 0, &ErrKeyNotFound{Key: key}
	}

	e := value.(*entry)
	if !e.expiration.IsZero() && time.Now().After(e.expiration) {
		s.data.Delete(key)
		return 0, &ErrKeyNotFound{Key: key}
	}

	return e.value, nil
}

// Set implements Store.
func (s *MemoryStore) Set(ctx context.Context, key string, value int64, expiration time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var exp time.Time
	if expiration > 0 {
		exp = time.Now().Add(expiration)
	}

	s.data.Store(key, &entry{value: value, expiration: exp})
	return nil
}

// IncrementWithExpiry implements Store.
func (s *MemoryStore) IncrementWithExpiry(
	ctx context.Context, key string, delta int64, expiration time.Duration,
) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var exp time.Time
	if expiration > 0 {
		exp = time.Now().Add(expiration)
	}

	for retries := 0; retries < maxCASRetries; retries++ {
		value, ok := s.data.Load(key)
		if !ok {
			newEntry := &entry{value: delta, expiration: exp}
			if actual, loaded := s.data.LoadOrStore(key, newEntry); loaded {
				value = actual
			} else {
				return delta, nil
			}
		}

		e := value.(*entry)

		if !e.expiration.IsZero() && time.Now().After(e.expiration) {
			// Expired window, restart the counter.
			newEntry := &entry{value: delta, expiration: exp}
			if s.data.CompareAndSwap(key, e, newEntry) {
				return delta, nil
			}
			continue
		}

		newEntry := &entry{value: e.value + delta, expiration: e.expiration}
		if s.data.CompareAndSwap(key, e, newEntry) {
			return newEntry.value, nil
		}
	}

	return 0, fmt.Errorf("increment failed: max retries (%d) exceeded", maxCASRetries)
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.data.Delete(key)
	return nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}
	return nil
}

// Close implements Store. Safe to call multiple times.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.cleanup.Stop()
	close(s.done)

	return nil
}

// Size returns the number of entries in the store.
func (s *MemoryStore) Size() int {
	count := 0
	s.data.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

func (s *MemoryStore) cleanupLoop() {
	for {
		select {
		case <-s.cleanup.C:
			s.cleanupExpired()
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) cleanupExpired() {
	now := time.Now()

	s.data.Range(func(key, value interface{}) bool {
		e := value.(*entry)
		if !e.expiration.IsZero() && now.After(e.expiration) {
			s.data.Delete(key)
		}
		return true
	})
}
