// pkg/storage/memory.go
package storage

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

/*
Process-local store.

Adequate only for single-instance deployments: writes are invisible to other
processes, so a login initiated here cannot be validated elsewhere. Use the
Redis or SQL backend when running more than one instance.
*/

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryStore is an in-memory Store with a background janitor.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry

	now  func() time.Time
	done chan struct{}
	once sync.Once
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the store clock (tests).
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

// NewMemoryStore creates a process-local store. cleanupInterval <= 0 uses a
// one-minute janitor sweep.
func NewMemoryStore(cleanupInterval time.Duration, opts ...MemoryOption) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	m := &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     func() time.Time { return time.Now().UTC() },
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.janitor(cleanupInterval)
	return m
}

func (m *MemoryStore) janitor(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-t.C:
			now := m.now()
			m.mu.Lock()
			for k, e := range m.entries {
				if !e.expiresAt.After(now) {
					delete(m.entries, k)
				}
			}
			m.mu.Unlock()
		}
	}
}

func (m *MemoryStore) put(key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.entries[key] = memoryEntry{data: data, expiresAt: m.now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

// get returns the raw value when present and unexpired. consume deletes it
// within the same critical section, making check-and-consume atomic.
func (m *MemoryStore) get(key string, consume bool) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || !e.expiresAt.After(m.now()) {
		delete(m.entries, key)
		return nil, ErrNotFound
	}
	if consume {
		delete(m.entries, key)
	}
	return e.data, nil
}

func (m *MemoryStore) PutLogin(_ context.Context, login *PendingLogin, ttl time.Duration) error {
	return m.put(loginKeyPrefix+login.State, login, ttl)
}

func (m *MemoryStore) ConsumeLogin(_ context.Context, state string) (*PendingLogin, error) {
	data, err := m.get(loginKeyPrefix+state, true)
	if err != nil {
		return nil, err
	}
	var login PendingLogin
	if err := json.Unmarshal(data, &login); err != nil {
		return nil, err
	}
	return &login, nil
}

func (m *MemoryStore) PutLaunch(_ context.Context, rec *LaunchRecord, ttl time.Duration) error {
	return m.put(launchKeyPrefix+rec.ID, rec, ttl)
}

func (m *MemoryStore) GetLaunch(_ context.Context, id string) (*LaunchRecord, error) {
	data, err := m.get(launchKeyPrefix+id, false)
	if err != nil {
		return nil, err
	}
	var rec LaunchRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

func (m *MemoryStore) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}
