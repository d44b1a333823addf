package locks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLocker is a single-process Locker.
type MemoryLocker struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	token   string
	expires time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.entries[key]; ok && now.Before(e.expires) {
		return nil, ErrNotAcquired
	}
	token := uuid.NewString()
	m.entries[key] = memoryEntry{token: token, expires: now.Add(ttl)}
	return &memoryLease{locker: m, key: key, token: token}, nil
}

func (m *MemoryLocker) ForceRelease(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Held reports whether key is currently locked.
func (m *MemoryLocker) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return ok && m.now().Before(e.expires)
}

type memoryLease struct {
	locker *MemoryLocker
	key    string
	token  string
}

func (l *memoryLease) Key() string { return l.key }

func (l *memoryLease) Renew(_ context.Context, ttl time.Duration) error {
	m := l.locker
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[l.key]
	if !ok || e.token != l.token || !m.now().Before(e.expires) {
		return ErrLeaseLost
	}
	e.expires = m.now().Add(ttl)
	m.entries[l.key] = e
	return nil
}

func (l *memoryLease) Release(_ context.Context) error {
	m := l.locker
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[l.key]
	if !ok || e.token != l.token {
		return ErrLeaseLost
	}
	delete(m.entries, l.key)
	return nil
}
