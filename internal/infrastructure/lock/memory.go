package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"fundarb/internal/application/port"
)

type memEntry struct {
	token  string
	expiry time.Time
}

// MemoryLocker 单进程锁，语义与 RedisLocker 相同（用于 dry-run 与测试）
type MemoryLocker struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{entries: make(map[string]memEntry), now: time.Now}
}

// WithClock 注入时钟
func (l *MemoryLocker) WithClock(now func() time.Time) *MemoryLocker {
	l.now = now
	return l
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (port.Lease, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.entries[key]; ok && now.Before(e.expiry) {
		return port.Lease{}, false, nil
	}
	token := uuid.NewString()
	l.entries[key] = memEntry{token: token, expiry: now.Add(ttl)}
	return port.Lease{Key: key, Token: token}, true, nil
}

func (l *MemoryLocker) Release(_ context.Context, lease port.Lease) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[lease.Key]
	if !ok || e.token != lease.Token {
		return false, nil
	}
	delete(l.entries, lease.Key)
	return true, nil
}

var _ port.Locker = (*MemoryLocker)(nil)
