package sessioncache

import (
	"context"
	"sync"
	"time"
)

// memoryItem holds either a string value or a set, with expiration.
type memoryItem struct {
	value      string
	members    map[string]struct{}
	expiration time.Time
}

// MemoryBackend is a thread-safe in-memory Backend with TTL. It backs
// single-process deployments and tests.
type MemoryBackend struct {
	mu    sync.RWMutex
	items map[string]memoryItem
	now   func() time.Time
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty backend on the wall clock.
func NewMemoryBackend() *MemoryBackend {
	return NewMemoryBackendWithClock(time.Now)
}

// NewMemoryBackendWithClock creates an empty backend using now for
// expiry decisions.
func NewMemoryBackendWithClock(now func() time.Time) *MemoryBackend {
	return &MemoryBackend{
		items: make(map[string]memoryItem),
		now:   now,
	}
}

// lookup must be called with mu held.
func (b *MemoryBackend) lookup(key string) (memoryItem, bool) {
	item, exists := b.items[key]
	if !exists {
		return memoryItem{}, false
	}
	if !item.expiration.IsZero() && !b.now().Before(item.expiration) {
		return memoryItem{}, false
	}
	return item, true
}

func (b *MemoryBackend) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return b.now().Add(ttl)
}

func (b *MemoryBackend) Get(_ context.Context, key string) (string, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	item, ok := b.lookup(key)
	if !ok || item.members != nil {
		return "", false, nil
	}
	return item.value, true, nil
}

func (b *MemoryBackend) Set(_ context.Context, key, value string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[key] = memoryItem{value: value, expiration: b.expiry(ttl)}
	return nil
}

func (b *MemoryBackend) SetIfExists(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.lookup(key); !ok {
		return false, nil
	}
	b.items[key] = memoryItem{value: value, expiration: b.expiry(ttl)}
	return true, nil
}

func (b *MemoryBackend) Del(_ context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, key := range keys {
		delete(b.items, key)
	}
	return nil
}

func (b *MemoryBackend) SetAndTrack(_ context.Context, key, value string, ttl time.Duration, setKey, member string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[key] = memoryItem{value: value, expiration: b.expiry(ttl)}

	set, ok := b.lookup(setKey)
	if !ok || set.members == nil {
		set = memoryItem{members: make(map[string]struct{})}
	}
	set.members[member] = struct{}{}
	set.expiration = b.expiry(ttl)
	b.items[setKey] = set
	return nil
}

func (b *MemoryBackend) SMembers(_ context.Context, key string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	item, ok := b.lookup(key)
	if !ok {
		return nil, nil
	}
	members := make([]string, 0, len(item.members))
	for m := range item.members {
		members = append(members, m)
	}
	return members, nil
}

func (b *MemoryBackend) Ping(context.Context) error { return nil }

// TTL reports the remaining lifetime of key, or zero when it is
// missing or has no expiry.
func (b *MemoryBackend) TTL(key string) time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()

	item, ok := b.lookup(key)
	if !ok || item.expiration.IsZero() {
		return 0
	}
	return item.expiration.Sub(b.now())
}
