package sessioncache

import (
	"context"
	"time"
)

// Backend is the shared key-value store the session cache runs on.
// It mirrors the subset of Redis commands the cache needs so the
// in-memory implementation stays a faithful stand-in.
type Backend interface {
	// Get returns the value for key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetIfExists overwrites key only when it is still present.
	SetIfExists(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	// SetAndTrack sets key, adds member to the set setKey and gives the
	// set the same ttl, all in one transaction.
	SetAndTrack(ctx context.Context, key, value string, ttl time.Duration, setKey, member string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	Ping(ctx context.Context) error
}
