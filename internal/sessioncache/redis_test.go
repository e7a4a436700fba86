package sessioncache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/providentiaww/sessiontrust/internal/token"
)

func newRedisBackend(t *testing.T) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisBackend(client), server
}

func TestRedisBackendPrimitives(t *testing.T) {
	ctx := context.Background()
	backend, server := newRedisBackend(t)

	_, ok, err := backend.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, backend.Set(ctx, "k", "v", time.Minute))
	val, ok, err := backend.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", val)
	require.Equal(t, time.Minute, server.TTL("k"))

	replaced, err := backend.SetIfExists(ctx, "absent", "v", time.Minute)
	require.NoError(t, err)
	require.False(t, replaced)
	require.False(t, server.Exists("absent"))

	require.NoError(t, backend.SetAndTrack(ctx, "a", "1", time.Minute, "set", "a"))
	require.NoError(t, backend.SetAndTrack(ctx, "b", "2", 2*time.Minute, "set", "b"))
	members, err := backend.SMembers(ctx, "set")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, members)
	require.Equal(t, 2*time.Minute, server.TTL("set"))
	require.Equal(t, time.Minute, server.TTL("a"))

	require.NoError(t, backend.Del(ctx, "k", "set"))
	require.False(t, server.Exists("k"))
	require.NoError(t, backend.Ping(ctx))
}

func TestCacheOnRedis(t *testing.T) {
	ctx := context.Background()
	backend, server := newRedisBackend(t)
	cache := New(backend, Options{MaxTTL: 24 * time.Hour, FallbackTTL: time.Minute}, nil)

	exp := time.Now().Add(time.Hour)
	require.NoError(t, cache.RegisterAccess(ctx, "raw", "subject-1", &Attributes{GroupID: "g1"}, exp))

	hash := token.HashToken("raw")
	require.LessOrEqual(t, server.TTL(accessPrefix+hash), time.Hour)
	require.True(t, server.Exists(subjectPrefix+"subject-1"))

	require.NoError(t, cache.RevokeAllForSubject(ctx, "subject-1"))
	require.False(t, server.Exists(accessPrefix+hash))
	require.False(t, server.Exists(subjectPrefix+"subject-1"))

	blacklisted, err := cache.IsBlacklisted(ctx, hash)
	require.NoError(t, err)
	require.True(t, blacklisted)
	require.LessOrEqual(t, server.TTL(blacklistPrefix+hash), time.Hour)

	server.FastForward(time.Hour + time.Second)
	blacklisted, err = cache.IsBlacklisted(ctx, hash)
	require.NoError(t, err)
	require.False(t, blacklisted)
}

func TestRegisterAccessWritesNothingWhenRedisFails(t *testing.T) {
	ctx := context.Background()
	backend, server := newRedisBackend(t)
	cache := New(backend, Options{}, nil)

	server.SetError("READONLY")
	err := cache.RegisterAccess(ctx, "raw", "subject-1", nil, time.Now().Add(time.Hour))
	require.Error(t, err)

	server.SetError("")
	require.False(t, server.Exists(accessPrefix+token.HashToken("raw")))
	require.False(t, server.Exists(subjectPrefix+"subject-1"))
}
