package sessioncache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/providentiaww/sessiontrust/internal/token"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestCache(t *testing.T) (*Cache, *MemoryBackend, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	backend := NewMemoryBackendWithClock(clock.Now)
	cache := New(backend, Options{MaxTTL: 24 * time.Hour, FallbackTTL: time.Minute}, nil).WithClock(clock.Now)
	return cache, backend, clock
}

func TestRegisterAccessTTLMatchesRemainingLifetime(t *testing.T) {
	ctx := context.Background()
	cache, backend, clock := newTestCache(t)

	exp := clock.now.Add(time.Hour)
	require.NoError(t, cache.RegisterAccess(ctx, "raw-access", "subject-1", nil, exp))

	hash := token.HashToken("raw-access")
	require.Equal(t, time.Hour, backend.TTL(accessPrefix+hash))
	require.LessOrEqual(t, backend.TTL(accessPrefix+hash), exp.Sub(clock.now))

	entry, err := cache.Lookup(ctx, hash)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.True(t, entry.LiveAt(clock.now))
	require.Equal(t, "subject-1", entry.SubjectID)

	_, ok, err := backend.Get(ctx, accessPrefix+"raw-access")
	require.NoError(t, err)
	require.False(t, ok, "raw token must never be a key")
}

func TestRegisterAccessCapsTTL(t *testing.T) {
	ctx := context.Background()
	cache, backend, clock := newTestCache(t)

	require.NoError(t, cache.RegisterAccess(ctx, "long", "subject-1", nil, clock.now.Add(72*time.Hour)))
	require.Equal(t, 24*time.Hour, backend.TTL(accessPrefix+token.HashToken("long")))
}

func TestRegisterAccessSkipsExpired(t *testing.T) {
	ctx := context.Background()
	cache, _, clock := newTestCache(t)

	require.NoError(t, cache.RegisterAccess(ctx, "stale", "subject-1", nil, clock.now.Add(-time.Second)))
	entry, err := cache.Lookup(ctx, token.HashToken("stale"))
	require.NoError(t, err)
	require.Nil(t, entry)
}

func TestEntryExpiresWithToken(t *testing.T) {
	ctx := context.Background()
	cache, _, clock := newTestCache(t)

	require.NoError(t, cache.RegisterAccess(ctx, "raw", "subject-1", nil, clock.now.Add(3600*time.Second)))
	clock.Advance(3601 * time.Second)

	entry, err := cache.Lookup(ctx, token.HashToken("raw"))
	require.NoError(t, err)
	require.False(t, entry.LiveAt(clock.now))
}

func TestEntryLiveBoundaryIsExclusive(t *testing.T) {
	now := time.Unix(1000, 0)
	entry := &Entry{Active: true, Exp: 1000}
	require.False(t, entry.LiveAt(now))
	require.True(t, entry.LiveAt(now.Add(-time.Second)))
	require.False(t, (&Entry{Active: false, Exp: 2000}).LiveAt(now))
}

func TestRevokeAllForSubject(t *testing.T) {
	ctx := context.Background()
	cache, backend, clock := newTestCache(t)

	require.NoError(t, cache.RegisterAccess(ctx, "a", "subject-1", nil, clock.now.Add(time.Hour)))
	clock.Advance(10 * time.Minute)
	require.NoError(t, cache.RegisterAccess(ctx, "b", "subject-1", nil, clock.now.Add(time.Hour)))
	require.NoError(t, cache.RegisterAccess(ctx, "other", "subject-2", nil, clock.now.Add(time.Hour)))

	require.NoError(t, cache.RevokeAllForSubject(ctx, "subject-1"))

	for _, raw := range []string{"a", "b"} {
		hash := token.HashToken(raw)
		entry, err := cache.Lookup(ctx, hash)
		require.NoError(t, err)
		require.Nil(t, entry)

		blacklisted, err := cache.IsBlacklisted(ctx, hash)
		require.NoError(t, err)
		require.True(t, blacklisted)
	}

	// Blacklist entries never outlive the token.
	require.Equal(t, 50*time.Minute, backend.TTL(blacklistPrefix+token.HashToken("a")))
	require.Equal(t, time.Hour, backend.TTL(blacklistPrefix+token.HashToken("b")))

	members, err := backend.SMembers(ctx, subjectPrefix+"subject-1")
	require.NoError(t, err)
	require.Empty(t, members)

	entry, err := cache.Lookup(ctx, token.HashToken("other"))
	require.NoError(t, err)
	require.True(t, entry.LiveAt(clock.now))
}

func TestRevokeAllForSubjectFallsBackForMissingEntry(t *testing.T) {
	ctx := context.Background()
	cache, backend, _ := newTestCache(t)

	require.NoError(t, backend.SetAndTrack(ctx, accessPrefix+"gone", "{}", time.Hour, subjectPrefix+"subject-1", "gone"))
	require.NoError(t, backend.Del(ctx, accessPrefix+"gone"))
	require.NoError(t, cache.RevokeAllForSubject(ctx, "subject-1"))
	require.Equal(t, time.Minute, backend.TTL(blacklistPrefix+"gone"))
}

func TestUpdateContextForSubject(t *testing.T) {
	ctx := context.Background()
	cache, backend, clock := newTestCache(t)

	require.NoError(t, cache.RegisterAccess(ctx, "a", "subject-1", nil, clock.now.Add(time.Hour)))
	clock.Advance(5 * time.Minute)

	attrs := &Attributes{GroupID: "pair-1", Role: "INVITEE"}
	require.NoError(t, cache.UpdateContextForSubject(ctx, "subject-1", attrs))

	hash := token.HashToken("a")
	entry, err := cache.Lookup(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, attrs, entry.Context)
	require.Equal(t, 55*time.Minute, backend.TTL(accessPrefix+hash))
}

func TestUpdateContextDoesNotResurrectRevoked(t *testing.T) {
	ctx := context.Background()
	cache, _, clock := newTestCache(t)

	require.NoError(t, cache.RegisterAccess(ctx, "a", "subject-1", nil, clock.now.Add(time.Hour)))
	require.NoError(t, cache.RevokeAllForSubject(ctx, "subject-1"))
	require.NoError(t, cache.UpdateContextForSubject(ctx, "subject-1", &Attributes{GroupID: "g"}))

	entry, err := cache.Lookup(ctx, token.HashToken("a"))
	require.NoError(t, err)
	require.Nil(t, entry)
}

func TestBlacklistIgnoresNonPositive(t *testing.T) {
	ctx := context.Background()
	cache, _, _ := newTestCache(t)

	require.NoError(t, cache.Blacklist(ctx, "h", 0))
	blacklisted, err := cache.IsBlacklisted(ctx, "h")
	require.NoError(t, err)
	require.False(t, blacklisted)
}
