// Package sessioncache holds the live and blacklisted status of access
// tokens in a shared store so the edge relay can authorize requests
// without verifying signatures.
package sessioncache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/providentiaww/sessiontrust/internal/token"
)

const (
	accessPrefix    = "session:access:"
	blacklistPrefix = "session:blacklist:"
	subjectPrefix   = "session:subject:"

	blacklistValue = "1"
)

// Attributes are the caller context forwarded to downstream services.
type Attributes struct {
	GroupID string `json:"groupId,omitempty"`
	Role    string `json:"role,omitempty"`
}

// Entry is the cached status of one access token.
type Entry struct {
	Active    bool        `json:"active"`
	SubjectID string      `json:"subjectId"`
	Context   *Attributes `json:"context,omitempty"`
	Exp       int64       `json:"exp"`
}

// LiveAt reports whether the entry authorizes a request at now. The
// expiry boundary is exclusive.
func (e *Entry) LiveAt(now time.Time) bool {
	return e != nil && e.Active && now.Unix() < e.Exp
}

// Options tunes TTL handling.
type Options struct {
	// MaxTTL caps every entry regardless of token lifetime.
	MaxTTL time.Duration
	// FallbackTTL is used when blacklisting a token whose cached
	// entry is already gone.
	FallbackTTL time.Duration
}

// Cache implements the session cache operations over a Backend.
type Cache struct {
	backend Backend
	opts    Options
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a session cache.
func New(backend Backend, opts Options, logger *zap.Logger) *Cache {
	if opts.MaxTTL <= 0 {
		opts.MaxTTL = 24 * time.Hour
	}
	if opts.FallbackTTL <= 0 {
		opts.FallbackTTL = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{backend: backend, opts: opts, logger: logger, now: time.Now}
}

// WithClock replaces the time source, for tests.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// Ping checks backend connectivity.
func (c *Cache) Ping(ctx context.Context) error {
	return c.backend.Ping(ctx)
}

// RegisterAccess records a freshly issued access token as live. Only
// the hash of rawToken is stored. Tokens already past expiresAt are
// not written.
func (c *Cache) RegisterAccess(ctx context.Context, rawToken, subjectID string, attrs *Attributes, expiresAt time.Time) error {
	ttl := c.ttlUntil(expiresAt.Unix())
	if ttl <= 0 {
		return nil
	}

	hash := token.HashToken(rawToken)
	payload, err := json.Marshal(Entry{
		Active:    true,
		SubjectID: subjectID,
		Context:   attrs,
		Exp:       expiresAt.Unix(),
	})
	if err != nil {
		return err
	}

	// Every access token has the same lifetime, so the newest member
	// always carries the longest TTL and the set may take it.
	if err := c.backend.SetAndTrack(ctx, accessPrefix+hash, string(payload), ttl, subjectPrefix+subjectID, hash); err != nil {
		return fmt.Errorf("caching access token: %w", err)
	}
	return nil
}

// IsBlacklisted reports whether hash must be rejected unconditionally.
func (c *Cache) IsBlacklisted(ctx context.Context, hash string) (bool, error) {
	_, ok, err := c.backend.Get(ctx, blacklistPrefix+hash)
	return ok, err
}

// Lookup returns the cached entry for hash, or nil when absent.
func (c *Cache) Lookup(ctx context.Context, hash string) (*Entry, error) {
	raw, ok, err := c.backend.Get(ctx, accessPrefix+hash)
	if err != nil || !ok {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("decoding cache entry: %w", err)
	}
	return &entry, nil
}

// Blacklist rejects hash for the given remaining lifetime.
func (c *Cache) Blacklist(ctx context.Context, hash string, remaining time.Duration) error {
	if remaining <= 0 {
		return nil
	}
	if remaining > c.opts.MaxTTL {
		remaining = c.opts.MaxTTL
	}
	return c.backend.Set(ctx, blacklistPrefix+hash, blacklistValue, remaining)
}

// RevokeAllForSubject blacklists and removes every tracked access token
// of subjectID, then clears the tracking set. Each blacklist entry
// lives only as long as its token would have. The live entry is
// deleted unconditionally before the set is cleared, so a concurrent
// request sees a blacklist hit or a miss, never a stale live entry.
// Best effort: a failure on one member does not stop the others.
func (c *Cache) RevokeAllForSubject(ctx context.Context, subjectID string) error {
	setKey := subjectPrefix + subjectID
	hashes, err := c.backend.SMembers(ctx, setKey)
	if err != nil {
		return fmt.Errorf("listing subject tokens: %w", err)
	}

	var errs []error
	for _, hash := range hashes {
		remaining := c.opts.FallbackTTL
		entry, err := c.Lookup(ctx, hash)
		if err != nil {
			errs = append(errs, err)
		} else if entry != nil {
			if ttl := c.ttlUntil(entry.Exp); ttl > 0 {
				remaining = ttl
			}
		}

		if err := c.Blacklist(ctx, hash, remaining); err != nil {
			errs = append(errs, fmt.Errorf("blacklisting %s: %w", hash, err))
		}
		if err := c.backend.Del(ctx, accessPrefix+hash); err != nil {
			errs = append(errs, fmt.Errorf("deleting %s: %w", hash, err))
		}
	}

	if err := c.backend.Del(ctx, setKey); err != nil {
		errs = append(errs, fmt.Errorf("clearing subject token set: %w", err))
	}

	c.logger.Info("revoked cached access tokens",
		zap.String("subject_id", subjectID),
		zap.Int("count", len(hashes)),
	)
	return errors.Join(errs...)
}

// UpdateContextForSubject rewrites the context attributes of every live
// entry of subjectID, keeping each entry's expiry. Entries removed in
// the meantime stay removed.
func (c *Cache) UpdateContextForSubject(ctx context.Context, subjectID string, attrs *Attributes) error {
	hashes, err := c.backend.SMembers(ctx, subjectPrefix+subjectID)
	if err != nil {
		return fmt.Errorf("listing subject tokens: %w", err)
	}

	var errs []error
	for _, hash := range hashes {
		entry, err := c.Lookup(ctx, hash)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if entry == nil {
			continue
		}
		ttl := c.ttlUntil(entry.Exp)
		if ttl <= 0 {
			continue
		}

		entry.Context = attrs
		payload, err := json.Marshal(entry)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := c.backend.SetIfExists(ctx, accessPrefix+hash, string(payload), ttl); err != nil {
			errs = append(errs, fmt.Errorf("updating %s: %w", hash, err))
		}
	}
	return errors.Join(errs...)
}

// ttlUntil returns the time left until the epoch second exp, capped at
// MaxTTL.
func (c *Cache) ttlUntil(exp int64) time.Duration {
	ttl := time.Unix(exp, 0).Sub(c.now())
	if ttl > c.opts.MaxTTL {
		ttl = c.opts.MaxTTL
	}
	return ttl
}
