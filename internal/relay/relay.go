// Package relay is the perimeter that turns externally presented
// access tokens into short-lived internal identity assertions, and the
// middleware downstream services use to trust those assertions.
package relay

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/providentiaww/sessiontrust/internal/sessioncache"
	"github.com/providentiaww/sessiontrust/internal/token"
)

// DefaultAllowPaths pass through without authentication.
var DefaultAllowPaths = []string{"/auth/login", "/auth/refresh", "/auth/logout", "/healthz"}

// Cache is the read side of the session cache. It is the relay's only
// authority on token liveness.
type Cache interface {
	IsBlacklisted(ctx context.Context, hash string) (bool, error)
	Lookup(ctx context.Context, hash string) (*sessioncache.Entry, error)
}

// Relay authorizes inbound requests against the session cache and
// forwards them with an internal identity assertion.
type Relay struct {
	cache  Cache
	signer *Signer
	next   http.Handler
	allow  []string
	logger *zap.Logger
	now    func() time.Time
}

// New creates a relay in front of next. Paths in allow are forwarded
// untouched; an entry ending in "/" matches as a prefix.
func New(cache Cache, signer *Signer, next http.Handler, allow []string, logger *zap.Logger) *Relay {
	if allow == nil {
		allow = DefaultAllowPaths
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		cache:  cache,
		signer: signer,
		next:   next,
		allow:  allow,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (r *Relay) WithClock(now func() time.Time) *Relay {
	r.now = now
	return r
}

// NewReverseProxy forwards to upstream.
func NewReverseProxy(upstream *url.URL) http.Handler {
	return httputil.NewSingleHostReverseProxy(upstream)
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// Callers may never supply their own internal identity.
	StripInternal(req.Header)

	if r.allowed(req.URL.Path) {
		r.next.ServeHTTP(w, req)
		return
	}

	raw := ExtractBearer(req)
	if raw == "" {
		unauthorized(w)
		return
	}

	ctx := req.Context()
	hash := token.HashToken(raw)

	blacklisted, err := r.cache.IsBlacklisted(ctx, hash)
	if err != nil {
		r.logger.Error("blacklist lookup failed", zap.Error(err))
		unauthorized(w)
		return
	}
	if blacklisted {
		unauthorized(w)
		return
	}

	entry, err := r.cache.Lookup(ctx, hash)
	if err != nil {
		r.logger.Error("session lookup failed", zap.Error(err))
		unauthorized(w)
		return
	}
	if !entry.LiveAt(r.now()) {
		unauthorized(w)
		return
	}

	outbound := req.Clone(ctx)
	outbound.Header.Del("Authorization")
	if err := r.signer.Attach(outbound.Header, entry.SubjectID, entry.Context); err != nil {
		r.logger.Error("attaching internal identity", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	r.next.ServeHTTP(w, outbound)
}

func (r *Relay) allowed(path string) bool {
	for _, p := range r.allow {
		if path == p || (strings.HasSuffix(p, "/") && strings.HasPrefix(path, p)) {
			return true
		}
	}
	return false
}

// ExtractBearer returns the bearer token from the Authorization header.
func ExtractBearer(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	// Expected format: "Bearer <token>"
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}
