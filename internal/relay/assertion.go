package relay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/providentiaww/sessiontrust/internal/sessioncache"
)

// Internal identity headers set by the relay and trusted downstream.
const (
	HeaderSubjectID = "X-Internal-Subject-Id"
	HeaderContext   = "X-Internal-Context"
	HeaderTimestamp = "X-Internal-Ts"
	HeaderSignature = "X-Internal-Sig"
)

var internalHeaders = []string{HeaderSubjectID, HeaderContext, HeaderTimestamp, HeaderSignature}

var (
	ErrMissingAssertion = errors.New("missing internal identity")
	ErrBadSignature     = errors.New("internal identity signature mismatch")
	ErrStaleAssertion   = errors.New("internal identity outside clock window")
)

// Identity is the caller as asserted by the relay.
type Identity struct {
	SubjectID string
	Context   *sessioncache.Attributes
	IssuedAt  time.Time
}

// Signer creates and checks internal identity assertions with a key
// shared only between the relay and downstream services.
type Signer struct {
	key    []byte
	window time.Duration
	now    func() time.Time
}

// NewSigner creates a signer accepting assertions within ±window.
func NewSigner(key []byte, window time.Duration) (*Signer, error) {
	if len(key) < 32 {
		return nil, fmt.Errorf("internal signing key must be at least 32 bytes")
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Signer{key: key, window: window, now: time.Now}, nil
}

// WithClock replaces the time source, for tests.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	s.now = now
	return s
}

// Sign returns the hex HMAC-SHA256 over subjectID|ts, followed by
// |context when a context header is present.
func (s *Signer) Sign(subjectID, ts, encodedContext string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(subjectID))
	mac.Write([]byte("|"))
	mac.Write([]byte(ts))
	if encodedContext != "" {
		mac.Write([]byte("|"))
		mac.Write([]byte(encodedContext))
	}
	return hex.EncodeToString(mac.Sum(nil))
}

// Attach sets a fresh assertion for subjectID on h, replacing any
// internal headers already present.
func (s *Signer) Attach(h http.Header, subjectID string, attrs *sessioncache.Attributes) error {
	StripInternal(h)

	encoded := ""
	if attrs != nil {
		raw, err := json.Marshal(attrs)
		if err != nil {
			return fmt.Errorf("encoding context: %w", err)
		}
		encoded = base64.RawURLEncoding.EncodeToString(raw)
		h.Set(HeaderContext, encoded)
	}

	ts := strconv.FormatInt(s.now().Unix(), 10)
	h.Set(HeaderSubjectID, subjectID)
	h.Set(HeaderTimestamp, ts)
	h.Set(HeaderSignature, s.Sign(subjectID, ts, encoded))
	return nil
}

// Verify checks the assertion carried by h.
func (s *Signer) Verify(h http.Header) (*Identity, error) {
	subjectID := h.Get(HeaderSubjectID)
	ts := h.Get(HeaderTimestamp)
	sig := h.Get(HeaderSignature)
	encoded := h.Get(HeaderContext)
	if subjectID == "" || ts == "" || sig == "" {
		return nil, ErrMissingAssertion
	}

	expected := s.Sign(subjectID, ts, encoded)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return nil, ErrBadSignature
	}

	seconds, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, ErrStaleAssertion
	}
	issued := time.Unix(seconds, 0)
	skew := s.now().Sub(issued)
	if skew < 0 {
		skew = -skew
	}
	if skew > s.window {
		return nil, ErrStaleAssertion
	}

	id := &Identity{SubjectID: subjectID, IssuedAt: issued}
	if encoded != "" {
		raw, err := base64.RawURLEncoding.DecodeString(encoded)
		if err != nil {
			return nil, ErrBadSignature
		}
		var attrs sessioncache.Attributes
		if err := json.Unmarshal(raw, &attrs); err != nil {
			return nil, ErrBadSignature
		}
		id.Context = &attrs
	}
	return id, nil
}

// StripInternal removes every internal identity header from h.
func StripInternal(h http.Header) {
	for _, name := range internalHeaders {
		h.Del(name)
	}
}
