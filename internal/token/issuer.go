package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidCredential covers bad signatures, expiry, malformed tokens
// and class mismatches alike.
var ErrInvalidCredential = errors.New("invalid credential")

// Kind distinguishes the two credential classes.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// Claims is the signed payload of both credential classes.
type Claims struct {
	jwt.RegisteredClaims
	Kind Kind `json:"typ"`
}

// Issued is a freshly minted token with its absolute expiry.
type Issued struct {
	Token     string
	ExpiresAt time.Time
}

// Issuer mints and verifies session credentials. It holds no state
// beyond keys and lifetimes.
type Issuer struct {
	keys       Keys
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewIssuer creates an issuer with the given keys and lifetimes.
func NewIssuer(keys Keys, accessTTL, refreshTTL time.Duration) *Issuer {
	return &Issuer{
		keys:       keys,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// IssueAccess mints a short-lived access token for subjectID.
func (i *Issuer) IssueAccess(subjectID string) (Issued, error) {
	return i.issue(subjectID, KindAccess, i.accessTTL)
}

// IssueRefresh mints a long-lived refresh token for subjectID. Every
// refresh token carries a unique ID so two issued in the same second
// never hash to the same value.
func (i *Issuer) IssueRefresh(subjectID string) (Issued, error) {
	return i.issue(subjectID, KindRefresh, i.refreshTTL)
}

func (i *Issuer) issue(subjectID string, kind Kind, ttl time.Duration) (Issued, error) {
	if subjectID == "" {
		return Issued{}, fmt.Errorf("issuing %s token: empty subject", kind)
	}

	now := i.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Kind: kind,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key(kind))
	if err != nil {
		return Issued{}, fmt.Errorf("signing %s token: %w", kind, err)
	}
	return Issued{Token: signed, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// ParseSubject verifies the token against the key for kind and returns
// its subject.
func (i *Issuer) ParseSubject(raw string, kind Kind) (string, error) {
	claims, err := i.parse(raw, kind)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// RemainingLifetime returns how long a valid token of the given kind
// has left. Invalid or expired tokens report zero.
func (i *Issuer) RemainingLifetime(raw string, kind Kind) time.Duration {
	claims, err := i.parse(raw, kind)
	if err != nil {
		return 0
	}
	remaining := claims.ExpiresAt.Time.Sub(i.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RemainingLifetimeSeconds is RemainingLifetime truncated to seconds.
func (i *Issuer) RemainingLifetimeSeconds(raw string, kind Kind) int {
	return int(i.RemainingLifetime(raw, kind) / time.Second)
}

func (i *Issuer) parse(raw string, kind Kind) (*Claims, error) {
	if raw == "" {
		return nil, ErrInvalidCredential
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.key(kind), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if claims.Kind != kind || claims.Subject == "" {
		return nil, ErrInvalidCredential
	}
	return claims, nil
}

func (i *Issuer) key(kind Kind) []byte {
	if kind == KindRefresh {
		return i.keys.Refresh
	}
	return i.keys.Access
}
