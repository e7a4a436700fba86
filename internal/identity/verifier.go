// Package identity verifies third-party sign-in tokens against a JWKS
// endpoint and yields the verified email and display name.
package identity

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnverified means the token was rejected.
	ErrUnverified = errors.New("identity token not verified")
	// ErrUnavailable means the provider could not be reached; callers
	// may retry.
	ErrUnavailable = errors.New("identity provider unavailable")
)

// Identity is a verified sign-in.
type Identity struct {
	Email string
	Name  string
}

// Config describes the trusted provider.
type Config struct {
	JWKSURL  string
	Issuer   string
	Audience string
	Timeout  time.Duration
}

// claims are the provider ID token claims we rely on.
type claims struct {
	jwt.RegisteredClaims
	Email         string `json:"email"`
	EmailVerified *bool  `json:"email_verified,omitempty"`
	Name          string `json:"name"`
}

// JWKSVerifier verifies RS256 ID tokens with keys fetched from the
// provider's JWKS endpoint.
type JWKSVerifier struct {
	cfg        Config
	httpClient *http.Client
	publicKeys map[string]*rsa.PublicKey
	keysMutex  sync.RWMutex
}

// NewJWKSVerifier creates a verifier. Keys are fetched lazily.
func NewJWKSVerifier(cfg Config) *JWKSVerifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &JWKSVerifier{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		publicKeys: make(map[string]*rsa.PublicKey),
	}
}

// Verify validates rawToken and returns the identity it asserts.
func (v *JWKSVerifier) Verify(ctx context.Context, rawToken string) (*Identity, error) {
	if rawToken == "" {
		return nil, ErrUnverified
	}

	ctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()

	var keyErr error
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithExpirationRequired(),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	parsed, err := jwt.ParseWithClaims(rawToken, &claims{}, func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("missing kid in token header")
		}
		key, err := v.getPublicKey(ctx, kid)
		if err != nil {
			keyErr = err
			return nil, err
		}
		return key, nil
	}, opts...)
	if keyErr != nil && errors.Is(keyErr, ErrUnavailable) {
		return nil, keyErr
	}
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrUnverified, err)
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || c.Email == "" {
		return nil, fmt.Errorf("%w: missing email", ErrUnverified)
	}
	if c.EmailVerified != nil && !*c.EmailVerified {
		return nil, fmt.Errorf("%w: email not verified", ErrUnverified)
	}

	return &Identity{
		Email: strings.ToLower(strings.TrimSpace(c.Email)),
		Name:  c.Name,
	}, nil
}

// getPublicKey retrieves a public key by kid, refreshing the key set
// once on a miss.
func (v *JWKSVerifier) getPublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.keysMutex.RLock()
	key, exists := v.publicKeys[kid]
	v.keysMutex.RUnlock()

	if exists {
		return key, nil
	}

	if err := v.refreshPublicKeys(ctx); err != nil {
		return nil, err
	}

	v.keysMutex.RLock()
	key, exists = v.publicKeys[kid]
	v.keysMutex.RUnlock()

	if !exists {
		return nil, fmt.Errorf("public key not found for kid: %s", kid)
	}
	return key, nil
}

// refreshPublicKeys fetches the provider's current key set.
func (v *JWKSVerifier) refreshPublicKeys(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
	if err != nil {
		return err
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: JWKS status %d", ErrUnavailable, resp.StatusCode)
	}

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return fmt.Errorf("%w: decoding JWKS: %v", ErrUnavailable, err)
	}

	v.keysMutex.Lock()
	defer v.keysMutex.Unlock()

	for _, key := range jwks.Keys {
		if key.Kty != "RSA" {
			continue
		}
		nBytes, err := base64.RawURLEncoding.DecodeString(key.N)
		if err != nil {
			continue
		}
		eBytes, err := base64.RawURLEncoding.DecodeString(key.E)
		if err != nil {
			continue
		}
		var e int
		for _, b := range eBytes {
			e = e<<8 + int(b)
		}
		v.publicKeys[key.Kid] = &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}
	}
	return nil
}
