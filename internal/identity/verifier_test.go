package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

type provider struct {
	key    *rsa.PrivateKey
	server *httptest.Server
}

func newProvider(t *testing.T) *provider {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	p := &provider{key: key}
	p.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]string{{
				"kid": "k1",
				"kty": "RSA",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		})
	}))
	t.Cleanup(p.server.Close)
	return p
}

func (p *provider) sign(t *testing.T, c jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, c)
	tok.Header["kid"] = "k1"
	signed, err := tok.SignedString(p.key)
	require.NoError(t, err)
	return signed
}

func TestVerifyValidToken(t *testing.T) {
	p := newProvider(t)
	verifier := NewJWKSVerifier(Config{JWKSURL: p.server.URL, Issuer: "https://idp", Audience: "app"})

	raw := p.sign(t, jwt.MapClaims{
		"iss":   "https://idp",
		"aud":   "app",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"email": "User@Example.com",
		"name":  "User",
	})

	id, err := verifier.Verify(context.Background(), raw)
	require.NoError(t, err)
	require.Equal(t, "user@example.com", id.Email)
	require.Equal(t, "User", id.Name)
}

func TestVerifyRejectsWrongAudience(t *testing.T) {
	p := newProvider(t)
	verifier := NewJWKSVerifier(Config{JWKSURL: p.server.URL, Audience: "app"})

	raw := p.sign(t, jwt.MapClaims{
		"aud":   "other",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"email": "a@example.com",
	})

	_, err := verifier.Verify(context.Background(), raw)
	require.ErrorIs(t, err, ErrUnverified)
}

func TestVerifyRejectsUnverifiedEmail(t *testing.T) {
	p := newProvider(t)
	verifier := NewJWKSVerifier(Config{JWKSURL: p.server.URL})

	raw := p.sign(t, jwt.MapClaims{
		"exp":            time.Now().Add(time.Hour).Unix(),
		"email":          "a@example.com",
		"email_verified": false,
	})

	_, err := verifier.Verify(context.Background(), raw)
	require.ErrorIs(t, err, ErrUnverified)
}

func TestVerifyProviderDown(t *testing.T) {
	p := newProvider(t)
	raw := p.sign(t, jwt.MapClaims{
		"exp":   time.Now().Add(time.Hour).Unix(),
		"email": "a@example.com",
	})

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()

	verifier := NewJWKSVerifier(Config{JWKSURL: down.URL, Timeout: time.Second})
	_, err := verifier.Verify(context.Background(), raw)
	require.ErrorIs(t, err, ErrUnavailable)
}
