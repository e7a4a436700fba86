package token

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const minSecretLength = 32

// Keys holds the HMAC keys for the two credential classes. They must
// differ so a refresh token can never verify as an access token.
type Keys struct {
	Access  []byte
	Refresh []byte
}

// DeriveKeys expands a single root secret into independent access and
// refresh keys with HKDF-SHA256.
func DeriveKeys(root []byte) (Keys, error) {
	if len(root) < minSecretLength {
		return Keys{}, fmt.Errorf("signing secret must be at least %d bytes", minSecretLength)
	}

	access, err := expand(root, "sessiontrust access token v1")
	if err != nil {
		return Keys{}, err
	}
	refresh, err := expand(root, "sessiontrust refresh token v1")
	if err != nil {
		return Keys{}, err
	}
	return Keys{Access: access, Refresh: refresh}, nil
}

// LoadKeys prefers explicit per-class secrets and falls back to
// deriving both from the root secret.
func LoadKeys(root, access, refresh string) (Keys, error) {
	if access != "" || refresh != "" {
		if len(access) < minSecretLength || len(refresh) < minSecretLength {
			return Keys{}, fmt.Errorf("access and refresh secrets must both be at least %d bytes", minSecretLength)
		}
		if access == refresh {
			return Keys{}, fmt.Errorf("access and refresh secrets must differ")
		}
		return Keys{Access: []byte(access), Refresh: []byte(refresh)}, nil
	}
	return DeriveKeys([]byte(root))
}

func expand(root []byte, info string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, root, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("deriving %q: %w", info, err)
	}
	return key, nil
}
