package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/providentiaww/sessiontrust/internal/identity"
	"github.com/providentiaww/sessiontrust/internal/sessioncache"
	"github.com/providentiaww/sessiontrust/internal/storage"
)

type memoryCredentials struct {
	mu    sync.Mutex
	rows  map[string]*storage.RefreshCredential
	order []string
	fail  error
}

func newMemoryCredentials() *memoryCredentials {
	return &memoryCredentials{rows: make(map[string]*storage.RefreshCredential)}
}

func (m *memoryCredentials) Save(_ context.Context, cred *storage.RefreshCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	if _, exists := m.rows[cred.CredentialHash]; exists {
		return storage.ErrConflict
	}
	copied := *cred
	m.rows[cred.CredentialHash] = &copied
	m.order = append(m.order, cred.CredentialHash)
	return nil
}

func (m *memoryCredentials) RevokeIfActive(_ context.Context, hash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return false, m.fail
	}
	row, ok := m.rows[hash]
	if !ok || row.Revoked {
		return false, nil
	}
	row.Revoked = true
	return true, nil
}

func (m *memoryCredentials) SubjectForHash(_ context.Context, hash string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[hash]
	if !ok {
		return "", storage.ErrNotFound
	}
	return row.SubjectID, nil
}

func (m *memoryCredentials) RevokeAllForSubject(_ context.Context, subjectID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, row := range m.rows {
		if row.SubjectID == subjectID && !row.Revoked {
			row.Revoked = true
			n++
		}
	}
	return n, nil
}

func (m *memoryCredentials) active(subjectID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var hashes []string
	for _, hash := range m.order {
		row := m.rows[hash]
		if row.SubjectID == subjectID && !row.Revoked {
			hashes = append(hashes, hash)
		}
	}
	return hashes
}

type memorySubjects struct {
	mu      sync.Mutex
	byEmail map[string]*storage.Subject
	deleted []string
}

func newMemorySubjects() *memorySubjects {
	return &memorySubjects{byEmail: make(map[string]*storage.Subject)}
}

func (m *memorySubjects) FindOrCreate(_ context.Context, email, name string) (*storage.Subject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byEmail[email]; ok {
		return s, nil
	}
	s := &storage.Subject{ID: "subject-" + email, Email: email, Name: name}
	m.byEmail[email] = s
	return s, nil
}

func (m *memorySubjects) Delete(_ context.Context, subjectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, subjectID)
	return nil
}

type staticVerifier struct {
	identities map[string]*identity.Identity
	err        error
}

func (v staticVerifier) Verify(_ context.Context, raw string) (*identity.Identity, error) {
	if v.err != nil {
		return nil, v.err
	}
	id, ok := v.identities[raw]
	if !ok {
		return nil, identity.ErrUnverified
	}
	return id, nil
}

type staticContext struct {
	attrs *sessioncache.Attributes
}

func (s staticContext) AttributesFor(context.Context, string) (*sessioncache.Attributes, error) {
	return s.attrs, nil
}

// failingCache simulates an unreachable cache.
type failingCache struct{}

var errCacheDown = errors.New("cache down")

func (failingCache) RegisterAccess(context.Context, string, string, *sessioncache.Attributes, time.Time) error {
	return errCacheDown
}

func (failingCache) Blacklist(context.Context, string, time.Duration) error { return errCacheDown }

func (failingCache) RevokeAllForSubject(context.Context, string) error { return errCacheDown }
