package invite

import (
	"context"
	"sync"
	"time"

	"github.com/providentiaww/sessiontrust/internal/sessioncache"
	"github.com/providentiaww/sessiontrust/internal/storage"
)

// memoryStore mirrors the locking behavior of the Postgres store with a
// single mutex held across validate, mutate and commit.
type memoryStore struct {
	mu       sync.Mutex
	members  map[string]*storage.Membership
	pairings map[string][]string
	invites  map[string]*storage.InviteCode
	// collisions makes the next n inserts fail with ErrConflict.
	collisions int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		members:  make(map[string]*storage.Membership),
		pairings: make(map[string][]string),
		invites:  make(map[string]*storage.InviteCode),
	}
}

func (s *memoryStore) CreatePairing(_ context.Context, pairingID, subjectID string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[subjectID]; ok {
		return storage.ErrConflict
	}
	s.pairings[pairingID] = []string{subjectID}
	s.members[subjectID] = &storage.Membership{PairingID: pairingID, SubjectID: subjectID, Role: storage.RoleInviter}
	return nil
}

func (s *memoryStore) Membership(_ context.Context, subjectID string) (*storage.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[subjectID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *m
	copied.MemberCount = len(s.pairings[m.PairingID])
	return &copied, nil
}

func (s *memoryStore) InsertInvite(_ context.Context, code *storage.InviteCode, revokePrevious bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.collisions > 0 {
		s.collisions--
		return storage.ErrConflict
	}
	if _, ok := s.invites[code.Code]; ok {
		return storage.ErrConflict
	}
	if revokePrevious {
		for _, other := range s.invites {
			if other.PairingID == code.PairingID && other.UsableAt(code.CreatedAt) {
				other.Status = storage.InviteRevoked
			}
		}
	}
	copied := *code
	s.invites[code.Code] = &copied
	return nil
}

func (s *memoryStore) Redeem(_ context.Context, code, subjectID string, now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	invite, ok := s.invites[code]
	if !ok || !invite.UsableAt(now) {
		return "", storage.ErrNotFound
	}
	if len(s.pairings[invite.PairingID]) >= storage.PairingCapacity {
		return "", storage.ErrNotFound
	}
	if _, ok := s.members[subjectID]; ok {
		return "", storage.ErrConflict
	}
	s.pairings[invite.PairingID] = append(s.pairings[invite.PairingID], subjectID)
	s.members[subjectID] = &storage.Membership{PairingID: invite.PairingID, SubjectID: subjectID, Role: storage.RoleInvitee}
	invite.Status = storage.InviteUsed
	invite.UsedByID = &subjectID
	invite.UsedAt = &now
	return invite.PairingID, nil
}

func (s *memoryStore) RevokeInvite(_ context.Context, code, issuerID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	invite, ok := s.invites[code]
	if !ok || invite.IssuerID != issuerID || !invite.UsableAt(now) {
		return false, nil
	}
	invite.Status = storage.InviteRevoked
	return true, nil
}

func (s *memoryStore) invite(code string) storage.InviteCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.invites[code]
}

func (s *memoryStore) issuedFor(pairingID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, code := range s.invites {
		if code.PairingID == pairingID && code.Status == storage.InviteIssued {
			n++
		}
	}
	return n
}

func (s *memoryStore) size(pairingID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pairings[pairingID])
}

type contextUpdate struct {
	subjectID string
	attrs     *sessioncache.Attributes
}

type recordingCache struct {
	mu      sync.Mutex
	updates []contextUpdate
	err     error
}

func (c *recordingCache) UpdateContextForSubject(_ context.Context, subjectID string, attrs *sessioncache.Attributes) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, contextUpdate{subjectID: subjectID, attrs: attrs})
	return c.err
}
