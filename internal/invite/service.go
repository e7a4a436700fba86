// Package invite issues and redeems single-use codes that attach a
// second subject to a pairing group.
package invite

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/providentiaww/sessiontrust/internal/events"
	"github.com/providentiaww/sessiontrust/internal/sessioncache"
	"github.com/providentiaww/sessiontrust/internal/storage"
)

var (
	// ErrNotEligible means the caller's role or pairing state forbids
	// the operation.
	ErrNotEligible = errors.New("not eligible")
	// ErrAlreadyPaired means the subject already belongs to a pairing.
	ErrAlreadyPaired = errors.New("already paired")
	// ErrNotFound covers every unusable code. Expired, used and revoked
	// codes are deliberately indistinguishable.
	ErrNotFound = errors.New("invite code not found")
	// ErrCodeSpaceExhausted means no unused code was found within the
	// configured number of attempts.
	ErrCodeSpaceExhausted = errors.New("could not generate a unique invite code")
)

// Codes avoid characters that are easily confused when read aloud.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Store is the persistence the service needs.
type Store interface {
	CreatePairing(ctx context.Context, pairingID, subjectID string, now time.Time) error
	Membership(ctx context.Context, subjectID string) (*storage.Membership, error)
	InsertInvite(ctx context.Context, code *storage.InviteCode, revokePrevious bool) error
	Redeem(ctx context.Context, code, subjectID string, now time.Time) (string, error)
	RevokeInvite(ctx context.Context, code, issuerID string, now time.Time) (bool, error)
}

// Cache receives context attribute updates after a redemption.
type Cache interface {
	UpdateContextForSubject(ctx context.Context, subjectID string, attrs *sessioncache.Attributes) error
}

// Options configures code issuance.
type Options struct {
	TTL            time.Duration
	CodeLength     int
	RevokePrevious bool
	MaxAttempts    int
}

// Service implements invite issuance and redemption.
type Service struct {
	store  Store
	cache  Cache
	events events.Publisher
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates an invite service. cache and publisher may be nil.
func NewService(store Store, cache Cache, publisher events.Publisher, opts Options, logger *zap.Logger) *Service {
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.CodeLength <= 0 {
		opts.CodeLength = 8
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  store,
		cache:  cache,
		events: publisher,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreatePairing opens a new pairing with subjectID as its inviter.
func (s *Service) CreatePairing(ctx context.Context, subjectID string) (string, error) {
	pairingID := uuid.NewString()
	err := s.store.CreatePairing(ctx, pairingID, subjectID, s.now())
	if errors.Is(err, storage.ErrConflict) {
		return "", ErrAlreadyPaired
	}
	if err != nil {
		return "", fmt.Errorf("creating pairing: %w", err)
	}

	s.refreshContext(ctx, subjectID, &sessioncache.Attributes{GroupID: pairingID, Role: storage.RoleInviter})
	return pairingID, nil
}

// Issue creates a fresh code for the inviter's pairing.
func (s *Service) Issue(ctx context.Context, issuerID string) (*storage.InviteCode, error) {
	membership, err := s.store.Membership(ctx, issuerID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotEligible
	}
	if err != nil {
		return nil, fmt.Errorf("loading membership: %w", err)
	}
	if membership.Role != storage.RoleInviter || membership.Complete() {
		return nil, ErrNotEligible
	}

	now := s.now()
	for attempt := 0; attempt < s.opts.MaxAttempts; attempt++ {
		value, err := generateCode(s.opts.CodeLength)
		if err != nil {
			return nil, err
		}
		code := &storage.InviteCode{
			Code:      value,
			PairingID: membership.PairingID,
			IssuerID:  issuerID,
			Status:    storage.InviteIssued,
			ExpiresAt: now.Add(s.opts.TTL),
			CreatedAt: now,
		}

		err = s.store.InsertInvite(ctx, code, s.opts.RevokePrevious)
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("saving invite: %w", err)
		}

		s.events.Publish(ctx, events.Event{
			Type:      events.TypeInviteIssued,
			SubjectID: issuerID,
			PairingID: membership.PairingID,
		})
		return code, nil
	}

	s.logger.Error("invite code space exhausted",
		zap.String("pairing_id", membership.PairingID),
		zap.Int("attempts", s.opts.MaxAttempts),
	)
	return nil, ErrCodeSpaceExhausted
}

// Redeem attaches subjectID to the pairing of code and returns the
// pairing id.
func (s *Service) Redeem(ctx context.Context, subjectID, code string) (string, error) {
	_, err := s.store.Membership(ctx, subjectID)
	if err == nil {
		return "", ErrAlreadyPaired
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("loading membership: %w", err)
	}

	pairingID, err := s.store.Redeem(ctx, code, subjectID, s.now())
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return "", ErrNotFound
	case errors.Is(err, storage.ErrConflict):
		return "", ErrAlreadyPaired
	case err != nil:
		return "", fmt.Errorf("redeeming invite: %w", err)
	}

	s.refreshContext(ctx, subjectID, &sessioncache.Attributes{GroupID: pairingID, Role: storage.RoleInvitee})
	s.events.Publish(ctx, events.Event{
		Type:      events.TypeInviteRedeemed,
		SubjectID: subjectID,
		PairingID: pairingID,
	})
	s.logger.Info("invite redeemed",
		zap.String("subject_id", subjectID),
		zap.String("pairing_id", pairingID),
	)
	return pairingID, nil
}

// Revoke withdraws an issued code. Codes that are unknown, not owned
// by issuerID, expired or no longer ISSUED yield ErrNotFound.
func (s *Service) Revoke(ctx context.Context, issuerID, code string) error {
	changed, err := s.store.RevokeInvite(ctx, code, issuerID, s.now())
	if err != nil {
		return fmt.Errorf("revoking invite: %w", err)
	}
	if !changed {
		return ErrNotFound
	}
	return nil
}

// AttributesFor returns the pairing context of subjectID, or nil when
// the subject is not paired.
func (s *Service) AttributesFor(ctx context.Context, subjectID string) (*sessioncache.Attributes, error) {
	membership, err := s.store.Membership(ctx, subjectID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sessioncache.Attributes{GroupID: membership.PairingID, Role: membership.Role}, nil
}

// refreshContext pushes new attributes onto the subject's live access
// tokens. Failures only delay the change until the next refresh.
func (s *Service) refreshContext(ctx context.Context, subjectID string, attrs *sessioncache.Attributes) {
	if s.cache == nil {
		return
	}
	if err := s.cache.UpdateContextForSubject(ctx, subjectID, attrs); err != nil {
		s.logger.Warn("updating cached context",
			zap.String("subject_id", subjectID),
			zap.Error(err),
		)
	}
}

func generateCode(length int) (string, error) {
	size := big.NewInt(int64(len(codeAlphabet)))
	buf := make([]byte, length)
	for i := range buf {
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", err
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf), nil
}
