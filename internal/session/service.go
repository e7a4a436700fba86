// Package session issues, rotates and revokes session credentials.
//
// Refresh credentials are single use. Rotation is a compare-and-set in
// the durable store; the one caller that flips a credential to revoked
// receives the next pair, and every other presentation of the same
// credential is treated as theft and revokes the subject's whole
// session family.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/providentiaww/sessiontrust/internal/events"
	"github.com/providentiaww/sessiontrust/internal/identity"
	"github.com/providentiaww/sessiontrust/internal/sessioncache"
	"github.com/providentiaww/sessiontrust/internal/storage"
	"github.com/providentiaww/sessiontrust/internal/token"
)

var (
	// ErrInvalidCredential is returned for bad, expired or unknown tokens.
	ErrInvalidCredential = token.ErrInvalidCredential
	// ErrReuseDetected is returned when a consumed refresh token is
	// presented again. The subject's sessions are revoked as a side
	// effect.
	ErrReuseDetected = errors.New("refresh token reuse detected")
)

// CredentialStore is the durable refresh credential ledger.
type CredentialStore interface {
	Save(ctx context.Context, cred *storage.RefreshCredential) error
	RevokeIfActive(ctx context.Context, hash string) (bool, error)
	SubjectForHash(ctx context.Context, hash string) (string, error)
	RevokeAllForSubject(ctx context.Context, subjectID string) (int64, error)
}

// SubjectStore finds or creates subjects by verified email.
type SubjectStore interface {
	FindOrCreate(ctx context.Context, email, name string) (*storage.Subject, error)
	Delete(ctx context.Context, subjectID string) error
}

// Cache is the part of the session cache the service writes to.
type Cache interface {
	RegisterAccess(ctx context.Context, rawToken, subjectID string, attrs *sessioncache.Attributes, expiresAt time.Time) error
	Blacklist(ctx context.Context, hash string, remaining time.Duration) error
	RevokeAllForSubject(ctx context.Context, subjectID string) error
}

// IdentityVerifier validates third-party sign-in tokens.
type IdentityVerifier interface {
	Verify(ctx context.Context, rawToken string) (*identity.Identity, error)
}

// ContextSource supplies the context attributes cached with each
// access token. Optional.
type ContextSource interface {
	AttributesFor(ctx context.Context, subjectID string) (*sessioncache.Attributes, error)
}

// Pair is an issued access and refresh token.
type Pair struct {
	SubjectID        string    `json:"subjectId"`
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}

// Deps are the collaborators of a Service.
type Deps struct {
	Issuer      *token.Issuer
	Credentials CredentialStore
	Subjects    SubjectStore
	Cache       Cache
	Verifier    IdentityVerifier
	Context     ContextSource
	Events      events.Publisher
	Logger      *zap.Logger
}

// Service orchestrates login, rotation, logout and revocation.
type Service struct {
	issuer      *token.Issuer
	credentials CredentialStore
	subjects    SubjectStore
	cache       Cache
	verifier    IdentityVerifier
	attrSource  ContextSource
	events      events.Publisher
	logger      *zap.Logger
}

// NewService creates a session service.
func NewService(deps Deps) *Service {
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Service{
		issuer:      deps.Issuer,
		credentials: deps.Credentials,
		subjects:    deps.Subjects,
		cache:       deps.Cache,
		verifier:    deps.Verifier,
		attrSource:  deps.Context,
		events:      deps.Events,
		logger:      deps.Logger,
	}
}

// Login verifies an identity assertion and opens a session for the
// subject it names, creating the subject on first sign-in.
func (s *Service) Login(ctx context.Context, identityToken string) (*Pair, error) {
	id, err := s.verifier.Verify(ctx, identityToken)
	if err != nil {
		if errors.Is(err, identity.ErrUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	subject, err := s.subjects.FindOrCreate(ctx, id.Email, id.Name)
	if err != nil {
		return nil, fmt.Errorf("resolving subject: %w", err)
	}

	return s.issuePair(ctx, subject.ID)
}

// Refresh exchanges a refresh token for a new pair. The presented
// token is consumed; a second presentation returns ErrReuseDetected
// and revokes every session of its subject.
func (s *Service) Refresh(ctx context.Context, rawRefresh string) (*Pair, error) {
	subjectID, err := s.issuer.ParseSubject(rawRefresh, token.KindRefresh)
	if err != nil {
		return nil, ErrInvalidCredential
	}

	hash := token.HashToken(rawRefresh)
	won, err := s.credentials.RevokeIfActive(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("rotating refresh credential: %w", err)
	}
	if !won {
		return nil, s.handleReuse(ctx, hash)
	}

	return s.issuePair(ctx, subjectID)
}

// handleReuse revokes the session family of the credential's owner.
// Unknown credentials are simply invalid.
func (s *Service) handleReuse(ctx context.Context, hash string) error {
	owner, err := s.credentials.SubjectForHash(ctx, hash)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrInvalidCredential
	}
	if err != nil {
		return fmt.Errorf("resolving reused credential: %w", err)
	}

	s.logger.Warn("refresh token reuse detected",
		zap.String("subject_id", owner),
		zap.String("token_hash", hash),
	)
	s.events.Publish(ctx, events.Event{
		Type:      events.TypeReuseDetected,
		SubjectID: owner,
		TokenHash: hash,
	})

	if err := s.revokeAll(ctx, owner); err != nil {
		s.logger.Error("revoking session family after reuse",
			zap.String("subject_id", owner),
			zap.Error(err),
		)
	}
	return ErrReuseDetected
}

// Logout revokes the given refresh token and blacklists the given
// access token. Either may be empty. It never fails: unknown or already
// revoked tokens are ignored so responses reveal nothing about them.
func (s *Service) Logout(ctx context.Context, rawRefresh, rawAccess string) {
	if rawRefresh != "" {
		if _, err := s.credentials.RevokeIfActive(ctx, token.HashToken(rawRefresh)); err != nil {
			s.logger.Warn("logout: revoking refresh credential", zap.Error(err))
		}
	}

	if rawAccess != "" {
		remaining := s.issuer.RemainingLifetime(rawAccess, token.KindAccess)
		if remaining > 0 {
			if err := s.cache.Blacklist(ctx, token.HashToken(rawAccess), remaining); err != nil {
				s.logger.Warn("logout: blacklisting access token", zap.Error(err))
			}
		}
	}
}

// RevokeSubject revokes every refresh credential and cached access
// token of subjectID.
func (s *Service) RevokeSubject(ctx context.Context, subjectID string) error {
	if err := s.revokeAll(ctx, subjectID); err != nil {
		return err
	}
	s.events.Publish(ctx, events.Event{Type: events.TypeSubjectRevoked, SubjectID: subjectID})
	return nil
}

// DeleteAccount revokes all sessions of subjectID and removes the
// subject.
func (s *Service) DeleteAccount(ctx context.Context, subjectID string) error {
	if err := s.RevokeSubject(ctx, subjectID); err != nil {
		return err
	}
	if err := s.subjects.Delete(ctx, subjectID); err != nil {
		return fmt.Errorf("deleting subject: %w", err)
	}
	return nil
}

// revokeAll revokes durable credentials first. Cache failures are
// logged only.
func (s *Service) revokeAll(ctx context.Context, subjectID string) error {
	n, err := s.credentials.RevokeAllForSubject(ctx, subjectID)
	if err != nil {
		return fmt.Errorf("revoking refresh credentials: %w", err)
	}
	if err := s.cache.RevokeAllForSubject(ctx, subjectID); err != nil {
		s.logger.Warn("revoking cached access tokens",
			zap.String("subject_id", subjectID),
			zap.Error(err),
		)
	}
	s.logger.Info("revoked subject sessions",
		zap.String("subject_id", subjectID),
		zap.Int64("refresh_credentials", n),
	)
	return nil
}

func (s *Service) issuePair(ctx context.Context, subjectID string) (*Pair, error) {
	access, err := s.issuer.IssueAccess(subjectID)
	if err != nil {
		return nil, err
	}
	refresh, err := s.issuer.IssueRefresh(subjectID)
	if err != nil {
		return nil, err
	}

	if err := s.credentials.Save(ctx, &storage.RefreshCredential{
		ID:             uuid.NewString(),
		SubjectID:      subjectID,
		CredentialHash: token.HashToken(refresh.Token),
		ExpiresAt:      refresh.ExpiresAt,
	}); err != nil {
		return nil, fmt.Errorf("persisting refresh credential: %w", err)
	}

	attrs := s.attributesFor(ctx, subjectID)
	if err := s.cache.RegisterAccess(ctx, access.Token, subjectID, attrs, access.ExpiresAt); err != nil {
		s.logger.Warn("registering access token",
			zap.String("subject_id", subjectID),
			zap.Error(err),
		)
	}

	return &Pair{
		SubjectID:        subjectID,
		AccessToken:      access.Token,
		RefreshToken:     refresh.Token,
		AccessExpiresAt:  access.ExpiresAt,
		RefreshExpiresAt: refresh.ExpiresAt,
	}, nil
}

func (s *Service) attributesFor(ctx context.Context, subjectID string) *sessioncache.Attributes {
	if s.attrSource == nil {
		return nil
	}
	attrs, err := s.attrSource.AttributesFor(ctx, subjectID)
	if err != nil {
		s.logger.Warn("loading context attributes", zap.String("subject_id", subjectID), zap.Error(err))
		return nil
	}
	return attrs
}
