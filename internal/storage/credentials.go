package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CredentialStore is the durable ledger of refresh credentials.
type CredentialStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewCredentialStore creates a store on db.
func NewCredentialStore(db *sql.DB) *CredentialStore {
	return &CredentialStore{db: db, now: time.Now}
}

// Save persists a newly issued credential.
func (s *CredentialStore) Save(ctx context.Context, cred *RefreshCredential) error {
	query := `
		INSERT INTO refresh_credentials
			(id, subject_id, credential_hash, expires_at, revoked, created_at)
		VALUES ($1, $2, $3, $4, FALSE, $5)
	`

	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, query, cred.ID, cred.SubjectID, cred.CredentialHash, cred.ExpiresAt, cred.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("saving refresh credential: %w", ErrConflict)
	}
	return err
}

// RevokeIfActive marks the credential revoked only when it is not
// already revoked. Exactly one of any number of concurrent callers for
// the same hash sees true.
func (s *CredentialStore) RevokeIfActive(ctx context.Context, hash string) (bool, error) {
	query := `
		UPDATE refresh_credentials
		SET revoked = TRUE, revoked_at = $2
		WHERE credential_hash = $1 AND revoked = FALSE
	`

	res, err := s.db.ExecContext(ctx, query, hash, s.now())
	if err != nil {
		return false, fmt.Errorf("revoking refresh credential: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// SubjectForHash returns the subject a credential was issued to.
func (s *CredentialStore) SubjectForHash(ctx context.Context, hash string) (string, error) {
	var subjectID string
	err := s.db.QueryRowContext(ctx,
		`SELECT subject_id FROM refresh_credentials WHERE credential_hash = $1`, hash,
	).Scan(&subjectID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return subjectID, nil
}

// RevokeAllForSubject revokes every active credential of subjectID and
// returns how many rows changed.
func (s *CredentialStore) RevokeAllForSubject(ctx context.Context, subjectID string) (int64, error) {
	query := `
		UPDATE refresh_credentials
		SET revoked = TRUE, revoked_at = $2
		WHERE subject_id = $1 AND revoked = FALSE
	`

	res, err := s.db.ExecContext(ctx, query, subjectID, s.now())
	if err != nil {
		return 0, fmt.Errorf("revoking subject credentials: %w", err)
	}
	return res.RowsAffected()
}

