package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SubjectStore persists subjects keyed by verified email.
type SubjectStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSubjectStore creates a store on db.
func NewSubjectStore(db *sql.DB) *SubjectStore {
	return &SubjectStore{db: db, now: time.Now}
}

// FindByEmail returns the subject with email.
func (s *SubjectStore) FindByEmail(ctx context.Context, email string) (*Subject, error) {
	var subject Subject
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, created_at FROM subjects WHERE email = $1`, email,
	).Scan(&subject.ID, &subject.Email, &subject.Name, &subject.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &subject, nil
}

// Create inserts a new subject. A concurrent insert of the same email
// yields ErrConflict.
func (s *SubjectStore) Create(ctx context.Context, email, name string) (*Subject, error) {
	subject := &Subject{
		ID:        uuid.NewString(),
		Email:     email,
		Name:      name,
		CreatedAt: time.Now(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subjects (id, email, name, created_at) VALUES ($1, $2, $3, $4)`,
		subject.ID, subject.Email, subject.Name, subject.CreatedAt,
	)
	if isUniqueViolation(err) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, err
	}
	return subject, nil
}

// FindOrCreate returns the subject for email, creating it if needed.
// Losing a creation race re-reads the winner's row.
func (s *SubjectStore) FindOrCreate(ctx context.Context, email, name string) (*Subject, error) {
	subject, err := s.FindByEmail(ctx, email)
	if err == nil {
		return subject, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("finding subject: %w", err)
	}

	subject, err = s.Create(ctx, email, name)
	if errors.Is(err, ErrConflict) {
		return s.FindByEmail(ctx, email)
	}
	if err != nil {
		return nil, fmt.Errorf("creating subject: %w", err)
	}
	return subject, nil
}

// Delete removes a subject and its pairing membership, and revokes
// the codes it issued that are still ISSUED and unexpired.
func (s *SubjectStore) Delete(ctx context.Context, subjectID string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`UPDATE invite_codes SET status = $2 WHERE issuer_id = $1 AND status = $3 AND expires_at > $4`,
		subjectID, InviteRevoked, InviteIssued, s.now(),
	); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM pairing_members WHERE subject_id = $1`, subjectID); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM subjects WHERE id = $1`, subjectID); err != nil {
		return err
	}
	return tx.Commit()
}
