package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InviteStore persists pairings and invite codes. Redemption runs in a
// single transaction holding row locks on the code and the pairing.
type InviteStore struct {
	db *sql.DB
}

// NewInviteStore creates a store on db.
func NewInviteStore(db *sql.DB) *InviteStore {
	return &InviteStore{db: db}
}

// CreatePairing opens a new pairing with subjectID as its inviter. A
// subject already in a pairing yields ErrConflict.
func (s *InviteStore) CreatePairing(ctx context.Context, pairingID, subjectID string, now time.Time) (err error) {
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
		`INSERT INTO pairings (id, created_at) VALUES ($1, $2)`, pairingID, now,
	); err != nil {
		return fmt.Errorf("creating pairing: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO pairing_members (subject_id, pairing_id, role, joined_at) VALUES ($1, $2, $3, $4)`,
		subjectID, pairingID, RoleInviter, now,
	)
	if isUniqueViolation(err) {
		err = ErrConflict
		return err
	}
	if err != nil {
		return fmt.Errorf("adding pairing member: %w", err)
	}
	return tx.Commit()
}

// Membership returns the pairing subjectID belongs to.
func (s *InviteStore) Membership(ctx context.Context, subjectID string) (*Membership, error) {
	query := `
		SELECT m.pairing_id, m.role,
			(SELECT COUNT(*) FROM pairing_members c WHERE c.pairing_id = m.pairing_id)
		FROM pairing_members m
		WHERE m.subject_id = $1
	`

	membership := Membership{SubjectID: subjectID}
	err := s.db.QueryRowContext(ctx, query, subjectID).Scan(
		&membership.PairingID,
		&membership.Role,
		&membership.MemberCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &membership, nil
}

// InsertInvite persists code. The pairing row is locked first, so
// concurrent issuers for one pairing serialize. With revokePrevious set,
// every other code of the pairing still ISSUED and unexpired at
// code.CreatedAt is revoked in the same transaction. A code collision
// yields ErrConflict; an unknown pairing yields ErrNotFound.
func (s *InviteStore) InsertInvite(ctx context.Context, code *InviteCode, revokePrevious bool) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = tx.QueryRowContext(ctx,
		`SELECT id FROM pairings WHERE id = $1 FOR UPDATE`, code.PairingID,
	).Scan(new(string)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrNotFound
		}
		return err
	}

	if revokePrevious {
		if _, err = tx.ExecContext(ctx,
			`UPDATE invite_codes SET status = $2 WHERE pairing_id = $1 AND status = $3 AND expires_at > $4`,
			code.PairingID, InviteRevoked, InviteIssued, code.CreatedAt,
		); err != nil {
			return fmt.Errorf("revoking previous invites: %w", err)
		}
	}

	query := `
		INSERT INTO invite_codes
			(code, pairing_id, issuer_id, status, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = tx.ExecContext(ctx, query,
		code.Code, code.PairingID, code.IssuerID, code.Status, code.ExpiresAt, code.CreatedAt,
	)
	if isUniqueViolation(err) {
		err = ErrConflict
		return err
	}
	if err != nil {
		return fmt.Errorf("inserting invite: %w", err)
	}
	return tx.Commit()
}

// Redeem attaches subjectID to the pairing of code and marks the code
// USED. The code row is locked for the whole transaction so concurrent
// redemptions of one code serialize. Any unusable code, or a pairing
// filled in the meantime, yields ErrNotFound. A subject that joined
// another pairing concurrently yields ErrConflict.
func (s *InviteStore) Redeem(ctx context.Context, code, subjectID string, now time.Time) (pairingID string, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	invite, err := scanInvite(tx.QueryRowContext(ctx, selectInvite+` WHERE code = $1 FOR UPDATE`, code))
	if err != nil {
		return "", err
	}
	if !invite.UsableAt(now) {
		err = ErrNotFound
		return "", err
	}

	var members int
	if err = tx.QueryRowContext(ctx,
		`SELECT id FROM pairings WHERE id = $1 FOR UPDATE`, invite.PairingID,
	).Scan(new(string)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrNotFound
		}
		return "", err
	}
	if err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pairing_members WHERE pairing_id = $1`, invite.PairingID,
	).Scan(&members); err != nil {
		return "", err
	}
	if members >= PairingCapacity {
		err = ErrNotFound
		return "", err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO pairing_members (subject_id, pairing_id, role, joined_at) VALUES ($1, $2, $3, $4)`,
		subjectID, invite.PairingID, RoleInvitee, now,
	)
	if isUniqueViolation(err) {
		err = ErrConflict
		return "", err
	}
	if err != nil {
		return "", fmt.Errorf("adding pairing member: %w", err)
	}

	if _, err = tx.ExecContext(ctx,
		`UPDATE invite_codes SET status = $2, used_by_id = $3, used_at = $4 WHERE code = $1`,
		code, InviteUsed, subjectID, now,
	); err != nil {
		return "", fmt.Errorf("marking invite used: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return "", err
	}
	return invite.PairingID, nil
}

// RevokeInvite moves a code of issuerID that is ISSUED and unexpired at
// now to REVOKED. It reports whether a row changed.
func (s *InviteStore) RevokeInvite(ctx context.Context, code, issuerID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE invite_codes SET status = $3 WHERE code = $1 AND issuer_id = $2 AND status = $4 AND expires_at > $5`,
		code, issuerID, InviteRevoked, InviteIssued, now,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

const selectInvite = `
		SELECT code, pairing_id, issuer_id, status, expires_at, used_by_id, used_at, created_at
		FROM invite_codes`

func scanInvite(row *sql.Row) (*InviteCode, error) {
	var invite InviteCode
	var usedBy sql.NullString
	var usedAt sql.NullTime
	err := row.Scan(
		&invite.Code,
		&invite.PairingID,
		&invite.IssuerID,
		&invite.Status,
		&invite.ExpiresAt,
		&usedBy,
		&usedAt,
		&invite.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	invite.UsedByID = nullableString(usedBy)
	invite.UsedAt = nullableTime(usedAt)
	return &invite, nil
}
