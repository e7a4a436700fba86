package storage

import "time"

// RefreshCredential is the durable record of an issued refresh token.
// Only the hash of the token is stored.
type RefreshCredential struct {
	ID             string
	SubjectID      string
	CredentialHash string
	ExpiresAt      time.Time
	Revoked        bool
	CreatedAt      time.Time
	RevokedAt      *time.Time
}

// Subject is an authenticated account.
type Subject struct {
	ID        string
	Email     string
	Name      string
	CreatedAt time.Time
}

// Pairing roles.
const (
	RoleInviter = "INVITER"
	RoleInvitee = "INVITEE"
)

// PairingCapacity is the member count at which a pairing is complete.
const PairingCapacity = 2

// Membership places a subject in a pairing group.
type Membership struct {
	PairingID   string
	SubjectID   string
	Role        string
	MemberCount int
}

// Complete reports whether the pairing has no free slot.
func (m *Membership) Complete() bool {
	return m.MemberCount >= PairingCapacity
}

// InviteStatus is the lifecycle state of an invite code.
type InviteStatus string

const (
	InviteIssued  InviteStatus = "ISSUED"
	InviteUsed    InviteStatus = "USED"
	InviteRevoked InviteStatus = "REVOKED"
	// InviteExpired is never persisted; it is derived at read time.
	InviteExpired InviteStatus = "EXPIRED"
)

// InviteCode is a single-use pairing code.
type InviteCode struct {
	Code      string
	PairingID string
	IssuerID  string
	Status    InviteStatus
	ExpiresAt time.Time
	UsedByID  *string
	UsedAt    *time.Time
	CreatedAt time.Time
}

// UsableAt reports whether the code can be redeemed at now. A code
// expiring exactly at now is not usable.
func (c *InviteCode) UsableAt(now time.Time) bool {
	return c.Status == InviteIssued && now.Before(c.ExpiresAt)
}

// EffectiveStatus folds expiry into the persisted status.
func (c *InviteCode) EffectiveStatus(now time.Time) InviteStatus {
	if c.Status == InviteIssued && !now.Before(c.ExpiresAt) {
		return InviteExpired
	}
	return c.Status
}
