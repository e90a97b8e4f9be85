package store

import "time"

// RegistryEntry is a persisted expected-checksum registration.
type RegistryEntry struct {
	Name         string
	Version      string
	Path         string
	Algorithm    string
	Checksum     [32]byte
	RegisteredAt time.Time
}

// ChallengeRecord is a persisted challenge, for audit and restart
// continuity. The nonce is stored because the record is the issuer's
// own database; it never leaves the verifier host.
type ChallengeRecord struct {
	ID         string
	Nonce      [32]byte
	BinaryKey  string
	State      string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	ConsumedAt *time.Time
}

// SessionRecord is a persisted session snapshot. Secrets (raw output,
// blinding) are never written; only the public trajectory is.
type SessionRecord struct {
	ID          string
	ChallengeID string
	BinaryKey   string
	Status      string
	Commitment  []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   time.Time
	ResultStage string
	Reason      string
}

// Receipt is a persisted verification receipt.
type Receipt struct {
	ID        int64
	SessionID string
	Accepted  bool
	Stage     string
	Reason    string
	Packet    []byte
	Signature []byte
	PublicKey []byte
	CreatedAt time.Time
}
