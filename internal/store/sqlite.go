package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"execproof/internal/binaryid"
)

// Store is the SQLite persistence layer.
type Store struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at the given path and runs
// migrations. WAL mode keeps readers unblocked during writes.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the underlying handle for status queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// --- registry ---

// UpsertRegistryEntry inserts or replaces a registry entry.
func (s *Store) UpsertRegistryEntry(e *RegistryEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO registry_entries (name, version, path, algorithm, checksum, registered_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name, version) DO UPDATE SET
			path = excluded.path,
			algorithm = excluded.algorithm,
			checksum = excluded.checksum,
			registered_at = excluded.registered_at`,
		e.Name, e.Version, e.Path, e.Algorithm, e.Checksum[:], e.RegisteredAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert registry entry: %w", err)
	}
	return nil
}

// GetRegistryEntry retrieves one entry, nil when absent.
func (s *Store) GetRegistryEntry(name, version string) (*RegistryEntry, error) {
	var e RegistryEntry
	var checksum []byte
	var registeredNs int64

	err := s.db.QueryRow(`
		SELECT name, version, path, algorithm, checksum, registered_at
		FROM registry_entries WHERE name = ? AND version = ?`, name, version,
	).Scan(&e.Name, &e.Version, &e.Path, &e.Algorithm, &checksum, &registeredNs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get registry entry: %w", err)
	}

	copy(e.Checksum[:], checksum)
	e.RegisteredAt = time.Unix(0, registeredNs)
	return &e, nil
}

// ListRegistryEntries returns all entries ordered by name, version.
func (s *Store) ListRegistryEntries() ([]RegistryEntry, error) {
	rows, err := s.db.Query(`
		SELECT name, version, path, algorithm, checksum, registered_at
		FROM registry_entries ORDER BY name, version`)
	if err != nil {
		return nil, fmt.Errorf("list registry entries: %w", err)
	}
	defer rows.Close()

	var out []RegistryEntry
	for rows.Next() {
		var e RegistryEntry
		var checksum []byte
		var registeredNs int64
		if err := rows.Scan(&e.Name, &e.Version, &e.Path, &e.Algorithm, &checksum, &registeredNs); err != nil {
			return nil, fmt.Errorf("scan registry entry: %w", err)
		}
		copy(e.Checksum[:], checksum)
		e.RegisteredAt = time.Unix(0, registeredNs)
		out = append(out, e)
	}
	return out, rows.Err()
}

// LoadRegistry populates an in-memory registry from the database.
func (s *Store) LoadRegistry(r *binaryid.Registry) (int, error) {
	entries, err := s.ListRegistryEntries()
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		r.Put(binaryid.Identity{
			Name:      e.Name,
			Version:   e.Version,
			Path:      e.Path,
			Algorithm: e.Algorithm,
			Checksum:  e.Checksum,
		})
	}
	return len(entries), nil
}

// --- challenges ---

// InsertChallenge records an issued challenge.
func (s *Store) InsertChallenge(c *ChallengeRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO challenges (id, nonce, binary_key, state, issued_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.Nonce[:], c.BinaryKey, c.State, c.IssuedAt.UnixNano(), c.ExpiresAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert challenge: %w", err)
	}
	return nil
}

// UpdateChallengeState moves a challenge record to a new state,
// stamping consumed_at when the state is consumed.
func (s *Store) UpdateChallengeState(id, state string, at time.Time) error {
	var res sql.Result
	var err error
	if state == "consumed" {
		res, err = s.db.Exec(
			`UPDATE challenges SET state = ?, consumed_at = ? WHERE id = ?`,
			state, at.UnixNano(), id)
	} else {
		res, err = s.db.Exec(`UPDATE challenges SET state = ? WHERE id = ?`, state, id)
	}
	if err != nil {
		return fmt.Errorf("update challenge state: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("update challenge state: no such challenge %s", id)
	}
	return nil
}

// GetChallenge retrieves one challenge record, nil when absent.
func (s *Store) GetChallenge(id string) (*ChallengeRecord, error) {
	var c ChallengeRecord
	var nonce []byte
	var issuedNs, expiresNs int64
	var consumedNs sql.NullInt64

	err := s.db.QueryRow(`
		SELECT id, nonce, binary_key, state, issued_at, expires_at, consumed_at
		FROM challenges WHERE id = ?`, id,
	).Scan(&c.ID, &nonce, &c.BinaryKey, &c.State, &issuedNs, &expiresNs, &consumedNs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get challenge: %w", err)
	}

	copy(c.Nonce[:], nonce)
	c.IssuedAt = time.Unix(0, issuedNs)
	c.ExpiresAt = time.Unix(0, expiresNs)
	if consumedNs.Valid {
		t := time.Unix(0, consumedNs.Int64)
		c.ConsumedAt = &t
	}
	return &c, nil
}

// --- sessions ---

// InsertSession records a new session.
func (s *Store) InsertSession(r *SessionRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, challenge_id, binary_key, status, commitment, created_at, updated_at, expires_at, result_stage, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ChallengeID, r.BinaryKey, r.Status, r.Commitment,
		r.CreatedAt.UnixNano(), r.UpdatedAt.UnixNano(), r.ExpiresAt.UnixNano(),
		r.ResultStage, r.Reason,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// UpdateSession updates a session's mutable fields.
func (s *Store) UpdateSession(r *SessionRecord) error {
	res, err := s.db.Exec(`
		UPDATE sessions SET status = ?, commitment = ?, updated_at = ?, result_stage = ?, reason = ?
		WHERE id = ?`,
		r.Status, r.Commitment, r.UpdatedAt.UnixNano(), r.ResultStage, r.Reason, r.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("update session: no such session %s", r.ID)
	}
	return nil
}

// GetSession retrieves one session record, nil when absent.
func (s *Store) GetSession(id string) (*SessionRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, challenge_id, binary_key, status, commitment, created_at, updated_at, expires_at, result_stage, reason
		FROM sessions WHERE id = ?`, id)
	r, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return r, nil
}

// ListSessions returns all session records, newest first.
func (s *Store) ListSessions(limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, challenge_id, binary_key, status, commitment, created_at, updated_at, expires_at, result_stage, reason
		FROM sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		r, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	var r SessionRecord
	var commitment []byte
	var createdNs, updatedNs, expiresNs int64
	var stage, reason sql.NullString

	err := row.Scan(&r.ID, &r.ChallengeID, &r.BinaryKey, &r.Status, &commitment,
		&createdNs, &updatedNs, &expiresNs, &stage, &reason)
	if err != nil {
		return nil, err
	}

	r.Commitment = commitment
	r.CreatedAt = time.Unix(0, createdNs)
	r.UpdatedAt = time.Unix(0, updatedNs)
	r.ExpiresAt = time.Unix(0, expiresNs)
	r.ResultStage = stage.String
	r.Reason = reason.String
	return &r, nil
}

// --- receipts ---

// InsertReceipt records a verification receipt and returns its ID.
func (s *Store) InsertReceipt(r *Receipt) (int64, error) {
	accepted := 0
	if r.Accepted {
		accepted = 1
	}
	res, err := s.db.Exec(`
		INSERT INTO receipts (session_id, accepted, stage, reason, packet, signature, public_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SessionID, accepted, r.Stage, r.Reason, r.Packet, r.Signature, r.PublicKey,
		r.CreatedAt.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert receipt: %w", err)
	}
	return res.LastInsertId()
}

// GetReceiptsForSession returns all receipts for a session, oldest
// first.
func (s *Store) GetReceiptsForSession(sessionID string) ([]Receipt, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, accepted, stage, reason, packet, signature, public_key, created_at
		FROM receipts WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get receipts: %w", err)
	}
	defer rows.Close()

	var out []Receipt
	for rows.Next() {
		var r Receipt
		var accepted int
		var stage, reason sql.NullString
		var createdNs int64
		if err := rows.Scan(&r.ID, &r.SessionID, &accepted, &stage, &reason,
			&r.Packet, &r.Signature, &r.PublicKey, &createdNs); err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		r.Accepted = accepted != 0
		r.Stage = stage.String
		r.Reason = reason.String
		r.CreatedAt = time.Unix(0, createdNs)
		out = append(out, r)
	}
	return out, rows.Err()
}
