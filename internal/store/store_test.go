package store

import (
	"path/filepath"
	"testing"
	"time"

	"execproof/internal/binaryid"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "execproof.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrations(t *testing.T) {
	s := openTestStore(t)

	status, err := GetMigrationStatus(s.DB())
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if status.Pending != 0 {
		t.Errorf("expected no pending migrations, got %d", status.Pending)
	}
	if status.CurrentVersion != status.LatestVersion {
		t.Errorf("current version %d != latest %d", status.CurrentVersion, status.LatestVersion)
	}

	// Re-running against an up-to-date database is a no-op.
	if err := MigrateDB(s.DB()); err != nil {
		t.Fatalf("re-migrate failed: %v", err)
	}
}

func TestRegistryEntryRoundTrip(t *testing.T) {
	s := openTestStore(t)

	e := &RegistryEntry{
		Name:         "payroll",
		Version:      "1.4.2",
		Path:         "/opt/bin/payroll",
		Algorithm:    "sha-256",
		RegisteredAt: time.Now(),
	}
	for i := range e.Checksum {
		e.Checksum[i] = byte(i)
	}

	if err := s.UpsertRegistryEntry(e); err != nil {
		t.Fatalf("UpsertRegistryEntry failed: %v", err)
	}

	got, err := s.GetRegistryEntry("payroll", "1.4.2")
	if err != nil {
		t.Fatalf("GetRegistryEntry failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected entry, got nil")
	}
	if got.Checksum != e.Checksum {
		t.Error("checksum mismatch after round trip")
	}
	if got.Path != e.Path {
		t.Errorf("path = %q, want %q", got.Path, e.Path)
	}

	// Upsert replaces the existing row.
	e.Path = "/opt/bin/payroll-new"
	if err := s.UpsertRegistryEntry(e); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	got, err = s.GetRegistryEntry("payroll", "1.4.2")
	if err != nil {
		t.Fatalf("GetRegistryEntry after upsert failed: %v", err)
	}
	if got.Path != "/opt/bin/payroll-new" {
		t.Errorf("path not updated, got %q", got.Path)
	}

	missing, err := s.GetRegistryEntry("payroll", "9.9.9")
	if err != nil {
		t.Fatalf("GetRegistryEntry for missing failed: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for unknown version")
	}
}

func TestLoadRegistry(t *testing.T) {
	s := openTestStore(t)

	for _, v := range []string{"1.0.0", "1.1.0"} {
		e := &RegistryEntry{
			Name: "reporter", Version: v,
			Path: "/usr/local/bin/reporter", Algorithm: "sha-256",
			RegisteredAt: time.Now(),
		}
		e.Checksum[0] = v[2]
		if err := s.UpsertRegistryEntry(e); err != nil {
			t.Fatalf("upsert %s failed: %v", v, err)
		}
	}

	reg := binaryid.NewRegistry()
	n, err := s.LoadRegistry(reg)
	if err != nil {
		t.Fatalf("LoadRegistry failed: %v", err)
	}
	if n != 2 {
		t.Errorf("loaded %d entries, want 2", n)
	}
	if reg.Len() != 2 {
		t.Errorf("registry has %d entries, want 2", reg.Len())
	}
	if _, err := reg.ExpectedChecksum("reporter", "1.1.0"); err != nil {
		t.Errorf("ExpectedChecksum after load failed: %v", err)
	}
}

func TestChallengeLifecycle(t *testing.T) {
	s := openTestStore(t)

	now := time.Now()
	c := &ChallengeRecord{
		ID:        "ch-1",
		BinaryKey: "payroll@1.4.2",
		State:     "issued",
		IssuedAt:  now,
		ExpiresAt: now.Add(2 * time.Minute),
	}
	c.Nonce[0] = 0xAB

	if err := s.InsertChallenge(c); err != nil {
		t.Fatalf("InsertChallenge failed: %v", err)
	}

	got, err := s.GetChallenge("ch-1")
	if err != nil {
		t.Fatalf("GetChallenge failed: %v", err)
	}
	if got == nil || got.State != "issued" {
		t.Fatalf("unexpected challenge: %+v", got)
	}
	if got.ConsumedAt != nil {
		t.Error("fresh challenge should not have consumed_at")
	}

	consumedAt := now.Add(30 * time.Second)
	if err := s.UpdateChallengeState("ch-1", "consumed", consumedAt); err != nil {
		t.Fatalf("UpdateChallengeState failed: %v", err)
	}

	got, err = s.GetChallenge("ch-1")
	if err != nil {
		t.Fatalf("GetChallenge after consume failed: %v", err)
	}
	if got.State != "consumed" {
		t.Errorf("state = %q, want consumed", got.State)
	}
	if got.ConsumedAt == nil || !got.ConsumedAt.Equal(consumedAt) {
		t.Error("consumed_at not recorded")
	}

	if err := s.UpdateChallengeState("no-such", "expired", now); err == nil {
		t.Error("expected error updating unknown challenge")
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s := openTestStore(t)

	now := time.Now()
	ch := &ChallengeRecord{
		ID: "ch-2", BinaryKey: "payroll@1.4.2", State: "consumed",
		IssuedAt: now, ExpiresAt: now.Add(2 * time.Minute),
	}
	if err := s.InsertChallenge(ch); err != nil {
		t.Fatalf("InsertChallenge failed: %v", err)
	}

	r := &SessionRecord{
		ID:          "sess-1",
		ChallengeID: "ch-2",
		BinaryKey:   "payroll@1.4.2",
		Status:      "challenge_issued",
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(2 * time.Minute),
	}
	if err := s.InsertSession(r); err != nil {
		t.Fatalf("InsertSession failed: %v", err)
	}

	r.Status = "verified"
	r.Commitment = []byte{1, 2, 3}
	r.UpdatedAt = now.Add(time.Minute)
	r.ResultStage = "commitment"
	r.Reason = "accepted"
	if err := s.UpdateSession(r); err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}

	got, err := s.GetSession("sess-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected session, got nil")
	}
	if got.Status != "verified" || got.Reason != "accepted" {
		t.Errorf("unexpected session after update: %+v", got)
	}
	if len(got.Commitment) != 3 {
		t.Errorf("commitment not persisted: %v", got.Commitment)
	}

	list, err := s.ListSessions(10)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("listed %d sessions, want 1", len(list))
	}

	missing, err := s.GetSession("no-such")
	if err != nil {
		t.Fatalf("GetSession for missing failed: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for unknown session")
	}
}

func TestReceipts(t *testing.T) {
	s := openTestStore(t)

	now := time.Now()
	ch := &ChallengeRecord{
		ID: "ch-3", BinaryKey: "payroll@1.4.2", State: "consumed",
		IssuedAt: now, ExpiresAt: now.Add(2 * time.Minute),
	}
	if err := s.InsertChallenge(ch); err != nil {
		t.Fatalf("InsertChallenge failed: %v", err)
	}
	sess := &SessionRecord{
		ID: "sess-2", ChallengeID: "ch-3", BinaryKey: "payroll@1.4.2",
		Status: "verified", CreatedAt: now, UpdatedAt: now,
		ExpiresAt: now.Add(2 * time.Minute),
	}
	if err := s.InsertSession(sess); err != nil {
		t.Fatalf("InsertSession failed: %v", err)
	}

	r := &Receipt{
		SessionID: "sess-2",
		Accepted:  true,
		Reason:    "accepted",
		Packet:    []byte(`{"version":1}`),
		Signature: []byte{0xDE, 0xAD},
		PublicKey: []byte{0xBE, 0xEF},
		CreatedAt: now,
	}
	id, err := s.InsertReceipt(r)
	if err != nil {
		t.Fatalf("InsertReceipt failed: %v", err)
	}
	if id == 0 {
		t.Error("expected nonzero receipt id")
	}

	got, err := s.GetReceiptsForSession("sess-2")
	if err != nil {
		t.Fatalf("GetReceiptsForSession failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d receipts, want 1", len(got))
	}
	if !got[0].Accepted || got[0].Reason != "accepted" {
		t.Errorf("unexpected receipt: %+v", got[0])
	}
	if string(got[0].Packet) != `{"version":1}` {
		t.Error("packet not persisted")
	}

	none, err := s.GetReceiptsForSession("sess-none")
	if err != nil {
		t.Fatalf("GetReceiptsForSession for unknown failed: %v", err)
	}
	if len(none) != 0 {
		t.Error("expected no receipts for unknown session")
	}
}
