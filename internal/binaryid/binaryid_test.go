package binaryid

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"
)

func writeBinary(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app")
	if err := os.WriteFile(path, content, 0755); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	return path
}

func TestCompute(t *testing.T) {
	content := []byte("#!/bin/sh\necho hello\n")
	path := writeBinary(t, content)

	id, err := Compute("app", "1.0.0", path)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if id.Name != "app" || id.Version != "1.0.0" {
		t.Errorf("identity = %s@%s, want app@1.0.0", id.Name, id.Version)
	}
	if id.Algorithm != ChecksumAlgorithm {
		t.Errorf("algorithm = %q, want %q", id.Algorithm, ChecksumAlgorithm)
	}
	if !filepath.IsAbs(id.Path) {
		t.Errorf("path %q not absolute", id.Path)
	}

	want := sha256.Sum256(content)
	if id.Checksum != want {
		t.Error("checksum does not match sha256 of file contents")
	}
}

func TestComputeMissingFile(t *testing.T) {
	if _, err := Compute("app", "1.0.0", filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestHashFileSize(t *testing.T) {
	content := []byte("four")
	path := writeBinary(t, content)

	_, size, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile failed: %v", err)
	}
	if size != int64(len(content)) {
		t.Errorf("size = %d, want %d", size, len(content))
	}
}

func TestKey(t *testing.T) {
	id := Identity{Name: "payroll", Version: "2.1"}
	if got := id.Key(); got != "payroll@2.1" {
		t.Errorf("Key() = %q, want payroll@2.1", got)
	}
}

func TestRegistryCheck(t *testing.T) {
	path := writeBinary(t, []byte("binary one"))
	id, err := Compute("app", "1.0.0", path)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	reg := NewRegistry()
	reg.Put(id)

	if err := reg.Check(id); err != nil {
		t.Errorf("Check of registered identity failed: %v", err)
	}

	tampered := id
	tampered.Checksum[0] ^= 0xff
	if err := reg.Check(tampered); err != ErrChecksumMismatch {
		t.Errorf("Check of tampered identity = %v, want ErrChecksumMismatch", err)
	}

	unknown := id
	unknown.Version = "9.9.9"
	if err := reg.Check(unknown); err != ErrNotRegistered {
		t.Errorf("Check of unknown version = %v, want ErrNotRegistered", err)
	}
}

func TestRegistryPutOverwrites(t *testing.T) {
	reg := NewRegistry()

	a := Identity{Name: "app", Version: "1.0.0"}
	a.Checksum[0] = 1
	b := Identity{Name: "app", Version: "1.0.0"}
	b.Checksum[0] = 2

	reg.Put(a)
	reg.Put(b)

	if reg.Len() != 1 {
		t.Errorf("Len = %d, want 1", reg.Len())
	}
	got, err := reg.ExpectedChecksum("app", "1.0.0")
	if err != nil {
		t.Fatalf("ExpectedChecksum failed: %v", err)
	}
	if got != b.Checksum {
		t.Error("Put did not overwrite previous entry")
	}
}

func TestRegistryEntries(t *testing.T) {
	reg := NewRegistry()
	reg.Put(Identity{Name: "a", Version: "1"})
	reg.Put(Identity{Name: "b", Version: "2"})

	names := make(map[string]bool)
	for _, id := range reg.Entries() {
		names[id.Key()] = true
	}
	if !names["a@1"] || !names["b@2"] {
		t.Errorf("Entries missing expected identities: %v", names)
	}
}
