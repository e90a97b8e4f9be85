package security

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// =============================================================================
// Memory Security Tests
// =============================================================================

func TestWipe(t *testing.T) {
	data := []byte("sensitive data that should be wiped")
	original := make([]byte, len(data))
	copy(original, data)

	Wipe(data)

	// Check that all bytes are zero
	for i, b := range data {
		if b != 0 {
			t.Errorf("byte %d was not wiped: got %d, want 0", i, b)
		}
	}
}

func TestWipeEmpty(t *testing.T) {
	// Should not panic on empty slice
	Wipe(nil)
	Wipe([]byte{})
}

func TestSecureCompare(t *testing.T) {
	tests := []struct {
		a, b  []byte
		equal bool
	}{
		{[]byte("hello"), []byte("hello"), true},
		{[]byte("hello"), []byte("world"), false},
		{[]byte("hello"), []byte("hell"), false},
		{[]byte{}, []byte{}, true},
		{nil, nil, true},
		{[]byte("a"), nil, false},
	}

	for _, tt := range tests {
		got := SecureCompare(tt.a, tt.b)
		if got != tt.equal {
			t.Errorf("SecureCompare(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.equal)
		}
	}
}

// =============================================================================
// Validation Tests
// =============================================================================

func TestPathValidator(t *testing.T) {
	v := DefaultPathValidator()

	tests := []struct {
		path    string
		wantErr bool
	}{
		{"/tmp/test.txt", false},
		{"../../../etc/passwd", true},      // Path traversal
		{"/tmp/../../../etc/passwd", true}, // Path traversal
		{"/tmp/test\x00.txt", true},        // Null byte
		{"", true},                         // Empty
	}

	for _, tt := range tests {
		_, err := v.ValidatePath(tt.path)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidatePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
		}
	}
}

func TestPathValidatorWithRoots(t *testing.T) {
	tempDir := t.TempDir()

	v := &PathValidator{
		AllowedRoots:  []string{tempDir},
		MaxPathLength: 4096,
	}

	// Path within root should be allowed
	validPath := filepath.Join(tempDir, "test.txt")
	_, err := v.ValidatePath(validPath)
	if err != nil {
		t.Errorf("ValidatePath(%q) unexpected error: %v", validPath, err)
	}

	// Path outside root should be rejected
	_, err = v.ValidatePath("/etc/passwd")
	if err != ErrPathOutsideRoot {
		t.Errorf("ValidatePath(/etc/passwd) error = %v, want %v", err, ErrPathOutsideRoot)
	}
}

func TestValidateFilename(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"test.txt", false},
		{".hidden", false},
		{"", true},              // Empty
		{"test/file.txt", true}, // Contains separator
		{"test\x00.txt", true},  // Null byte
		{"CON", true},           // Reserved (Windows)
		{"test.", true},         // Ends with dot
		{" test", true},         // Leading space
		{"test ", true},         // Trailing space
	}

	for _, tt := range tests {
		err := ValidateFilename(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateFilename(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestValidateHexString(t *testing.T) {
	tests := []struct {
		s         string
		expectLen int
		wantErr   bool
	}{
		{"abcdef1234567890", 16, false},
		{"ABCDEF1234567890", 16, false},
		{"abc", 16, true}, // Too short
		{"ghij", 4, true}, // Invalid hex
	}

	for _, tt := range tests {
		err := ValidateHexString(tt.s, tt.expectLen)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateHexString(%q, %d) error = %v, wantErr %v", tt.s, tt.expectLen, err, tt.wantErr)
		}
	}
}

// =============================================================================
// File Security Tests
// =============================================================================

func TestWriteSecureFile(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "secret.key")
	data := []byte("secret data")

	err := WriteSecretFile(path, data)
	if err != nil {
		t.Fatalf("WriteSecretFile failed: %v", err)
	}

	// Verify contents
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("file contents mismatch: got %q, want %q", got, data)
	}

	// Verify permissions
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Mode().Perm() != PermSecretFile {
		t.Errorf("file permissions = %04o, want %04o", info.Mode().Perm(), PermSecretFile)
	}
}

func TestAtomicWrite(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "test.txt")

	// Write initial content
	err := WriteSecureFile(path, []byte("initial"), PermPublicFile)
	if err != nil {
		t.Fatalf("WriteSecureFile failed: %v", err)
	}

	// Atomic update
	err = WriteSecureFile(path, []byte("updated"), PermPublicFile)
	if err != nil {
		t.Fatalf("WriteSecureFile update failed: %v", err)
	}

	// Verify no temp files left
	matches, _ := filepath.Glob(path + ".tmp.*")
	if len(matches) > 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}

func TestEnsureSecureDir(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "secure", "nested")

	err := EnsureSecureDir(path)
	if err != nil {
		t.Fatalf("EnsureSecureDir failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if !info.IsDir() {
		t.Error("expected directory, got file")
	}
	if info.Mode().Perm() != PermSecretDir {
		t.Errorf("directory permissions = %04o, want %04o", info.Mode().Perm(), PermSecretDir)
	}
}

// =============================================================================
// Rate Limiting Tests
// =============================================================================

func TestRateLimiter(t *testing.T) {
	// 10 ops/second, burst of 5
	rl := NewRateLimiter(10, 5)

	// Should allow burst
	for i := 0; i < 5; i++ {
		if !rl.Allow() {
			t.Errorf("burst operation %d was rate limited", i)
		}
	}

	// Next one should be limited
	if rl.Allow() {
		t.Error("expected rate limiting after burst")
	}

	// Wait for refill
	time.Sleep(200 * time.Millisecond)

	// Should allow again
	if !rl.Allow() {
		t.Error("expected operation after refill")
	}
}

func TestRateLimiterBlock(t *testing.T) {
	rl := NewRateLimiter(10, 5)

	// Block for 100ms
	rl.Block(100 * time.Millisecond)

	if rl.Allow() {
		t.Error("expected blocking")
	}

	// Wait for block to expire
	time.Sleep(150 * time.Millisecond)

	if !rl.Allow() {
		t.Error("expected operation after block expired")
	}
}

// =============================================================================
// Crypto Tests
// =============================================================================

func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey(32)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	if len(key) != 32 {
		t.Errorf("key length = %d, want 32", len(key))
	}

	// Check it's not all zeros
	allZero := true
	for _, b := range key {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		t.Error("generated key is all zeros")
	}
}

func TestGenerateKeyTooSmall(t *testing.T) {
	_, err := GenerateKey(8) // Less than minimum
	if err == nil {
		t.Error("expected error for small key size")
	}
}

func TestDeriveKey(t *testing.T) {
	master := make([]byte, 32)
	GenerateSecureRandom(master)

	salt := []byte("test-salt")
	info := []byte("test-info")

	key1, err := DeriveKey(master, salt, info, 32)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}

	// Derive again - should get same result
	key2, err := DeriveKey(master, salt, info, 32)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}

	if !bytes.Equal(key1, key2) {
		t.Error("derivation not deterministic")
	}

	// Different info should give different key
	key3, err := DeriveKey(master, salt, []byte("different-info"), 32)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}

	if bytes.Equal(key1, key3) {
		t.Error("different info produced same key")
	}
}

func TestHashDomainSeparated(t *testing.T) {
	data := []byte("test data")

	hash1 := HashDomainSeparated("domain1", data)
	hash2 := HashDomainSeparated("domain2", data)

	if hash1 == hash2 {
		t.Error("different domains should produce different hashes")
	}

	// Same domain and data should give same hash
	hash3 := HashDomainSeparated("domain1", data)
	if hash1 != hash3 {
		t.Error("same inputs should produce same hash")
	}
}

// =============================================================================
// Process Security Tests
// =============================================================================

// =============================================================================
// Integration Tests
// =============================================================================

func TestSecureBytesLifecycle(t *testing.T) {
	data := []byte("sensitive secret data")

	sb, err := FromBytes(data)
	if err != nil {
		t.Fatalf("FromBytes failed: %v", err)
	}

	// Original should be wiped
	for _, b := range data {
		if b != 0 {
			t.Error("original data was not wiped")
			break
		}
	}

	// SecureBytes should have the data
	if sb.Len() != len("sensitive secret data") {
		t.Errorf("length = %d, want %d", sb.Len(), len("sensitive secret data"))
	}

	if string(sb.Bytes()) != "sensitive secret data" {
		t.Error("data mismatch after FromBytes")
	}

	// Destroy
	sb.Destroy()

	if sb.Bytes() != nil {
		t.Error("data should be nil after Destroy")
	}
}

// =============================================================================
// Benchmarks
// =============================================================================

func BenchmarkWipe(b *testing.B) {
	data := make([]byte, 32)
	for i := 0; i < b.N; i++ {
		Wipe(data)
	}
}

func BenchmarkSecureCompare(b *testing.B) {
	a := make([]byte, 32)
	bData := make([]byte, 32)
	GenerateSecureRandom(a)
	GenerateSecureRandom(bData)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		SecureCompare(a, bData)
	}
}

func BenchmarkDeriveKey(b *testing.B) {
	master := make([]byte, 32)
	GenerateSecureRandom(master)
	salt := []byte("benchmark-salt")
	info := []byte("benchmark-info")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key, _ := DeriveKey(master, salt, info, 32)
		Wipe(key)
	}
}

func BenchmarkRateLimiterAllow(b *testing.B) {
	rl := NewRateLimiter(1000000, 1000000) // Very high limits

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rl.Allow()
	}
}

// =============================================================================
// Fuzz Tests
// =============================================================================

func FuzzValidatePath(f *testing.F) {
	f.Add("/tmp/test.txt")
	f.Add("../../../etc/passwd")
	f.Add("/tmp/test\x00.txt")
	f.Add("")
	f.Add(strings.Repeat("a", 10000))

	v := DefaultPathValidator()

	f.Fuzz(func(t *testing.T, path string) {
		// Should not panic
		_, _ = v.ValidatePath(path)
	})
}

func TestDeriveKeyWithLabel(t *testing.T) {
	master := make([]byte, 32)
	MustSecureRandom(master)

	a, err := DeriveKeyWithLabel(master, "receipt-signing", 32)
	if err != nil {
		t.Fatalf("DeriveKeyWithLabel() error = %v", err)
	}
	b, err := DeriveKeyWithLabel(master, "receipt-signing", 32)
	if err != nil {
		t.Fatalf("DeriveKeyWithLabel() error = %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("same label should derive the same key")
	}

	c, err := DeriveKeyWithLabel(master, "attestation", 32)
	if err != nil {
		t.Fatalf("DeriveKeyWithLabel() error = %v", err)
	}
	if bytes.Equal(a, c) {
		t.Error("different labels should derive different keys")
	}
}

func TestGuardedExec(t *testing.T) {
	key := []byte("ephemeral key material")
	var seen []byte
	err := GuardedExec(key, func(k []byte) error {
		seen = append(seen, k...)
		return nil
	})
	if err != nil {
		t.Fatalf("GuardedExec() error = %v", err)
	}
	if string(seen) != "ephemeral key material" {
		t.Error("callback did not see a faithful copy of the key")
	}
}
