// Package binaryid computes and tracks binary identities.
//
// An identity is the binary's name plus a SHA-256 checksum recomputed
// from the file bytes. Checksums supplied by callers are never trusted:
// the "submit a publicly known checksum as proof" attack dies here.
package binaryid

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ChecksumAlgorithm is the fixed digest algorithm for binary identities.
const ChecksumAlgorithm = "sha-256"

// ChecksumSize is the checksum length in bytes.
const ChecksumSize = sha256.Size

// Errors returned by identity computation and the registry.
var (
	ErrNotRegistered    = errors.New("binaryid: binary not registered")
	ErrChecksumMismatch = errors.New("binaryid: checksum does not match registry")
)

// Identity binds a binary name and version to its checksum. Immutable
// once computed; a new binary version gets a new Identity.
type Identity struct {
	Name      string             `json:"name"`
	Version   string             `json:"version"`
	Path      string             `json:"path,omitempty"`
	Algorithm string             `json:"algorithm"`
	Checksum  [ChecksumSize]byte `json:"checksum"`
}

// ChecksumHex returns the hex-encoded checksum.
func (id Identity) ChecksumHex() string {
	return hex.EncodeToString(id.Checksum[:])
}

// Key returns the registry lookup key for this identity.
func (id Identity) Key() string {
	return id.Name + "@" + id.Version
}

// Compute derives an identity from the file at path by hashing its
// bytes. This is the only way identities enter the system.
func Compute(name, version, path string) (Identity, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Identity{}, fmt.Errorf("resolve path: %w", err)
	}

	checksum, _, err := HashFile(absPath)
	if err != nil {
		return Identity{}, fmt.Errorf("hash binary: %w", err)
	}

	return Identity{
		Name:      name,
		Version:   version,
		Path:      absPath,
		Algorithm: ChecksumAlgorithm,
		Checksum:  checksum,
	}, nil
}

// HashFile computes the SHA-256 of a file's contents, streaming.
// Returns the hash and file size.
func HashFile(path string) ([ChecksumSize]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return [ChecksumSize]byte{}, 0, err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return [ChecksumSize]byte{}, 0, err
	}

	var hash [ChecksumSize]byte
	copy(hash[:], h.Sum(nil))
	return hash, size, nil
}
