// Package witness binds a consumed challenge, a binary identity, and
// captured execution output into the private witness for proof
// generation.
//
// The output digest is SHA256(prefix || nonce || rawOutput), never a
// digest of the output alone. For a deterministic binary the bare output
// digest is publicly predictable; folding the per-session nonce in makes
// the digest impossible to produce without the nonce, and impossible to
// produce correctly without running the binary once the nonce exists.
package witness

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"execproof/internal/binaryid"
	"execproof/internal/challenge"
)

// DigestPrefix is the domain separator for output digests.
const DigestPrefix byte = 0x01

// DigestSize is the output digest length in bytes.
const DigestSize = sha256.Size

// Errors returned by the binder.
var (
	ErrChallengeNotConsumed = errors.New("witness: challenge not consumed before binding")
	ErrStaleChallenge       = errors.New("witness: challenge expired before binding")
	ErrIdentityMismatch     = errors.New("witness: binary identity does not match challenge")
	ErrEmptyOutput          = errors.New("witness: execution produced no output")
)

// ExecutionWitness is the private witness for one execution. Constructed
// only through Binder.Bind, strictly after the challenge is Consumed.
type ExecutionWitness struct {
	ChallengeID    string                      `json:"challenge_id"`
	Nonce          [challenge.NonceSize]byte   `json:"nonce"`
	BinaryChecksum [binaryid.ChecksumSize]byte `json:"binary_checksum"`
	RawOutput      []byte                      `json:"raw_output"`
	OutputDigest   [DigestSize]byte            `json:"output_digest"`
	CapturedAt     time.Time                   `json:"captured_at"`
}

// Binder constructs execution witnesses.
type Binder struct {
	now func() time.Time
}

// NewBinder creates a binder.
func NewBinder() *Binder {
	return &Binder{now: time.Now}
}

// NewBinderWithClock creates a binder with a fixed time source. Used by tests.
func NewBinderWithClock(now func() time.Time) *Binder {
	return &Binder{now: now}
}

// Bind builds the execution witness for a consumed challenge.
//
// Ordering is enforced here: the challenge must already be Consumed
// (so it existed, and was claimed exactly once, before any output is
// accepted) and must still be within its validity window.
func (b *Binder) Bind(c challenge.Challenge, identity binaryid.Identity, rawOutput []byte) (*ExecutionWitness, error) {
	if c.State != challenge.StateConsumed {
		return nil, fmt.Errorf("%w: state is %s", ErrChallengeNotConsumed, c.State)
	}

	now := b.now()
	if c.Expired(now) {
		return nil, ErrStaleChallenge
	}

	if identity.Checksum != c.Binary.Checksum {
		return nil, ErrIdentityMismatch
	}

	if len(rawOutput) == 0 {
		return nil, ErrEmptyOutput
	}

	out := make([]byte, len(rawOutput))
	copy(out, rawOutput)

	return &ExecutionWitness{
		ChallengeID:    c.ID,
		Nonce:          c.Nonce,
		BinaryChecksum: identity.Checksum,
		RawOutput:      out,
		OutputDigest:   OutputDigest(c.Nonce, rawOutput),
		CapturedAt:     now,
	}, nil
}

// VerifyBinaryIdentity recomputes a binary's identity from its file
// bytes. Callers pass a path, never a checksum.
func (b *Binder) VerifyBinaryIdentity(name, version, path string) (binaryid.Identity, error) {
	return binaryid.Compute(name, version, path)
}

// OutputDigest computes SHA256(prefix || nonce || rawOutput).
func OutputDigest(nonce [challenge.NonceSize]byte, rawOutput []byte) [DigestSize]byte {
	h := sha256.New()
	h.Write([]byte{DigestPrefix})
	h.Write(nonce[:])
	h.Write(rawOutput)

	var digest [DigestSize]byte
	copy(digest[:], h.Sum(nil))
	return digest
}

// Recheck recomputes the witness digest and reports whether the stored
// digest still matches. Used by the verifier when opening a commitment.
func (w *ExecutionWitness) Recheck() bool {
	return w.OutputDigest == OutputDigest(w.Nonce, w.RawOutput)
}
