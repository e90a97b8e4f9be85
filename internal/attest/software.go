package attest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"time"

	"execproof/internal/security"
)

// SoftwareAttestor is a keyed-HMAC attestor for tests and for
// deployments without attestation hardware. Anyone holding the key can
// verify; it proves key possession, not platform state.
type SoftwareAttestor struct {
	key *security.SecureBytes
}

// NewSoftwareAttestor derives the attestation key from a master key.
// The derived key lives in locked memory and is wiped on finalization.
func NewSoftwareAttestor(masterKey []byte) (*SoftwareAttestor, error) {
	key, err := security.DeriveKeyWithLabel(masterKey, "software-attestor", 32)
	if err != nil {
		return nil, err
	}
	sk, err := security.FromBytes(key)
	if err != nil {
		return nil, err
	}
	return &SoftwareAttestor{key: sk}, nil
}

// Name returns the attestor identifier.
func (s *SoftwareAttestor) Name() string { return "software-hmac" }

// Available always reports true.
func (s *SoftwareAttestor) Available() bool { return true }

// Attest computes HMAC-SHA256 over the digest.
func (s *SoftwareAttestor) Attest(ctx context.Context, digest [32]byte) (*Evidence, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, s.key.Bytes())
	mac.Write(digest[:])
	return &Evidence{
		Attestor: s.Name(),
		Digest:   digest,
		Quote:    mac.Sum(nil),
		TakenAt:  time.Now().UTC(),
	}, nil
}

// Verify recomputes the HMAC.
func (s *SoftwareAttestor) Verify(digest [32]byte, ev *Evidence) error {
	mac := hmac.New(sha256.New, s.key.Bytes())
	mac.Write(digest[:])
	if !hmac.Equal(mac.Sum(nil), ev.Quote) {
		return ErrEvidenceInvalid
	}
	return nil
}
