package attest

import (
	"context"
	"fmt"
	"time"

	"execproof/internal/tpm"
)

// TPMAttestor attests execution digests with a TPM 2.0 quote. Hardware
// when present, the software simulator otherwise; the evidence records
// which one produced it via the binding's attestation fields.
type TPMAttestor struct {
	binder *tpm.Binder
}

// NewTPMAttestor wraps a TPM provider. Pass tpm.DetectTPM() for the
// platform default.
func NewTPMAttestor(provider tpm.Provider) *TPMAttestor {
	return &TPMAttestor{binder: tpm.NewBinder(provider)}
}

// Name returns the attestor identifier.
func (t *TPMAttestor) Name() string { return "tpm" }

// Available reports whether the underlying provider can quote.
func (t *TPMAttestor) Available() bool { return t.binder.Available() }

// Attest produces a TPM quote over the digest. The quote covers the
// digest as qualifying data, so it cannot be replayed for another
// execution.
func (t *TPMAttestor) Attest(ctx context.Context, digest [32]byte) (*Evidence, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	binding, err := t.binder.Bind(digest)
	if err != nil {
		return nil, fmt.Errorf("tpm bind: %w", err)
	}
	quote, err := binding.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode binding: %w", err)
	}
	return &Evidence{
		Attestor: t.Name(),
		Digest:   digest,
		Quote:    quote,
		TakenAt:  time.Now().UTC(),
	}, nil
}

// Verify decodes the quoted binding and checks it structurally against
// the digest. Signature verification against trusted AK keys is the
// offline verifier's concern and needs the platform key out-of-band.
func (t *TPMAttestor) Verify(digest [32]byte, ev *Evidence) error {
	binding, err := tpm.DecodeBinding(ev.Quote)
	if err != nil {
		return fmt.Errorf("decode binding: %w", err)
	}
	if binding.ExecutionDigest != digest {
		return fmt.Errorf("quote covers a different digest")
	}
	return tpm.VerifyBinding(binding, nil)
}
