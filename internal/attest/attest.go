// Package attest manages pluggable external attestors for proof
// sessions.
//
// An attestor observes an execution digest and produces evidence that
// some external authority (a TPM, an HMAC oracle, a remote service)
// saw it. Attestation is optional: the digest of collected evidence
// rides in the proof statement as an extra public input, so tampering
// with evidence invalidates the proof, but a session with no attestors
// is still complete.
package attest

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Common errors
var (
	ErrAttestorNotFound   = errors.New("attest: attestor not found")
	ErrAttestorDisabled   = errors.New("attest: attestor is disabled")
	ErrNoAttestors        = errors.New("attest: no attestors enabled")
	ErrAllAttestorsFailed = errors.New("attest: all attestors failed")
	ErrEvidenceInvalid    = errors.New("attest: evidence verification failed")
)

// Evidence is one attestor's statement about an execution digest.
type Evidence struct {
	Attestor string    `json:"attestor"`
	Digest   [32]byte  `json:"digest"`
	Quote    []byte    `json:"quote"`
	TakenAt  time.Time `json:"taken_at"`
}

// Attestor is the common interface for all attestor types.
type Attestor interface {
	// Name returns the attestor identifier.
	Name() string

	// Available reports whether the attestor can currently attest.
	Available() bool

	// Attest produces evidence over an execution digest.
	Attest(ctx context.Context, digest [32]byte) (*Evidence, error)

	// Verify checks evidence against a digest.
	Verify(digest [32]byte, ev *Evidence) error
}

// Registry manages the enabled attestors. Attestors run in a fixed
// name order so the combined evidence digest is deterministic.
type Registry struct {
	mu        sync.RWMutex
	attestors map[string]Attestor
	enabled   map[string]bool
}

// NewRegistry creates an empty attestor registry.
func NewRegistry() *Registry {
	return &Registry{
		attestors: make(map[string]Attestor),
		enabled:   make(map[string]bool),
	}
}

// Register adds an attestor, enabled by default.
func (r *Registry) Register(a Attestor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attestors[a.Name()] = a
	r.enabled[a.Name()] = true
}

// Enable enables a registered attestor.
func (r *Registry) Enable(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.attestors[name]; !ok {
		return ErrAttestorNotFound
	}
	r.enabled[name] = true
	return nil
}

// Disable disables an attestor without removing it.
func (r *Registry) Disable(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled[name] = false
}

// EnabledNames returns the enabled attestor names in sorted order.
func (r *Registry) EnabledNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.attestors))
	for name := range r.attestors {
		if r.enabled[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// AttestAll collects evidence from every enabled, available attestor.
// Attestors that fail are skipped; the error is ErrAllAttestorsFailed
// only when at least one was enabled and none produced evidence.
func (r *Registry) AttestAll(ctx context.Context, digest [32]byte) ([]Evidence, error) {
	names := r.EnabledNames()
	if len(names) == 0 {
		return nil, ErrNoAttestors
	}

	var out []Evidence
	var lastErr error
	for _, name := range names {
		r.mu.RLock()
		a := r.attestors[name]
		r.mu.RUnlock()

		if !a.Available() {
			continue
		}
		ev, err := a.Attest(ctx, digest)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", name, err)
			continue
		}
		out = append(out, *ev)
	}
	if len(out) == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrAllAttestorsFailed, lastErr)
		}
		return nil, ErrAllAttestorsFailed
	}
	return out, nil
}

// VerifyAll checks each piece of evidence with its named attestor.
func (r *Registry) VerifyAll(digest [32]byte, evidence []Evidence) error {
	for i := range evidence {
		r.mu.RLock()
		a, ok := r.attestors[evidence[i].Attestor]
		r.mu.RUnlock()
		if !ok {
			return fmt.Errorf("%w: %s", ErrAttestorNotFound, evidence[i].Attestor)
		}
		if err := a.Verify(digest, &evidence[i]); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrEvidenceInvalid, evidence[i].Attestor, err)
		}
	}
	return nil
}

// CombinedDigest is the attestation public input: the SHA-256 of the
// concatenated quotes in collection order. All zero when evidence is
// empty.
func CombinedDigest(evidence []Evidence) [32]byte {
	var digest [32]byte
	if len(evidence) == 0 {
		return digest
	}
	h := sha256.New()
	for i := range evidence {
		h.Write(evidence[i].Quote)
	}
	h.Sum(digest[:0])
	return digest
}
