// Package challenge implements single-use challenge nonces for execution
// proof sessions.
//
// A challenge is the verifier's contribution of unpredictability: the
// prover cannot construct a valid execution witness before the nonce
// exists, and cannot bind one nonce to two executions. Consume is the
// atomic transition that enforces single use.
package challenge

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"execproof/internal/binaryid"
	"execproof/internal/security"
)

// NonceSize is the nonce length in bytes (256 bits).
const NonceSize = 32

// DefaultTTL is the default challenge validity window. Short enough that
// precomputing outputs against a leaked nonce is not practical relative
// to expected execution latency.
const DefaultTTL = 2 * time.Minute

// Errors returned by the issuer.
var (
	ErrNotFound        = errors.New("challenge: unknown challenge id")
	ErrExpired         = errors.New("challenge: challenge expired")
	ErrAlreadyConsumed = errors.New("challenge: challenge already consumed")
)

// State tracks the challenge lifecycle.
type State int

const (
	// StateIssued means the challenge exists and has not been bound.
	StateIssued State = iota
	// StateConsumed means the challenge was bound to exactly one execution.
	StateConsumed
	// StateExpired means the validity window passed before binding.
	StateExpired
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIssued:
		return "issued"
	case StateConsumed:
		return "consumed"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Challenge is a single-use nonce bound to one binary identity.
type Challenge struct {
	ID        string            `json:"id"`
	Nonce     [NonceSize]byte   `json:"nonce"`
	Binary    binaryid.Identity `json:"binary"`
	IssuedAt  time.Time         `json:"issued_at"`
	ExpiresAt time.Time         `json:"expires_at"`
	State     State             `json:"state"`
}

// Expired reports whether the challenge validity window has passed.
func (c *Challenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Issuer generates and tracks challenges. All mutation of the registry
// happens under a single lock; Consume is the atomicity point the rest
// of the protocol relies on.
type Issuer struct {
	mu         sync.Mutex
	challenges map[string]*Challenge
	ttl        time.Duration
	now        func() time.Time
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithTTL overrides the default challenge validity window.
func WithTTL(ttl time.Duration) Option {
	return func(i *Issuer) { i.ttl = ttl }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// NewIssuer creates a challenge issuer.
func NewIssuer(opts ...Option) *Issuer {
	i := &Issuer{
		challenges: make(map[string]*Challenge),
		ttl:        DefaultTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Issue creates a fresh challenge for the given binary identity.
//
// Randomness failure aborts the process: a weak nonce silently breaks
// every security property downstream, so there is no degraded mode.
func (i *Issuer) Issue(identity binaryid.Identity) *Challenge {
	var nonce [NonceSize]byte
	security.MustSecureRandom(nonce[:])

	now := i.now()
	c := &Challenge{
		ID:        uuid.NewString(),
		Nonce:     nonce,
		Binary:    identity,
		IssuedAt:  now,
		ExpiresAt: now.Add(i.ttl),
		State:     StateIssued,
	}

	i.mu.Lock()
	i.challenges[c.ID] = c
	i.mu.Unlock()

	return c
}

// Consume atomically transitions a challenge from Issued to Consumed.
// Exactly one concurrent caller succeeds; the rest get ErrAlreadyConsumed.
// Returns a copy so callers cannot mutate registry state.
func (i *Issuer) Consume(id string) (Challenge, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	c, ok := i.challenges[id]
	if !ok {
		return Challenge{}, ErrNotFound
	}

	if c.State != StateIssued {
		return Challenge{}, ErrAlreadyConsumed
	}

	if c.Expired(i.now()) {
		c.State = StateExpired
		return Challenge{}, ErrExpired
	}

	c.State = StateConsumed
	return *c, nil
}

// Lookup returns a copy of a challenge without changing its state.
// The verifier uses this to confirm a challenge was issued here.
func (i *Issuer) Lookup(id string) (Challenge, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	c, ok := i.challenges[id]
	if !ok {
		return Challenge{}, ErrNotFound
	}
	return *c, nil
}

// Reap removes expired challenges from the registry and returns how many
// were dropped. Consumed challenges are kept until reaped past expiry so
// verification of in-flight sessions can still resolve them.
func (i *Issuer) Reap() int {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.now()
	reaped := 0
	for id, c := range i.challenges {
		if c.Expired(now) {
			delete(i.challenges, id)
			reaped++
		}
	}
	return reaped
}

// Len returns the number of tracked challenges.
func (i *Issuer) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.challenges)
}
