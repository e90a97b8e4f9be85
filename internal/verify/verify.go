// Package verify implements the verifier side of the execution proof
// protocol: the four-gate acceptance check and the evidence packet
// format for offline verification.
package verify

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"execproof/internal/binaryid"
	"execproof/internal/challenge"
	"execproof/internal/circuit"
	"execproof/internal/commit"
	"execproof/internal/logging"
)

// Verification errors. The gate that fails determines which one a
// Result carries; they never shortcut each other out of order.
var (
	ErrChallengeUnknown          = errors.New("verify: challenge was not issued here")
	ErrChallengeExpired          = errors.New("verify: challenge expired")
	ErrNonceMismatch             = errors.New("verify: proof nonce does not match issued challenge")
	ErrChecksumMismatch          = errors.New("verify: binary checksum does not match registry")
	ErrCircuitVerificationFailed = errors.New("verify: circuit proof verification failed")
	ErrCommitmentMismatch        = errors.New("verify: proof commitment does not match recorded commitment")
	ErrNilProof                  = errors.New("verify: nil proof")
)

// Stage names the gate at which verification stopped.
type Stage string

const (
	StageChallenge  Stage = "challenge"
	StageIdentity   Stage = "identity"
	StageCircuit    Stage = "circuit"
	StageCommitment Stage = "commitment"
)

// Result is the verifier's decision. Reason is always populated on
// rejection so a prover can tell a stale challenge from a bad proof.
type Result struct {
	Accepted  bool      `json:"accepted"`
	Stage     Stage     `json:"stage,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

func rejected(stage Stage, err error, at time.Time) Result {
	return Result{Accepted: false, Stage: stage, Reason: err.Error(), CheckedAt: at}
}

// Submission is everything the verifier needs to judge one session.
// The commitment value is the one recorded when the prover committed,
// before the proof existed; gate four compares the proof against it.
type Submission struct {
	SessionID   string
	ChallengeID string
	Identity    binaryid.Identity
	Commitment  [commit.ValueSize]byte
	Proof       *circuit.Proof
}

// Verifier runs the acceptance gates in a fixed order: challenge
// freshness, registry identity, circuit proof, commitment equality.
// Each gate is a hard rejection; later gates never run after a failure.
type Verifier struct {
	issuer   *challenge.Issuer
	registry *binaryid.Registry
	backend  circuit.Backend
	log      *logging.Logger
	audit    *logging.AuditLogger
	now      func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithClock overrides the verifier clock for tests.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// WithAudit attaches an audit logger; every decision is recorded.
func WithAudit(a *logging.AuditLogger) Option {
	return func(v *Verifier) { v.audit = a }
}

// New creates a verifier bound to its own challenge issuer and
// checksum registry. Claimed identities are never trusted; only the
// registry's expectation counts.
func New(issuer *challenge.Issuer, registry *binaryid.Registry, backend circuit.Backend, opts ...Option) *Verifier {
	v := &Verifier{
		issuer:   issuer,
		registry: registry,
		backend:  backend,
		log:      logging.Default().WithComponent("verify"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify runs the four gates against a submission.
func (v *Verifier) Verify(ctx context.Context, sub *Submission) Result {
	now := v.now()

	if sub.Proof == nil {
		return v.record(ctx, sub, rejected(StageCircuit, ErrNilProof, now))
	}

	// Gate one: the challenge must exist in this verifier's issuer and
	// must not have expired. A proof against a foreign or stale nonce
	// is rejected before any cryptography runs.
	ch, err := v.issuer.Lookup(sub.ChallengeID)
	if err != nil {
		return v.record(ctx, sub, rejected(StageChallenge, ErrChallengeUnknown, now))
	}
	if ch.Expired(now) || ch.State == challenge.StateExpired {
		return v.record(ctx, sub, rejected(StageChallenge, ErrChallengeExpired, now))
	}
	if subtle.ConstantTimeCompare(ch.Nonce[:], sub.Proof.PublicInputs.ChallengeNonce[:]) != 1 {
		return v.record(ctx, sub, rejected(StageChallenge, ErrNonceMismatch, now))
	}

	// Gate two: the checksum in the proof's public inputs must equal
	// the registry's expectation for the claimed binary. The prover's
	// own claimed checksum is cross-checked too so the submission
	// cannot disagree with its proof.
	expected, err := v.registry.ExpectedChecksum(sub.Identity.Name, sub.Identity.Version)
	if err != nil {
		return v.record(ctx, sub, rejected(StageIdentity, fmt.Errorf("%w: %s", ErrChecksumMismatch, sub.Identity.Key()), now))
	}
	if subtle.ConstantTimeCompare(expected[:], sub.Proof.PublicInputs.BinaryChecksum[:]) != 1 ||
		subtle.ConstantTimeCompare(expected[:], sub.Identity.Checksum[:]) != 1 {
		return v.record(ctx, sub, rejected(StageIdentity, ErrChecksumMismatch, now))
	}

	// Gate three: the zero-knowledge proof itself.
	ok, err := v.backend.Verify(sub.Proof, sub.Proof.PublicInputs)
	if err != nil {
		return v.record(ctx, sub, rejected(StageCircuit, fmt.Errorf("%w: %v", ErrCircuitVerificationFailed, err), now))
	}
	if !ok {
		return v.record(ctx, sub, rejected(StageCircuit, ErrCircuitVerificationFailed, now))
	}

	// Gate four: the commitment in the public inputs must be the one
	// recorded at commit time. A valid proof over a substituted
	// commitment is still a rejection.
	if subtle.ConstantTimeCompare(sub.Commitment[:], sub.Proof.PublicInputs.CommitmentValue[:]) != 1 {
		return v.record(ctx, sub, rejected(StageCommitment, ErrCommitmentMismatch, now))
	}

	return v.record(ctx, sub, Result{Accepted: true, CheckedAt: now})
}

func (v *Verifier) record(ctx context.Context, sub *Submission, res Result) Result {
	if res.Accepted {
		v.log.Info("proof accepted",
			"session_id", sub.SessionID,
			"challenge_id", sub.ChallengeID,
			"binary", sub.Identity.Key())
	} else {
		v.log.Warn("proof rejected",
			"session_id", sub.SessionID,
			"challenge_id", sub.ChallengeID,
			"binary", sub.Identity.Key(),
			"stage", string(res.Stage),
			"reason", res.Reason)
	}
	if v.audit != nil {
		outcome := "accepted"
		if !res.Accepted {
			outcome = "rejected"
		}
		v.audit.Verification(ctx, sub.SessionID, string(res.Stage), outcome, res.Reason)
	}
	return res
}
