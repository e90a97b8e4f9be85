// Package session drives a proof session through its lifecycle:
//
//	Created -> ChallengeIssued -> Executed -> Committed ->
//	ProofSubmitted -> Verified | Rejected | Expired
//
// Terminal states absorb. Expiry is the sole timeout authority: once a
// session's challenge window closes, the session expires regardless of
// what stage is in flight, and an in-flight prove is cancelled.
// Sessions are independent; one session failing, expiring, or being
// cancelled never touches another.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"execproof/internal/attest"
	"execproof/internal/binaryid"
	"execproof/internal/challenge"
	"execproof/internal/circuit"
	"execproof/internal/commit"
	"execproof/internal/logging"
	"execproof/internal/metrics"
	"execproof/internal/security"
	"execproof/internal/verify"
	"execproof/internal/witness"
)

// Status is the session lifecycle state.
type Status int

const (
	StatusCreated Status = iota
	StatusChallengeIssued
	StatusExecuted
	StatusCommitted
	StatusProofSubmitted
	StatusVerified
	StatusRejected
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusChallengeIssued:
		return "challenge_issued"
	case StatusExecuted:
		return "executed"
	case StatusCommitted:
		return "committed"
	case StatusProofSubmitted:
		return "proof_submitted"
	case StatusVerified:
		return "verified"
	case StatusRejected:
		return "rejected"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status absorbs all further transitions.
func (s Status) Terminal() bool {
	return s == StatusVerified || s == StatusRejected || s == StatusExpired
}

// Errors returned by the manager.
var (
	ErrNotFound          = errors.New("session: not found")
	ErrExpired           = errors.New("session: expired")
	ErrTerminal          = errors.New("session: already in a terminal state")
	ErrInvalidTransition = errors.New("session: operation not valid in current state")
	ErrNotRegistered     = errors.New("session: binary not in registry")
	ErrBindingFailure    = errors.New("session: execution binding failed")
	ErrProveFailed       = errors.New("session: proof generation failed")
	ErrRateLimited       = errors.New("session: challenge issuance rate limited")
)

// Session is an external snapshot of one proof session. Secrets (raw
// output, blinding) never leave the manager.
type Session struct {
	ID          string                    `json:"id"`
	Status      Status                    `json:"-"`
	StatusName  string                    `json:"status"`
	Binary      binaryid.Identity         `json:"binary"`
	ChallengeID string                    `json:"challenge_id"`
	Nonce       [challenge.NonceSize]byte `json:"-"`
	CreatedAt   time.Time                 `json:"created_at"`
	UpdatedAt   time.Time                 `json:"updated_at"`
	ExpiresAt   time.Time                 `json:"expires_at"`
	Commitment  [commit.ValueSize]byte    `json:"-"`
	Result      *verify.Result            `json:"result,omitempty"`
}

// managed is the manager-internal session record. Its mutex serializes
// transitions for one session only; the manager map lock is never held
// across a transition.
type managed struct {
	mu sync.Mutex

	snap         Session
	challenge    challenge.Challenge
	witness      *witness.ExecutionWitness
	commitment   commit.Commitment
	proof        *circuit.Proof
	attestations []attest.Evidence

	// cancelProve aborts an in-flight Prove; nil when none is running.
	cancelProve context.CancelFunc
}

// Manager owns all live sessions and the protocol collaborators.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*managed

	issuer    *challenge.Issuer
	registry  *binaryid.Registry
	binder    *witness.Binder
	backend   circuit.Backend
	verifier  *verify.Verifier
	attestors *attest.Registry

	limiter *security.RateLimiter
	log     *logging.Logger
	audit   *logging.AuditLogger
	stats   *metrics.ProtocolMetrics
	now     func() time.Time

	reapEvery time.Duration
	stopReap  chan struct{}
	reapDone  chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the manager clock for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRateLimiter guards StartSession with a token bucket.
func WithRateLimiter(l *security.RateLimiter) Option {
	return func(m *Manager) { m.limiter = l }
}

// WithAudit attaches an audit logger.
func WithAudit(a *logging.AuditLogger) Option {
	return func(m *Manager) { m.audit = a }
}

// WithMetrics attaches protocol metrics.
func WithMetrics(s *metrics.ProtocolMetrics) Option {
	return func(m *Manager) { m.stats = s }
}

// WithAttestors attaches an attestor registry. When set, Finalize
// collects attestation evidence over the output digest and binds its
// combined digest into the proof statement.
func WithAttestors(r *attest.Registry) Option {
	return func(m *Manager) { m.attestors = r }
}

// WithReapInterval sets how often the background reaper scans for
// expired sessions and challenges. Zero disables the reaper.
func WithReapInterval(d time.Duration) Option {
	return func(m *Manager) { m.reapEvery = d }
}

// NewManager creates a session manager. Call Close to stop the reaper.
func NewManager(issuer *challenge.Issuer, registry *binaryid.Registry, binder *witness.Binder, backend circuit.Backend, verifier *verify.Verifier, opts ...Option) *Manager {
	m := &Manager{
		sessions:  make(map[string]*managed),
		issuer:    issuer,
		registry:  registry,
		binder:    binder,
		backend:   backend,
		verifier:  verifier,
		log:       logging.Default().WithComponent("session"),
		now:       time.Now,
		reapEvery: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.reapEvery > 0 {
		m.stopReap = make(chan struct{})
		m.reapDone = make(chan struct{})
		go m.reapLoop()
	}
	return m
}

// Close stops the background reaper. Live sessions stay queryable.
func (m *Manager) Close() {
	if m.stopReap != nil {
		close(m.stopReap)
		<-m.reapDone
		m.stopReap = nil
	}
}

// StartSession registers a new session for a binary already present in
// the registry and issues its challenge. The registry entry, not the
// caller, supplies the expected checksum.
func (m *Manager) StartSession(ctx context.Context, name, version string) (Session, error) {
	if m.limiter != nil && !m.limiter.Allow() {
		return Session{}, ErrRateLimited
	}

	expected, err := m.registry.ExpectedChecksum(name, version)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %s@%s", ErrNotRegistered, name, version)
	}
	identity := binaryid.Identity{
		Name:      name,
		Version:   version,
		Algorithm: binaryid.ChecksumAlgorithm,
		Checksum:  expected,
	}

	ch := m.issuer.Issue(identity)
	now := m.now()

	ms := &managed{
		snap: Session{
			ID:          uuid.NewString(),
			Status:      StatusChallengeIssued,
			Binary:      identity,
			ChallengeID: ch.ID,
			Nonce:       ch.Nonce,
			CreatedAt:   now,
			UpdatedAt:   now,
			ExpiresAt:   ch.ExpiresAt,
		},
	}
	ms.snap.StatusName = ms.snap.Status.String()

	m.mu.Lock()
	m.sessions[ms.snap.ID] = ms
	m.mu.Unlock()

	m.log.Info("session started",
		"session_id", ms.snap.ID,
		"challenge_id", ch.ID,
		"binary", identity.Key(),
		"expires_at", ch.ExpiresAt)
	if m.audit != nil {
		m.audit.Log(ctx, logging.AuditEvent{
			EventType:   logging.AuditEventChallengeIssued,
			Component:   "session",
			SessionID:   ms.snap.ID,
			ChallengeID: ch.ID,
			Binary:      identity.Key(),
			Result:      "ok",
		})
	}
	if m.stats != nil {
		m.stats.RecordSessionStart()
		m.stats.RecordChallengeIssued()
	}
	return ms.snap, nil
}

// SubmitExecution consumes the session's challenge and binds the raw
// output to it. The consume is the atomic single-use transition; a
// second submission for the same session fails with AlreadyConsumed
// surfaced from the issuer.
func (m *Manager) SubmitExecution(ctx context.Context, id string, rawOutput []byte) (Session, error) {
	ms, err := m.get(id)
	if err != nil {
		return Session{}, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if err := m.gate(ms, StatusChallengeIssued); err != nil {
		return ms.snap, err
	}

	ch, err := m.issuer.Consume(ms.snap.ChallengeID)
	if err != nil {
		if errors.Is(err, challenge.ErrExpired) {
			m.expireLocked(ctx, ms)
			return ms.snap, fmt.Errorf("%w: %v", ErrExpired, err)
		}
		return ms.snap, err
	}
	if m.stats != nil {
		m.stats.RecordChallengeConsumed()
	}

	w, err := m.binder.Bind(ch, ms.snap.Binary, rawOutput)
	if err != nil {
		return ms.snap, fmt.Errorf("%w: %v", ErrBindingFailure, err)
	}

	ms.challenge = ch
	ms.witness = w
	m.transitionLocked(ctx, ms, StatusExecuted)
	return ms.snap, nil
}

// Finalize commits to the witness, then generates the proof. The
// context cancels proof generation for this session only; expiry also
// aborts it. On success the session holds a proof and its recorded
// commitment and is ready for Verify.
func (m *Manager) Finalize(ctx context.Context, id string) (Session, error) {
	ms, err := m.get(id)
	if err != nil {
		return Session{}, err
	}
	ms.mu.Lock()

	if err := m.gate(ms, StatusExecuted); err != nil {
		ms.mu.Unlock()
		return ms.snap, err
	}

	ms.commitment = commit.Commit(ms.witness)
	ms.snap.Commitment = ms.commitment.Value
	m.transitionLocked(ctx, ms, StatusCommitted)
	if m.audit != nil {
		m.audit.Log(ctx, logging.AuditEvent{
			EventType: logging.AuditEventCommitment,
			Component: "session",
			SessionID: ms.snap.ID,
			Binary:    ms.snap.Binary.Key(),
			Result:    "ok",
		})
	}

	pub := circuit.PublicInputs{
		ChallengeNonce:  ms.challenge.Nonce,
		BinaryChecksum:  ms.snap.Binary.Checksum,
		CommitmentValue: ms.commitment.Value,
	}
	if m.attestors != nil {
		evidence, attErr := m.attestors.AttestAll(ctx, ms.witness.OutputDigest)
		if attErr != nil {
			// Attestation is best-effort; the proof statement carries a
			// zero attestation digest when no attestor produced evidence.
			m.log.Warn("attestation unavailable",
				"session_id", ms.snap.ID, "error", attErr)
		} else {
			ms.attestations = evidence
			pub.Attestation = attest.CombinedDigest(evidence)
			if m.audit != nil {
				m.audit.Log(ctx, logging.AuditEvent{
					EventType: logging.AuditEventAttestation,
					Component: "session",
					SessionID: ms.snap.ID,
					Binary:    ms.snap.Binary.Key(),
					Result:    "ok",
					Details:   map[string]any{"attestors": len(evidence)},
				})
			}
		}
	}
	priv := circuit.PrivateWitness{
		OutputDigest: ms.witness.OutputDigest,
		Blinding:     ms.commitment.Blinding,
	}

	// Prove runs outside the session lock so Cancel and the reaper can
	// reach the session while the backend grinds.
	proveCtx, cancel := context.WithDeadline(ctx, ms.snap.ExpiresAt)
	ms.cancelProve = cancel
	ms.mu.Unlock()

	start := m.now()
	proof, proveErr := m.backend.Prove(proveCtx, priv, pub)
	cancel()

	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.cancelProve = nil

	// Expiry or cancellation may have landed while proving.
	if ms.snap.Status.Terminal() {
		return ms.snap, ErrTerminal
	}
	if m.expiredLocked(ms) {
		m.expireLocked(ctx, ms)
		return ms.snap, ErrExpired
	}
	if proveErr != nil {
		if errors.Is(proveErr, circuit.ErrProofCancelled) {
			return ms.snap, proveErr
		}
		return ms.snap, fmt.Errorf("%w: %v", ErrProveFailed, proveErr)
	}

	ms.proof = proof
	m.transitionLocked(ctx, ms, StatusProofSubmitted)
	if m.audit != nil {
		m.audit.Log(ctx, logging.AuditEvent{
			EventType: logging.AuditEventProofSubmitted,
			Component: "session",
			SessionID: ms.snap.ID,
			Binary:    ms.snap.Binary.Key(),
			Result:    "ok",
			Details: map[string]any{
				"scheme":      proof.Scheme,
				"curve":       proof.Curve,
				"constraints": proof.ConstraintCount,
			},
		})
	}
	if m.stats != nil {
		m.stats.RecordProve(m.now().Sub(start))
	}
	return ms.snap, nil
}

// Verify runs the verifier's gates against the submitted proof and
// drives the session to Verified or Rejected. Secrets are wiped either
// way.
func (m *Manager) Verify(ctx context.Context, id string) (Session, error) {
	ms, err := m.get(id)
	if err != nil {
		return Session{}, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if err := m.gate(ms, StatusProofSubmitted); err != nil {
		return ms.snap, err
	}

	start := m.now()
	res := m.verifier.Verify(ctx, &verify.Submission{
		SessionID:   ms.snap.ID,
		ChallengeID: ms.snap.ChallengeID,
		Identity:    ms.snap.Binary,
		Commitment:  ms.commitment.Value,
		Proof:       ms.proof,
	})
	ms.snap.Result = &res

	if res.Accepted {
		m.transitionLocked(ctx, ms, StatusVerified)
	} else {
		m.transitionLocked(ctx, ms, StatusRejected)
	}
	if m.stats != nil {
		m.stats.RecordVerification(m.now().Sub(start), res.Accepted)
	}
	return ms.snap, nil
}

// Export builds a signed-ready evidence packet for a verified session.
func (m *Manager) Export(id string) (*verify.EvidencePacket, error) {
	ms, err := m.get(id)
	if err != nil {
		return nil, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.snap.Status != StatusVerified {
		return nil, fmt.Errorf("%w: status is %s", ErrInvalidTransition, ms.snap.Status)
	}
	p := verify.BuildPacket(&verify.Submission{
		SessionID:   ms.snap.ID,
		ChallengeID: ms.snap.ChallengeID,
		Identity:    ms.snap.Binary,
		Commitment:  ms.commitment.Value,
		Proof:       ms.proof,
	}, ms.challenge, m.now())
	for i := range ms.attestations {
		p.AddAttestation(ms.attestations[i].Attestor, ms.attestations[i].Quote, ms.attestations[i].TakenAt)
	}
	if m.stats != nil {
		m.stats.RecordExport()
	}
	return p, nil
}

// Cancel aborts a session: any in-flight prove is cancelled, secrets
// are wiped, and the session lands in Rejected with a cancellation
// reason. Cancelling a terminal session is a no-op error.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	ms, err := m.get(id)
	if err != nil {
		return err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.snap.Status.Terminal() {
		return ErrTerminal
	}
	if ms.cancelProve != nil {
		ms.cancelProve()
	}
	ms.snap.Result = &verify.Result{
		Accepted:  false,
		Reason:    "cancelled by caller",
		CheckedAt: m.now(),
	}
	m.transitionLocked(ctx, ms, StatusRejected)
	return nil
}

// Get returns a snapshot of one session.
func (m *Manager) Get(id string) (Session, error) {
	ms, err := m.get(id)
	if err != nil {
		return Session{}, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if !ms.snap.Status.Terminal() && m.expiredLocked(ms) {
		m.expireLocked(context.Background(), ms)
	}
	return ms.snap, nil
}

// List returns snapshots of all sessions.
func (m *Manager) List() []Session {
	m.mu.RLock()
	all := make([]*managed, 0, len(m.sessions))
	for _, ms := range m.sessions {
		all = append(all, ms)
	}
	m.mu.RUnlock()

	out := make([]Session, 0, len(all))
	for _, ms := range all {
		ms.mu.Lock()
		out = append(out, ms.snap)
		ms.mu.Unlock()
	}
	return out
}

// Reap expires timed-out sessions and reaps stale challenges once.
// Returns how many sessions were expired.
func (m *Manager) Reap() int {
	if n := m.issuer.Reap(); n > 0 && m.stats != nil {
		m.stats.RecordChallengesExpired(n)
	}

	m.mu.RLock()
	all := make([]*managed, 0, len(m.sessions))
	for _, ms := range m.sessions {
		all = append(all, ms)
	}
	m.mu.RUnlock()

	expired := 0
	for _, ms := range all {
		ms.mu.Lock()
		if !ms.snap.Status.Terminal() && m.expiredLocked(ms) {
			m.expireLocked(context.Background(), ms)
			expired++
		}
		ms.mu.Unlock()
	}
	return expired
}

func (m *Manager) reapLoop() {
	defer close(m.reapDone)
	ticker := time.NewTicker(m.reapEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopReap:
			return
		case <-ticker.C:
			if n := m.Reap(); n > 0 {
				m.log.Info("reaped expired sessions", "count", n)
			}
		}
	}
}

func (m *Manager) get(id string) (*managed, error) {
	m.mu.RLock()
	ms, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return ms, nil
}

// gate enforces the state machine: terminal absorbs, expiry overrides,
// and the operation must start from exactly the expected status.
// Caller holds ms.mu.
func (m *Manager) gate(ms *managed, want Status) error {
	if ms.snap.Status.Terminal() {
		if ms.snap.Status == StatusExpired {
			return ErrExpired
		}
		return ErrTerminal
	}
	if m.expiredLocked(ms) {
		m.expireLocked(context.Background(), ms)
		return ErrExpired
	}
	if ms.snap.Status != want {
		return fmt.Errorf("%w: status is %s, want %s", ErrInvalidTransition, ms.snap.Status, want)
	}
	return nil
}

func (m *Manager) expiredLocked(ms *managed) bool {
	return m.now().After(ms.snap.ExpiresAt)
}

// expireLocked moves a session to Expired and wipes its secrets.
// Caller holds ms.mu.
func (m *Manager) expireLocked(ctx context.Context, ms *managed) {
	if ms.snap.Status.Terminal() {
		return
	}
	if ms.cancelProve != nil {
		ms.cancelProve()
	}
	m.transitionLocked(ctx, ms, StatusExpired)
}

// transitionLocked applies a status change, wiping secrets when the
// new status is terminal. Caller holds ms.mu.
func (m *Manager) transitionLocked(ctx context.Context, ms *managed, to Status) {
	from := ms.snap.Status
	ms.snap.Status = to
	ms.snap.StatusName = to.String()
	ms.snap.UpdatedAt = m.now()

	m.log.Debug("session transition",
		"session_id", ms.snap.ID,
		"from", from.String(),
		"to", to.String())

	if to.Terminal() {
		m.wipeLocked(ms)
		if m.stats != nil {
			m.stats.RecordSessionEnd(to.String())
		}
		if m.audit != nil {
			reason := ""
			if ms.snap.Result != nil {
				reason = ms.snap.Result.Reason
			}
			m.audit.Log(ctx, logging.AuditEvent{
				EventType: logging.AuditEventVerification,
				Component: "session",
				SessionID: ms.snap.ID,
				Binary:    ms.snap.Binary.Key(),
				Result:    to.String(),
				Details:   map[string]any{"reason": reason},
			})
		}
	}
}

// wipeLocked destroys session secrets: raw output and the commitment
// blinding. The commitment value, proof, and result survive for export
// and audit. Caller holds ms.mu.
func (m *Manager) wipeLocked(ms *managed) {
	if ms.witness != nil {
		security.Wipe(ms.witness.RawOutput)
		ms.witness.RawOutput = nil
	}
	security.Wipe(ms.commitment.Blinding[:])
}
