package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"execproof/internal/attest"
	"execproof/internal/binaryid"
	"execproof/internal/challenge"
	"execproof/internal/circuit"
	"execproof/internal/security"
	"execproof/internal/verify"
	"execproof/internal/witness"
)

// fakeBackend produces trivially-valid proofs so lifecycle tests do
// not pay for a real proving setup. The verdict is scriptable.
type fakeBackend struct {
	mu      sync.Mutex
	verdict bool
	lastPub circuit.PublicInputs
}

func (f *fakeBackend) Prove(ctx context.Context, priv circuit.PrivateWitness, pub circuit.PublicInputs) (*circuit.Proof, error) {
	if err := ctx.Err(); err != nil {
		return nil, circuit.ErrProofCancelled
	}
	f.mu.Lock()
	f.lastPub = pub
	f.mu.Unlock()
	return &circuit.Proof{
		Data:         []byte{0xfa, 0xce},
		PublicInputs: pub,
		Scheme:       circuit.SchemeGroth16,
		Curve:        circuit.CurveBN254,
		VKHash:       []byte{0x01},
	}, nil
}

func (f *fakeBackend) Verify(proof *circuit.Proof, pub circuit.PublicInputs) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verdict, nil
}

func (f *fakeBackend) provedPub() circuit.PublicInputs {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastPub
}

type env struct {
	mgr     *Manager
	backend *fakeBackend
	issuer  *challenge.Issuer
	reg     *binaryid.Registry
	id      binaryid.Identity

	mu  sync.Mutex
	now time.Time
}

func (e *env) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *env) advance(d time.Duration) {
	e.mu.Lock()
	e.now = e.now.Add(d)
	e.mu.Unlock()
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()

	e := &env{now: time.Now()}

	e.id = binaryid.Identity{Name: "app", Version: "1.0.0", Algorithm: binaryid.ChecksumAlgorithm}
	e.id.Checksum[0] = 0x42

	e.issuer = challenge.NewIssuer(challenge.WithClock(e.clock))
	e.reg = binaryid.NewRegistry()
	e.reg.Put(e.id)

	e.backend = &fakeBackend{verdict: true}
	verifier := verify.New(e.issuer, e.reg, e.backend, verify.WithClock(e.clock))

	opts = append([]Option{WithClock(e.clock), WithReapInterval(0)}, opts...)
	e.mgr = NewManager(e.issuer, e.reg, witness.NewBinderWithClock(e.clock), e.backend, verifier, opts...)
	t.Cleanup(e.mgr.Close)
	return e
}

func TestLifecycle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	s, err := e.mgr.StartSession(ctx, "app", "1.0.0")
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if s.Status != StatusChallengeIssued {
		t.Fatalf("status = %s, want challenge_issued", s.Status)
	}
	if s.ChallengeID == "" || s.ID == "" {
		t.Fatal("missing session or challenge ID")
	}

	s, err = e.mgr.SubmitExecution(ctx, s.ID, []byte("execution output"))
	if err != nil {
		t.Fatalf("SubmitExecution failed: %v", err)
	}
	if s.Status != StatusExecuted {
		t.Fatalf("status = %s, want executed", s.Status)
	}

	s, err = e.mgr.Finalize(ctx, s.ID)
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if s.Status != StatusProofSubmitted {
		t.Fatalf("status = %s, want proof_submitted", s.Status)
	}
	if s.Commitment == ([32]byte{}) {
		t.Error("commitment not recorded on snapshot")
	}

	s, err = e.mgr.Verify(ctx, s.ID)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if s.Status != StatusVerified {
		t.Fatalf("status = %s, want verified", s.Status)
	}
	if s.Result == nil || !s.Result.Accepted {
		t.Error("missing or negative result on verified session")
	}

	p, err := e.mgr.Export(s.ID)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if p.SessionID != s.ID {
		t.Error("packet carries wrong session ID")
	}
	if p.Binary.Name != "app" || p.Binary.Version != "1.0.0" {
		t.Errorf("packet binary = %s@%s", p.Binary.Name, p.Binary.Version)
	}
}

func TestStartUnregistered(t *testing.T) {
	e := newEnv(t)
	if _, err := e.mgr.StartSession(context.Background(), "ghost", "0.0.1"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("StartSession = %v, want ErrNotRegistered", err)
	}
}

func TestRateLimit(t *testing.T) {
	e := newEnv(t, WithRateLimiter(security.NewRateLimiter(0.001, 1)))
	ctx := context.Background()

	if _, err := e.mgr.StartSession(ctx, "app", "1.0.0"); err != nil {
		t.Fatalf("first StartSession failed: %v", err)
	}
	if _, err := e.mgr.StartSession(ctx, "app", "1.0.0"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("second StartSession = %v, want ErrRateLimited", err)
	}
}

func TestSubmitTwice(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	s, err := e.mgr.StartSession(ctx, "app", "1.0.0")
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if _, err := e.mgr.SubmitExecution(ctx, s.ID, []byte("one")); err != nil {
		t.Fatalf("SubmitExecution failed: %v", err)
	}
	if _, err := e.mgr.SubmitExecution(ctx, s.ID, []byte("two")); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second SubmitExecution = %v, want ErrInvalidTransition", err)
	}
}

func TestInvalidTransitions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	s, err := e.mgr.StartSession(ctx, "app", "1.0.0")
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	if _, err := e.mgr.Finalize(ctx, s.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Finalize before execution = %v, want ErrInvalidTransition", err)
	}
	if _, err := e.mgr.Verify(ctx, s.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Verify before proof = %v, want ErrInvalidTransition", err)
	}
	if _, err := e.mgr.Export(s.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Export before verification = %v, want ErrInvalidTransition", err)
	}
}

func TestUnknownSession(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	if _, err := e.mgr.SubmitExecution(ctx, "missing", []byte("x")); !errors.Is(err, ErrNotFound) {
		t.Errorf("SubmitExecution = %v, want ErrNotFound", err)
	}
	if _, err := e.mgr.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get = %v, want ErrNotFound", err)
	}
	if err := e.mgr.Cancel(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Cancel = %v, want ErrNotFound", err)
	}
}

func TestExpiry(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	s, err := e.mgr.StartSession(ctx, "app", "1.0.0")
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	e.advance(challenge.DefaultTTL + time.Minute)

	if _, err := e.mgr.SubmitExecution(ctx, s.ID, []byte("late")); !errors.Is(err, ErrExpired) {
		t.Errorf("SubmitExecution past expiry = %v, want ErrExpired", err)
	}

	got, err := e.mgr.Get(s.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}

	// expired is terminal
	if _, err := e.mgr.SubmitExecution(ctx, s.ID, []byte("again")); !errors.Is(err, ErrExpired) {
		t.Errorf("SubmitExecution on expired session = %v, want ErrExpired", err)
	}
}

func TestExpiryIsolation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	a, err := e.mgr.StartSession(ctx, "app", "1.0.0")
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	e.advance(challenge.DefaultTTL + time.Minute)
	b, err := e.mgr.StartSession(ctx, "app", "1.0.0")
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	if n := e.mgr.Reap(); n != 1 {
		t.Errorf("Reap = %d, want 1", n)
	}

	gotA, _ := e.mgr.Get(a.ID)
	if gotA.Status != StatusExpired {
		t.Errorf("session a status = %s, want expired", gotA.Status)
	}
	if _, err := e.mgr.SubmitExecution(ctx, b.ID, []byte("fresh")); err != nil {
		t.Errorf("fresh session affected by sibling expiry: %v", err)
	}
}

func TestCancel(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	s, err := e.mgr.StartSession(ctx, "app", "1.0.0")
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if err := e.mgr.Cancel(ctx, s.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	got, _ := e.mgr.Get(s.ID)
	if got.Status != StatusRejected {
		t.Errorf("status = %s, want rejected", got.Status)
	}
	if got.Result == nil || got.Result.Accepted {
		t.Error("cancelled session missing rejection result")
	}

	if err := e.mgr.Cancel(ctx, s.ID); !errors.Is(err, ErrTerminal) {
		t.Errorf("second Cancel = %v, want ErrTerminal", err)
	}
}

func TestVerifyRejection(t *testing.T) {
	e := newEnv(t)
	e.backend.verdict = false
	ctx := context.Background()

	s, err := e.mgr.StartSession(ctx, "app", "1.0.0")
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if _, err := e.mgr.SubmitExecution(ctx, s.ID, []byte("out")); err != nil {
		t.Fatalf("SubmitExecution failed: %v", err)
	}
	if _, err := e.mgr.Finalize(ctx, s.ID); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	s, err = e.mgr.Verify(ctx, s.ID)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if s.Status != StatusRejected {
		t.Errorf("status = %s, want rejected", s.Status)
	}
	if s.Result == nil || s.Result.Stage != verify.StageCircuit {
		t.Errorf("result = %+v, want circuit-stage rejection", s.Result)
	}

	if _, err := e.mgr.Export(s.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Export of rejected session = %v, want ErrInvalidTransition", err)
	}
}

func TestEmptyOutputRejected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	s, err := e.mgr.StartSession(ctx, "app", "1.0.0")
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if _, err := e.mgr.SubmitExecution(ctx, s.ID, nil); !errors.Is(err, ErrBindingFailure) {
		t.Errorf("SubmitExecution with empty output = %v, want ErrBindingFailure", err)
	}
}

func TestAttestorsBoundIntoStatement(t *testing.T) {
	master := make([]byte, 32)
	master[0] = 7
	soft, err := attest.NewSoftwareAttestor(master)
	if err != nil {
		t.Fatalf("NewSoftwareAttestor failed: %v", err)
	}
	attestors := attest.NewRegistry()
	attestors.Register(soft)

	e := newEnv(t, WithAttestors(attestors))
	ctx := context.Background()

	s, err := e.mgr.StartSession(ctx, "app", "1.0.0")
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if _, err := e.mgr.SubmitExecution(ctx, s.ID, []byte("out")); err != nil {
		t.Fatalf("SubmitExecution failed: %v", err)
	}
	if _, err := e.mgr.Finalize(ctx, s.ID); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	if e.backend.provedPub().Attestation == ([32]byte{}) {
		t.Error("attestation digest not bound into the proof statement")
	}

	if _, err := e.mgr.Verify(ctx, s.ID); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	p, err := e.mgr.Export(s.ID)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if len(p.Attestations) != 1 || p.Attestations[0].Attestor != "software-hmac" {
		t.Errorf("packet attestations = %+v", p.Attestations)
	}
}

func TestList(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := e.mgr.StartSession(ctx, "app", "1.0.0"); err != nil {
			t.Fatalf("StartSession failed: %v", err)
		}
	}
	if got := len(e.mgr.List()); got != 3 {
		t.Errorf("List returned %d sessions, want 3", got)
	}
}

func TestStatusStrings(t *testing.T) {
	for s := StatusCreated; s <= StatusExpired; s++ {
		if s.String() == "unknown" {
			t.Errorf("status %d has no name", s)
		}
	}
	if !StatusVerified.Terminal() || !StatusRejected.Terminal() || !StatusExpired.Terminal() {
		t.Error("terminal statuses misclassified")
	}
	if StatusCommitted.Terminal() {
		t.Error("committed must not be terminal")
	}
}
