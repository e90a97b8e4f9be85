package verify

import (
	"context"
	"errors"
	"testing"
	"time"

	"execproof/internal/binaryid"
	"execproof/internal/challenge"
	"execproof/internal/circuit"
)

// fakeBackend lets gate tests control the circuit verdict without
// paying for a real proving setup.
type fakeBackend struct {
	ok  bool
	err error
}

func (f *fakeBackend) Prove(ctx context.Context, priv circuit.PrivateWitness, pub circuit.PublicInputs) (*circuit.Proof, error) {
	return nil, errors.New("fake backend does not prove")
}

func (f *fakeBackend) Verify(proof *circuit.Proof, pub circuit.PublicInputs) (bool, error) {
	return f.ok, f.err
}

type fixture struct {
	issuer   *challenge.Issuer
	registry *binaryid.Registry
	identity binaryid.Identity
	ch       *challenge.Challenge
	sub      *Submission
	now      time.Time
}

// newFixture builds a submission that passes all four gates against a
// permissive fake backend.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	id := binaryid.Identity{Name: "app", Version: "1.0.0", Algorithm: binaryid.ChecksumAlgorithm}
	id.Checksum[0] = 0x42

	now := time.Unix(1700000000, 0)
	issuer := challenge.NewIssuer(challenge.WithClock(func() time.Time { return now }))
	ch := issuer.Issue(id)

	registry := binaryid.NewRegistry()
	registry.Put(id)

	sub := &Submission{
		SessionID:   "sess-1",
		ChallengeID: ch.ID,
		Identity:    id,
		Proof: &circuit.Proof{
			Data:   []byte{0xde, 0xad},
			Scheme: circuit.SchemeGroth16,
			Curve:  circuit.CurveBN254,
			VKHash: []byte{0x01, 0x02, 0x03, 0x04},
		},
	}
	sub.Proof.PublicInputs.ChallengeNonce = ch.Nonce
	sub.Proof.PublicInputs.BinaryChecksum = id.Checksum
	sub.Proof.PublicInputs.CommitmentValue[0] = 0x77
	sub.Commitment = sub.Proof.PublicInputs.CommitmentValue

	return &fixture{issuer: issuer, registry: registry, identity: id, ch: ch, sub: sub, now: now}
}

func (f *fixture) verifier(backend circuit.Backend) *Verifier {
	return New(f.issuer, f.registry, backend, WithClock(func() time.Time { return f.now }))
}

func TestVerifyAccepts(t *testing.T) {
	f := newFixture(t)
	res := f.verifier(&fakeBackend{ok: true}).Verify(context.Background(), f.sub)
	if !res.Accepted {
		t.Fatalf("valid submission rejected at %s: %s", res.Stage, res.Reason)
	}
	if res.Reason != "" {
		t.Errorf("accepted result carries reason %q", res.Reason)
	}
}

func TestVerifyNilProof(t *testing.T) {
	f := newFixture(t)
	f.sub.Proof = nil
	res := f.verifier(&fakeBackend{ok: true}).Verify(context.Background(), f.sub)
	if res.Accepted || res.Stage != StageCircuit {
		t.Errorf("nil proof: accepted=%v stage=%s", res.Accepted, res.Stage)
	}
}

func TestGateChallenge(t *testing.T) {
	t.Run("unknown", func(t *testing.T) {
		f := newFixture(t)
		f.sub.ChallengeID = "never-issued"
		res := f.verifier(&fakeBackend{ok: true}).Verify(context.Background(), f.sub)
		if res.Accepted || res.Stage != StageChallenge {
			t.Errorf("accepted=%v stage=%s", res.Accepted, res.Stage)
		}
	})

	t.Run("expired", func(t *testing.T) {
		f := newFixture(t)
		f.now = f.now.Add(time.Hour)
		res := f.verifier(&fakeBackend{ok: true}).Verify(context.Background(), f.sub)
		if res.Accepted || res.Stage != StageChallenge {
			t.Errorf("accepted=%v stage=%s", res.Accepted, res.Stage)
		}
	})

	t.Run("nonce mismatch", func(t *testing.T) {
		f := newFixture(t)
		f.sub.Proof.PublicInputs.ChallengeNonce[0] ^= 1
		res := f.verifier(&fakeBackend{ok: true}).Verify(context.Background(), f.sub)
		if res.Accepted || res.Stage != StageChallenge {
			t.Errorf("accepted=%v stage=%s", res.Accepted, res.Stage)
		}
	})
}

func TestGateIdentity(t *testing.T) {
	t.Run("unregistered", func(t *testing.T) {
		f := newFixture(t)
		f.sub.Identity.Version = "9.9.9"
		res := f.verifier(&fakeBackend{ok: true}).Verify(context.Background(), f.sub)
		if res.Accepted || res.Stage != StageIdentity {
			t.Errorf("accepted=%v stage=%s", res.Accepted, res.Stage)
		}
	})

	t.Run("proof checksum differs from registry", func(t *testing.T) {
		f := newFixture(t)
		f.sub.Proof.PublicInputs.BinaryChecksum[0] ^= 1
		res := f.verifier(&fakeBackend{ok: true}).Verify(context.Background(), f.sub)
		if res.Accepted || res.Stage != StageIdentity {
			t.Errorf("accepted=%v stage=%s", res.Accepted, res.Stage)
		}
	})

	t.Run("claimed checksum differs from registry", func(t *testing.T) {
		f := newFixture(t)
		f.sub.Identity.Checksum[0] ^= 1
		res := f.verifier(&fakeBackend{ok: true}).Verify(context.Background(), f.sub)
		if res.Accepted || res.Stage != StageIdentity {
			t.Errorf("accepted=%v stage=%s", res.Accepted, res.Stage)
		}
	})
}

func TestGateCircuit(t *testing.T) {
	t.Run("rejected", func(t *testing.T) {
		f := newFixture(t)
		res := f.verifier(&fakeBackend{ok: false}).Verify(context.Background(), f.sub)
		if res.Accepted || res.Stage != StageCircuit {
			t.Errorf("accepted=%v stage=%s", res.Accepted, res.Stage)
		}
	})

	t.Run("backend error", func(t *testing.T) {
		f := newFixture(t)
		res := f.verifier(&fakeBackend{err: errors.New("solver blew up")}).Verify(context.Background(), f.sub)
		if res.Accepted || res.Stage != StageCircuit {
			t.Errorf("accepted=%v stage=%s", res.Accepted, res.Stage)
		}
	})
}

func TestGateCommitment(t *testing.T) {
	f := newFixture(t)
	f.sub.Commitment[0] ^= 1
	res := f.verifier(&fakeBackend{ok: true}).Verify(context.Background(), f.sub)
	if res.Accepted || res.Stage != StageCommitment {
		t.Errorf("accepted=%v stage=%s", res.Accepted, res.Stage)
	}
}

// Gate order: a submission broken at several gates must be rejected at
// the earliest one.
func TestGateOrder(t *testing.T) {
	f := newFixture(t)
	f.sub.ChallengeID = "never-issued"
	f.sub.Identity.Checksum[0] ^= 1
	f.sub.Commitment[0] ^= 1

	res := f.verifier(&fakeBackend{ok: false}).Verify(context.Background(), f.sub)
	if res.Stage != StageChallenge {
		t.Errorf("stage = %s, want challenge", res.Stage)
	}
}

func TestResultTimestamps(t *testing.T) {
	f := newFixture(t)
	res := f.verifier(&fakeBackend{ok: true}).Verify(context.Background(), f.sub)
	if !res.CheckedAt.Equal(f.now) {
		t.Errorf("CheckedAt = %v, want %v", res.CheckedAt, f.now)
	}
}
