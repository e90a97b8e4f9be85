package circuit

import (
	"bytes"
	"context"
	"testing"
	"time"

	"execproof/internal/commit"
	"execproof/internal/witness"
)

// boundInputs builds a consistent (private, public) pair: the commitment
// value really is the MiMC commitment over the other fields.
func boundInputs(t *testing.T) (PrivateWitness, PublicInputs) {
	t.Helper()

	w := &witness.ExecutionWitness{RawOutput: []byte("output")}
	w.Nonce[0] = 0x11
	w.BinaryChecksum[0] = 0x22
	w.OutputDigest = witness.OutputDigest(w.Nonce, w.RawOutput)

	c := commit.Commit(w)

	priv := PrivateWitness{OutputDigest: w.OutputDigest, Blinding: c.Blinding}
	pub := PublicInputs{
		ChallengeNonce:  w.Nonce,
		BinaryChecksum:  w.BinaryChecksum,
		CommitmentValue: c.Value,
	}
	return priv, pub
}

func TestProveVerify(t *testing.T) {
	if testing.Short() {
		t.Skip("groth16 setup is slow")
	}

	backend := NewGroth16Backend(nil)
	priv, pub := boundInputs(t)

	proof, err := backend.Prove(context.Background(), priv, pub)
	if err != nil {
		t.Fatalf("Prove failed: %v", err)
	}
	if proof.Scheme != SchemeGroth16 || proof.Curve != CurveBN254 {
		t.Errorf("proof labeled %s/%s, want groth16/bn254", proof.Scheme, proof.Curve)
	}
	if len(proof.Data) == 0 {
		t.Fatal("empty proof data")
	}
	if proof.ConstraintCount <= 0 {
		t.Error("constraint count not recorded")
	}

	vkHash, err := backend.VKHash()
	if err != nil {
		t.Fatalf("VKHash failed: %v", err)
	}
	if !bytes.Equal(proof.VKHash, vkHash) {
		t.Error("proof VK hash differs from backend VK hash")
	}

	ok, err := backend.Verify(proof, pub)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !ok {
		t.Error("valid proof rejected")
	}
}

func TestVerifyRejectsWrongPublicInputs(t *testing.T) {
	if testing.Short() {
		t.Skip("groth16 setup is slow")
	}

	backend := NewGroth16Backend(nil)
	priv, pub := boundInputs(t)

	proof, err := backend.Prove(context.Background(), priv, pub)
	if err != nil {
		t.Fatalf("Prove failed: %v", err)
	}

	cases := map[string]func(*PublicInputs){
		"nonce":      func(p *PublicInputs) { p.ChallengeNonce[0] ^= 1 },
		"checksum":   func(p *PublicInputs) { p.BinaryChecksum[0] ^= 1 },
		"commitment": func(p *PublicInputs) { p.CommitmentValue[0] ^= 1 },
	}
	for name, mutate := range cases {
		mutated := pub
		mutate(&mutated)
		ok, err := backend.Verify(proof, mutated)
		if err != nil {
			t.Fatalf("Verify(%s) errored: %v", name, err)
		}
		if ok {
			t.Errorf("proof accepted under mutated %s", name)
		}
	}
}

func TestProveRejectsInconsistentWitness(t *testing.T) {
	if testing.Short() {
		t.Skip("groth16 setup is slow")
	}

	backend := NewGroth16Backend(nil)
	priv, pub := boundInputs(t)

	// break the commitment relation
	priv.OutputDigest[0] ^= 1
	if _, err := backend.Prove(context.Background(), priv, pub); err == nil {
		t.Error("Prove succeeded with a witness that does not satisfy the circuit")
	}
}

func TestProveCancellation(t *testing.T) {
	if testing.Short() {
		t.Skip("groth16 setup is slow")
	}

	backend := NewGroth16Backend(nil)
	priv, pub := boundInputs(t)

	// warm the setup so cancellation races against proving, not compile
	if _, err := backend.Prove(context.Background(), priv, pub); err != nil {
		t.Fatalf("warmup Prove failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := backend.Prove(ctx, priv, pub)
	if err == nil {
		t.Fatal("Prove succeeded under a cancelled context")
	}
}

func TestVerifyMalformed(t *testing.T) {
	if testing.Short() {
		t.Skip("groth16 setup is slow")
	}

	backend := NewGroth16Backend(nil)
	_, pub := boundInputs(t)

	if _, err := backend.Verify(nil, pub); err == nil {
		t.Error("Verify accepted a nil proof")
	}
	if _, err := backend.Verify(&Proof{Data: []byte("garbage")}, pub); err == nil {
		t.Error("Verify accepted garbage proof bytes")
	}
}

func TestFingerprint(t *testing.T) {
	var pub PublicInputs
	pub.CommitmentValue[0] = 0xab
	if got := pub.Fingerprint(); got != "ab00000000000000" {
		t.Errorf("Fingerprint = %q", got)
	}
}

func TestProofGeneratedIn(t *testing.T) {
	if testing.Short() {
		t.Skip("groth16 setup is slow")
	}

	backend := NewGroth16Backend(nil)
	priv, pub := boundInputs(t)

	proof, err := backend.Prove(context.Background(), priv, pub)
	if err != nil {
		t.Fatalf("Prove failed: %v", err)
	}
	if proof.GeneratedIn <= 0 || proof.GeneratedIn > time.Minute {
		t.Errorf("GeneratedIn = %v, implausible", proof.GeneratedIn)
	}
}
