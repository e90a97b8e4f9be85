// Package circuit is the proving-circuit boundary.
//
// The core protocol treats the proving system as a collaborator behind
// the Backend interface: prove(privateWitness, publicInputs) -> Proof,
// verify(proof, publicInputs) -> bool. A Groth16 implementation over
// BN254 ships as the default backend.
//
// The binding circuit recomputes the session commitment from the public
// inputs (challenge nonce, binary checksum, commitment value) and the
// private inputs (output digest, blinding) and asserts equality. A proof
// therefore attests that a witness consistent with the committed,
// nonce-bound output exists, without revealing the output.
package circuit

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash/mimc"

	"execproof/internal/binaryid"
	"execproof/internal/challenge"
	"execproof/internal/commit"
	"execproof/internal/witness"
)

// Errors returned by backends.
var (
	ErrProofCancelled = errors.New("circuit: proof generation cancelled")
	ErrMalformedProof = errors.New("circuit: malformed proof data")
)

// PublicInputs is what the verifier sees and checks a proof against.
// Attestation is optional; all zero means no attestor contributed.
type PublicInputs struct {
	ChallengeNonce  [challenge.NonceSize]byte   `json:"challenge_nonce"`
	BinaryChecksum  [binaryid.ChecksumSize]byte `json:"binary_checksum"`
	CommitmentValue [commit.ValueSize]byte      `json:"commitment_value"`
	Attestation     [32]byte                    `json:"attestation,omitempty"`
}

// Proof is the opaque artifact from the backend plus its declared
// public inputs. Immutable once produced.
type Proof struct {
	Data            []byte        `json:"data"`
	PublicInputs    PublicInputs  `json:"public_inputs"`
	Scheme          string        `json:"scheme"`
	Curve           string        `json:"curve"`
	VKHash          []byte        `json:"vk_hash"`
	ConstraintCount int           `json:"constraint_count"`
	GeneratedIn     time.Duration `json:"generated_in_ns"`
}

// PrivateWitness is the secret half of the circuit assignment.
type PrivateWitness struct {
	OutputDigest [witness.DigestSize]byte
	Blinding     [commit.BlindingSize]byte
}

// Backend is the proving-system boundary. Implementations must be safe
// for concurrent use; Prove must honor context cancellation.
type Backend interface {
	Prove(ctx context.Context, priv PrivateWitness, pub PublicInputs) (*Proof, error)
	Verify(proof *Proof, pub PublicInputs) (bool, error)
}

// BindingCircuit asserts that the public commitment equals the MiMC
// commitment over (nonce, checksum, outputDigest, blinding). The
// attestation input is a public passthrough: it rides in the statement
// so a tampered attestation invalidates the proof, but carries no
// in-circuit constraint of its own.
type BindingCircuit struct {
	ChallengeNonce  frontend.Variable `gnark:",public"`
	BinaryChecksum  frontend.Variable `gnark:",public"`
	CommitmentValue frontend.Variable `gnark:",public"`
	Attestation     frontend.Variable `gnark:",public"`

	OutputDigest frontend.Variable
	Blinding     frontend.Variable
}

// Define declares the circuit constraints.
func (c *BindingCircuit) Define(api frontend.API) error {
	h, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}

	h.Write(c.ChallengeNonce, c.BinaryChecksum, c.OutputDigest, c.Blinding)
	api.AssertIsEqual(c.CommitmentValue, h.Sum())

	api.AssertIsEqual(c.Attestation, c.Attestation)
	return nil
}

// assignment builds a full circuit assignment from witness halves.
// Byte values are reduced into the scalar field with the same mapping
// the native commitment uses.
func assignment(priv PrivateWitness, pub PublicInputs) *BindingCircuit {
	return &BindingCircuit{
		ChallengeNonce:  commit.FieldElement(pub.ChallengeNonce[:]),
		BinaryChecksum:  commit.FieldElement(pub.BinaryChecksum[:]),
		CommitmentValue: commit.FieldElement(pub.CommitmentValue[:]),
		Attestation:     commit.FieldElement(pub.Attestation[:]),
		OutputDigest:    commit.FieldElement(priv.OutputDigest[:]),
		Blinding:        commit.FieldElement(priv.Blinding[:]),
	}
}

// publicAssignment builds an assignment carrying only public values.
func publicAssignment(pub PublicInputs) *BindingCircuit {
	return &BindingCircuit{
		ChallengeNonce:  commit.FieldElement(pub.ChallengeNonce[:]),
		BinaryChecksum:  commit.FieldElement(pub.BinaryChecksum[:]),
		CommitmentValue: commit.FieldElement(pub.CommitmentValue[:]),
		Attestation:     commit.FieldElement(pub.Attestation[:]),
	}
}

// Fingerprint summarizes public inputs for logs without leaking the
// nonce in full.
func (p PublicInputs) Fingerprint() string {
	return hex.EncodeToString(p.CommitmentValue[:8])
}
