package verify

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	_ "embed"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"execproof/internal/binaryid"
	"execproof/internal/challenge"
	"execproof/internal/circuit"
	"execproof/internal/signer"
)

// PacketVersion is the current evidence packet format version.
const PacketVersion = 1

//go:embed evidence.schema.json
var evidenceSchemaJSON []byte

// Evidence errors
var (
	ErrSchemaViolation  = errors.New("verify: evidence packet violates schema")
	ErrPacketVersion    = errors.New("verify: unsupported evidence packet version")
	ErrBadReceipt       = errors.New("verify: receipt signature invalid")
	ErrNoReceipt        = errors.New("verify: packet carries no receipt")
	ErrInconsistent     = errors.New("verify: packet fields disagree with proof public inputs")
	ErrAttestationDrift = errors.New("verify: embedded attestation does not match public input")
)

// EvidencePacket is a self-contained, offline-verifiable proof bundle.
// Everything is hex or base64 encoded so the packet survives any JSON
// transport untouched.
type EvidencePacket struct {
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	SessionID string    `json:"session_id"`

	Challenge ChallengeRecord `json:"challenge"`
	Binary    BinaryRecord    `json:"binary"`

	// Commitment recorded at commit time, before the proof existed.
	Commitment string `json:"commitment"`

	Proof        ProofRecord         `json:"proof"`
	Attestations []AttestationRecord `json:"attestations,omitempty"`
	Receipt      *Receipt            `json:"receipt,omitempty"`
}

// ChallengeRecord captures the issued challenge.
type ChallengeRecord struct {
	ID        string    `json:"id"`
	Nonce     string    `json:"nonce"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// BinaryRecord captures the claimed binary identity.
type BinaryRecord struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Algorithm string `json:"algorithm"`
	Checksum  string `json:"checksum"`
}

// ProofRecord carries the serialized proof and its public inputs.
type ProofRecord struct {
	Scheme          string             `json:"scheme"`
	Curve           string             `json:"curve"`
	VKHash          string             `json:"vk_hash"`
	Data            string             `json:"data"`
	ConstraintCount int                `json:"constraint_count,omitempty"`
	PublicInputs    PublicInputsRecord `json:"public_inputs"`
}

// PublicInputsRecord is the hex form of circuit.PublicInputs.
type PublicInputsRecord struct {
	ChallengeNonce  string `json:"challenge_nonce"`
	BinaryChecksum  string `json:"binary_checksum"`
	CommitmentValue string `json:"commitment_value"`
	Attestation     string `json:"attestation,omitempty"`
}

// AttestationRecord is an optional external attestor quote.
type AttestationRecord struct {
	Attestor string    `json:"attestor"`
	Quote    string    `json:"quote"`
	TakenAt  time.Time `json:"taken_at,omitempty"`
}

// Receipt is an Ed25519 signature over the packet body by the
// verifier that accepted it.
type Receipt struct {
	PublicKey string    `json:"public_key"`
	Signature string    `json:"signature"`
	SignedAt  time.Time `json:"signed_at"`
}

// BuildPacket assembles an evidence packet from a judged submission
// and the issued challenge it was judged against.
func BuildPacket(sub *Submission, ch challenge.Challenge, now time.Time) *EvidencePacket {
	pub := sub.Proof.PublicInputs

	p := &EvidencePacket{
		Version:   PacketVersion,
		CreatedAt: now.UTC(),
		SessionID: sub.SessionID,
		Challenge: ChallengeRecord{
			ID:        ch.ID,
			Nonce:     hex.EncodeToString(ch.Nonce[:]),
			IssuedAt:  ch.IssuedAt.UTC(),
			ExpiresAt: ch.ExpiresAt.UTC(),
		},
		Binary: BinaryRecord{
			Name:      sub.Identity.Name,
			Version:   sub.Identity.Version,
			Algorithm: sub.Identity.Algorithm,
			Checksum:  hex.EncodeToString(sub.Identity.Checksum[:]),
		},
		Commitment: hex.EncodeToString(sub.Commitment[:]),
		Proof: ProofRecord{
			Scheme:          sub.Proof.Scheme,
			Curve:           sub.Proof.Curve,
			VKHash:          hex.EncodeToString(sub.Proof.VKHash),
			Data:            base64.StdEncoding.EncodeToString(sub.Proof.Data),
			ConstraintCount: sub.Proof.ConstraintCount,
			PublicInputs: PublicInputsRecord{
				ChallengeNonce:  hex.EncodeToString(pub.ChallengeNonce[:]),
				BinaryChecksum:  hex.EncodeToString(pub.BinaryChecksum[:]),
				CommitmentValue: hex.EncodeToString(pub.CommitmentValue[:]),
			},
		},
	}
	if pub.Attestation != ([32]byte{}) {
		p.Proof.PublicInputs.Attestation = hex.EncodeToString(pub.Attestation[:])
	}
	return p
}

// AddAttestation embeds an attestor quote in the packet.
func (p *EvidencePacket) AddAttestation(attestor string, quote []byte, at time.Time) {
	p.Attestations = append(p.Attestations, AttestationRecord{
		Attestor: attestor,
		Quote:    base64.StdEncoding.EncodeToString(quote),
		TakenAt:  at.UTC(),
	})
}

// Encode serializes the packet as indented JSON.
func (p *EvidencePacket) Encode() ([]byte, error) {
	return json.MarshalIndent(p, "", "  ")
}

var compiledSchema = func() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("evidence-v1.schema.json", bytes.NewReader(evidenceSchemaJSON)); err != nil {
		panic(fmt.Sprintf("verify: embedded schema resource: %v", err))
	}
	schema, err := compiler.Compile("evidence-v1.schema.json")
	if err != nil {
		panic(fmt.Sprintf("verify: embedded schema does not compile: %v", err))
	}
	return schema
}()

// DecodePacket validates raw JSON against the packet schema and
// unmarshals it. Structurally invalid packets never reach the gates.
func DecodePacket(data []byte) (*EvidencePacket, error) {
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, fmt.Errorf("verify: malformed packet JSON: %w", err)
	}
	if err := compiledSchema.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}

	var p EvidencePacket
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("verify: decode packet: %w", err)
	}
	if p.Version != PacketVersion {
		return nil, fmt.Errorf("%w: %d", ErrPacketVersion, p.Version)
	}
	return &p, nil
}

// Sign attaches a receipt over the packet body. Any existing receipt
// is replaced; the signature covers the packet with the receipt field
// cleared.
func (p *EvidencePacket) Sign(priv ed25519.PrivateKey, now time.Time) error {
	payload, err := p.receiptPayload()
	if err != nil {
		return err
	}
	sig := signer.SignReceipt(priv, payload)
	p.Receipt = &Receipt{
		PublicKey: hex.EncodeToString(signer.GetPublicKey(priv)),
		Signature: hex.EncodeToString(sig),
		SignedAt:  now.UTC(),
	}
	return nil
}

// VerifyReceipt checks the packet's receipt signature against the
// embedded public key.
func (p *EvidencePacket) VerifyReceipt() error {
	if p.Receipt == nil {
		return ErrNoReceipt
	}
	pub, err := hex.DecodeString(p.Receipt.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return ErrBadReceipt
	}
	sig, err := hex.DecodeString(p.Receipt.Signature)
	if err != nil {
		return ErrBadReceipt
	}
	payload, err := p.receiptPayload()
	if err != nil {
		return err
	}
	if !signer.VerifyReceipt(ed25519.PublicKey(pub), payload, sig) {
		return ErrBadReceipt
	}
	return nil
}

func (p *EvidencePacket) receiptPayload() ([]byte, error) {
	bare := *p
	bare.Receipt = nil
	payload, err := json.Marshal(&bare)
	if err != nil {
		return nil, fmt.Errorf("verify: canonicalize packet: %w", err)
	}
	return payload, nil
}

// Submission reconstructs the verifier submission from a decoded
// packet. Hex fields are length-checked; the schema guarantees the
// character set.
func (p *EvidencePacket) Submission() (*Submission, error) {
	var sub Submission
	sub.SessionID = p.SessionID
	sub.ChallengeID = p.Challenge.ID

	sub.Identity = binaryid.Identity{
		Name:      p.Binary.Name,
		Version:   p.Binary.Version,
		Algorithm: p.Binary.Algorithm,
	}
	if err := decodeHex32(p.Binary.Checksum, sub.Identity.Checksum[:]); err != nil {
		return nil, fmt.Errorf("binary checksum: %w", err)
	}
	if err := decodeHex32(p.Commitment, sub.Commitment[:]); err != nil {
		return nil, fmt.Errorf("commitment: %w", err)
	}

	data, err := base64.StdEncoding.DecodeString(p.Proof.Data)
	if err != nil {
		return nil, fmt.Errorf("proof data: %w", err)
	}
	vkHash, err := hex.DecodeString(p.Proof.VKHash)
	if err != nil {
		return nil, fmt.Errorf("vk hash: %w", err)
	}

	proof := &circuit.Proof{
		Data:            data,
		Scheme:          p.Proof.Scheme,
		Curve:           p.Proof.Curve,
		VKHash:          vkHash,
		ConstraintCount: p.Proof.ConstraintCount,
	}
	if err := decodeHex32(p.Proof.PublicInputs.ChallengeNonce, proof.PublicInputs.ChallengeNonce[:]); err != nil {
		return nil, fmt.Errorf("public nonce: %w", err)
	}
	if err := decodeHex32(p.Proof.PublicInputs.BinaryChecksum, proof.PublicInputs.BinaryChecksum[:]); err != nil {
		return nil, fmt.Errorf("public checksum: %w", err)
	}
	if err := decodeHex32(p.Proof.PublicInputs.CommitmentValue, proof.PublicInputs.CommitmentValue[:]); err != nil {
		return nil, fmt.Errorf("public commitment: %w", err)
	}
	if p.Proof.PublicInputs.Attestation != "" {
		if err := decodeHex32(p.Proof.PublicInputs.Attestation, proof.PublicInputs.Attestation[:]); err != nil {
			return nil, fmt.Errorf("public attestation: %w", err)
		}
	}
	sub.Proof = proof
	return &sub, nil
}

// VerifyEvidence judges an exported packet offline. The challenge gate
// degrades to internal consistency: an offline verifier cannot confirm
// issuance, but it rejects any packet whose proof disagrees with its
// own challenge record, whose expiry window is malformed, or whose
// embedded attestations do not hash to the attestation public input.
func VerifyEvidence(p *EvidencePacket, registry *binaryid.Registry, backend circuit.Backend, now time.Time) Result {
	sub, err := p.Submission()
	if err != nil {
		return rejected(StageChallenge, fmt.Errorf("%w: %v", ErrInconsistent, err), now)
	}

	nonce, err := hex.DecodeString(p.Challenge.Nonce)
	if err != nil || len(nonce) != challenge.NonceSize {
		return rejected(StageChallenge, ErrInconsistent, now)
	}
	if subtle.ConstantTimeCompare(nonce, sub.Proof.PublicInputs.ChallengeNonce[:]) != 1 {
		return rejected(StageChallenge, ErrNonceMismatch, now)
	}
	if !p.Challenge.ExpiresAt.After(p.Challenge.IssuedAt) {
		return rejected(StageChallenge, ErrChallengeExpired, now)
	}
	if err := checkAttestations(p, sub.Proof.PublicInputs); err != nil {
		return rejected(StageChallenge, err, now)
	}

	expected, err := registry.ExpectedChecksum(sub.Identity.Name, sub.Identity.Version)
	if err != nil {
		return rejected(StageIdentity, fmt.Errorf("%w: %s", ErrChecksumMismatch, sub.Identity.Key()), now)
	}
	if subtle.ConstantTimeCompare(expected[:], sub.Proof.PublicInputs.BinaryChecksum[:]) != 1 ||
		subtle.ConstantTimeCompare(expected[:], sub.Identity.Checksum[:]) != 1 {
		return rejected(StageIdentity, ErrChecksumMismatch, now)
	}

	ok, err := backend.Verify(sub.Proof, sub.Proof.PublicInputs)
	if err != nil {
		return rejected(StageCircuit, fmt.Errorf("%w: %v", ErrCircuitVerificationFailed, err), now)
	}
	if !ok {
		return rejected(StageCircuit, ErrCircuitVerificationFailed, now)
	}

	if subtle.ConstantTimeCompare(sub.Commitment[:], sub.Proof.PublicInputs.CommitmentValue[:]) != 1 {
		return rejected(StageCommitment, ErrCommitmentMismatch, now)
	}

	return Result{Accepted: true, CheckedAt: now}
}

// checkAttestations verifies that embedded attestor quotes hash to the
// attestation public input. The attestation digest is the SHA-256 of
// the concatenated quotes in packet order.
func checkAttestations(p *EvidencePacket, pub circuit.PublicInputs) error {
	if len(p.Attestations) == 0 {
		return nil
	}
	h := sha256.New()
	for _, a := range p.Attestations {
		quote, err := base64.StdEncoding.DecodeString(a.Quote)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrAttestationDrift, err)
		}
		h.Write(quote)
	}
	var digest [32]byte
	h.Sum(digest[:0])
	if subtle.ConstantTimeCompare(digest[:], pub.Attestation[:]) != 1 {
		return ErrAttestationDrift
	}
	return nil
}

func decodeHex32(s string, dst []byte) error {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(raw) != len(dst) {
		return fmt.Errorf("expected %d bytes, got %d", len(dst), len(raw))
	}
	copy(dst, raw)
	return nil
}
