// Package commit implements the binding-and-hiding commitment over
// execution witnesses.
//
// The construction is MiMC over the BN254 scalar field across the field
// encodings of (nonce, binaryChecksum, outputDigest, blinding). MiMC is
// chosen over SHA-256 because the identical computation is cheap to
// replay inside the proving circuit, so the commitment the verifier
// records and the commitment the circuit asserts are the same value.
//
// Binding: finding a second preimage of the MiMC sum breaks the hash.
// Hiding: the blinding is 256 fresh random bits per session, never
// reused, so the commitment value reveals nothing before opening.
package commit

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"

	"execproof/internal/security"
	"execproof/internal/witness"
)

// BlindingSize is the blinding factor length in bytes.
const BlindingSize = 32

// ValueSize is the commitment value length in bytes.
const ValueSize = fr.Bytes

// ErrBadBlinding is returned when opening data has the wrong shape.
var ErrBadBlinding = errors.New("commit: invalid blinding length")

// Commitment is a commitment value plus its opening data. The opening
// data stays with the prover until (if ever) the commitment is opened.
type Commitment struct {
	Value    [ValueSize]byte    `json:"value"`
	Blinding [BlindingSize]byte `json:"-"`
}

// NewBlinding draws a fresh blinding factor. Randomness failure aborts:
// a predictable blinding voids the hiding property for the session.
func NewBlinding() [BlindingSize]byte {
	var b [BlindingSize]byte
	security.MustSecureRandom(b[:])
	return b
}

// Commit commits to a witness with a fresh blinding factor.
func Commit(w *witness.ExecutionWitness) Commitment {
	return CommitWith(w, NewBlinding())
}

// CommitWith commits to a witness with the given blinding factor.
// Deterministic; Open relies on this.
func CommitWith(w *witness.ExecutionWitness, blinding [BlindingSize]byte) Commitment {
	sum := mimcSum(
		FieldElement(w.Nonce[:]),
		FieldElement(w.BinaryChecksum[:]),
		FieldElement(w.OutputDigest[:]),
		FieldElement(blinding[:]),
	)

	c := Commitment{Blinding: blinding}
	copy(c.Value[:], sum)
	return c
}

// Open checks that a commitment value opens to the given witness and
// blinding. Comparison is constant-time. Returns false for any mutated
// witness field or blinding.
func Open(value [ValueSize]byte, w *witness.ExecutionWitness, blinding [BlindingSize]byte) bool {
	recomputed := CommitWith(w, blinding)
	return subtle.ConstantTimeCompare(value[:], recomputed.Value[:]) == 1
}

// FieldElement reduces arbitrary bytes into a BN254 scalar field
// element, returned as a big.Int. Both the native commitment here and
// the circuit assignments use this mapping, so the two computations
// agree bit for bit.
func FieldElement(b []byte) *big.Int {
	var e fr.Element
	e.SetBigInt(new(big.Int).SetBytes(b))
	return e.BigInt(new(big.Int))
}

// mimcSum hashes field elements with BN254 MiMC in regular (big-endian)
// encoding.
func mimcSum(elems ...*big.Int) []byte {
	h := mimc.NewMiMC()
	for _, elem := range elems {
		var e fr.Element
		e.SetBigInt(elem)
		eb := e.Bytes()
		// Write cannot fail: eb is a canonical field element encoding.
		if _, err := h.Write(eb[:]); err != nil {
			panic(fmt.Sprintf("commit: mimc write: %v", err))
		}
	}
	return h.Sum(nil)
}
