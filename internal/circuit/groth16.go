package circuit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	gnarklogger "github.com/consensys/gnark/logger"
	"github.com/rs/zerolog"

	"execproof/internal/logging"
)

// SchemeGroth16 and CurveBN254 identify the default backend artifacts.
const (
	SchemeGroth16 = "groth16"
	CurveBN254    = "bn254"
)

// Groth16Backend proves and verifies binding circuits with Groth16 over
// BN254. Compilation and setup happen once; the compiled constraint
// system and keys are reused across sessions.
//
// Setup here is per-process. Persisting and distributing the proving
// and verifying keys is the deployment's concern, not this package's.
type Groth16Backend struct {
	log *logging.Logger

	setupOnce sync.Once
	setupErr  error
	ccs       constraint.ConstraintSystem
	pk        groth16.ProvingKey
	vk        groth16.VerifyingKey
	vkHash    []byte
}

// NewGroth16Backend creates the default backend. Setup is lazy: the
// first Prove or Verify pays the compile/setup cost.
func NewGroth16Backend(log *logging.Logger) *Groth16Backend {
	if log == nil {
		log = logging.Default()
	}
	return &Groth16Backend{log: log.WithComponent("circuit")}
}

// setup compiles the binding circuit and runs the Groth16 setup.
func (b *Groth16Backend) setup() error {
	b.setupOnce.Do(func() {
		defer silenceGnark()()

		start := time.Now()
		ccs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, &BindingCircuit{})
		if err != nil {
			b.setupErr = fmt.Errorf("compile circuit: %w", err)
			return
		}

		pk, vk, err := groth16.Setup(ccs)
		if err != nil {
			b.setupErr = fmt.Errorf("groth16 setup: %w", err)
			return
		}

		vkHash, err := hashVerifyingKey(vk)
		if err != nil {
			b.setupErr = fmt.Errorf("hash verifying key: %w", err)
			return
		}

		b.ccs = ccs
		b.pk = pk
		b.vk = vk
		b.vkHash = vkHash

		b.log.Info("circuit setup complete",
			"constraints", ccs.GetNbConstraints(),
			"elapsed", time.Since(start))
	})
	return b.setupErr
}

// Prove generates a proof that the private witness is consistent with
// the public inputs. Cancellation abandons the attempt: the in-flight
// computation finishes in the background and its result is dropped.
func (b *Groth16Backend) Prove(ctx context.Context, priv PrivateWitness, pub PublicInputs) (*Proof, error) {
	if err := b.setup(); err != nil {
		return nil, err
	}

	fullWitness, err := frontend.NewWitness(assignment(priv, pub), ecc.BN254.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("build witness: %w", err)
	}

	start := time.Now()

	type proveResult struct {
		proof groth16.Proof
		err   error
	}
	done := make(chan proveResult, 1)
	go func() {
		defer silenceGnark()()
		proof, err := groth16.Prove(b.ccs, b.pk, fullWitness)
		done <- proveResult{proof, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrProofCancelled, ctx.Err())
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("groth16 prove: %w", res.err)
		}

		var buf bytes.Buffer
		if _, err := res.proof.WriteTo(&buf); err != nil {
			return nil, fmt.Errorf("serialize proof: %w", err)
		}

		elapsed := time.Since(start)
		b.log.Debug("proof generated",
			"bytes", buf.Len(),
			"elapsed", elapsed,
			"statement", pub.Fingerprint())

		return &Proof{
			Data:            buf.Bytes(),
			PublicInputs:    pub,
			Scheme:          SchemeGroth16,
			Curve:           CurveBN254,
			VKHash:          b.vkHash,
			ConstraintCount: b.ccs.GetNbConstraints(),
			GeneratedIn:     elapsed,
		}, nil
	}
}

// Verify checks a proof against the given public inputs. The public
// inputs passed by the caller win over whatever the proof envelope
// declares; a proof replayed under different inputs fails here.
func (b *Groth16Backend) Verify(proof *Proof, pub PublicInputs) (bool, error) {
	if err := b.setup(); err != nil {
		return false, err
	}
	if proof == nil || len(proof.Data) == 0 {
		return false, ErrMalformedProof
	}

	gproof := groth16.NewProof(ecc.BN254)
	if _, err := gproof.ReadFrom(bytes.NewReader(proof.Data)); err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}

	publicWitness, err := frontend.NewWitness(publicAssignment(pub), ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return false, fmt.Errorf("build public witness: %w", err)
	}

	defer silenceGnark()()
	if err := groth16.Verify(gproof, b.vk, publicWitness); err != nil {
		b.log.Debug("proof rejected by circuit", "statement", pub.Fingerprint(), "reason", err)
		return false, nil
	}
	return true, nil
}

// VKHash returns the SHA-256 of the serialized verifying key.
func (b *Groth16Backend) VKHash() ([]byte, error) {
	if err := b.setup(); err != nil {
		return nil, err
	}
	return b.vkHash, nil
}

// hashVerifyingKey computes the SHA-256 of the serialized verifying key.
func hashVerifyingKey(vk groth16.VerifyingKey) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := vk.WriteTo(&buf); err != nil {
		return nil, err
	}
	sum := sha256.Sum256(buf.Bytes())
	return sum[:], nil
}

// silenceGnark mutes gnark's internal zerolog logger for the duration
// of a call. gnark logs compilation and solver chatter that does not
// belong in our output. Returns the restore func.
func silenceGnark() func() {
	old := gnarklogger.Logger()
	gnarklogger.Set(zerolog.New(io.Discard).Level(zerolog.Disabled))
	return func() { gnarklogger.Set(old) }
}
