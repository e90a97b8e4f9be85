// Package tpm attests execution digests with TPM 2.0 quotes.
//
// A quote over an execution digest ties a proof session to a concrete
// machine in a known boot state (PCR values, hardware clock) at the
// moment the digest existed. Hardware access goes through go-tpm; a
// software simulator stands in for development and tests.
package tpm

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrTPMNotAvailable  = errors.New("tpm: hardware not available")
	ErrTPMNotOpen       = errors.New("tpm: device not open")
	ErrTPMAlreadyOpen   = errors.New("tpm: device already open")
	ErrInvalidSignature = errors.New("tpm: invalid signature")
	ErrClockNotSafe     = errors.New("tpm: clock is not in safe state")
	ErrCounterRollback  = errors.New("tpm: monotonic counter rollback detected")
)

// PCRSelection names the PCRs a quote covers, always under SHA-256.
type PCRSelection struct {
	PCRs []uint `json:"pcrs"`
}

// DefaultPCRSelection covers firmware (0), boot manager (4), and
// Secure Boot state (7).
func DefaultPCRSelection() PCRSelection {
	return PCRSelection{PCRs: []uint{0, 4, 7}}
}

// Attestation is the evidence a provider produces for one quote.
type Attestation struct {
	DeviceID []byte `json:"device_id"`

	MonotonicCounter uint64    `json:"monotonic_counter"`
	FirmwareVersion  string    `json:"firmware_version,omitempty"`
	ClockInfo        ClockInfo `json:"clock_info"`

	Data      []byte `json:"data"`      // qualifying data (the digest)
	Signature []byte `json:"signature"` // signature over the quote
	Quote     []byte `json:"quote"`     // TPMS_ATTEST structure

	PCRValues map[uint][]byte `json:"pcr_values,omitempty"`
	PCRDigest []byte          `json:"pcr_digest,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// ClockInfo carries the TPM clock state at quote time.
type ClockInfo struct {
	Clock        uint64 `json:"clock"` // ms since TPM power-on
	ResetCount   uint32 `json:"reset_count"`
	RestartCount uint32 `json:"restart_count"`
	Safe         bool   `json:"safe"` // clock has never gone backwards
}

// Binding ties an execution digest to a TPM attestation.
type Binding struct {
	ExecutionDigest [32]byte    `json:"execution_digest"`
	Attestation     Attestation `json:"attestation"`

	// Counter seen by the previous binding from the same binder.
	PreviousCounter uint64 `json:"previous_counter,omitempty"`
}

// Provider abstracts a quoting TPM. Implementations: HardwareProvider
// (go-tpm, linux and windows), SoftwareProvider (simulator for tests),
// NoOpProvider (no TPM present).
type Provider interface {
	Available() bool
	Open() error
	Close() error

	// DeviceID returns a stable identifier, the EK public key hash on
	// hardware.
	DeviceID() ([]byte, error)

	// Quote attests the given data, hashing it first when it exceeds
	// the 64-byte qualifying-data limit.
	Quote(data []byte) (*Attestation, error)

	Manufacturer() string
}

// Binder creates TPM bindings for execution digests.
type Binder struct {
	provider    Provider
	lastCounter uint64
	mu          sync.Mutex
}

func NewBinder(provider Provider) *Binder {
	return &Binder{provider: provider}
}

// Available reports whether the underlying provider can quote.
func (b *Binder) Available() bool {
	return b.provider != nil && b.provider.Available()
}

// Bind quotes the execution digest and records the previous counter so
// successive bindings from this binder form a rollback-checkable chain.
func (b *Binder) Bind(executionDigest [32]byte) (*Binding, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.Available() {
		return nil, ErrTPMNotAvailable
	}
	if err := b.provider.Open(); err != nil && !errors.Is(err, ErrTPMAlreadyOpen) {
		return nil, fmt.Errorf("tpm open: %w", err)
	}

	attestation, err := b.provider.Quote(executionDigest[:])
	if err != nil {
		return nil, fmt.Errorf("tpm quote: %w", err)
	}

	binding := &Binding{
		ExecutionDigest: executionDigest,
		Attestation:     *attestation,
		PreviousCounter: b.lastCounter,
	}
	b.lastCounter = attestation.MonotonicCounter
	return binding, nil
}

// VerifyBinding checks a TPM binding. With trustedKeys the quote
// signature is verified cryptographically; with nil the check is
// structural only.
func VerifyBinding(binding *Binding, trustedKeys []crypto.PublicKey) error {
	if binding == nil {
		return errors.New("tpm: binding is nil")
	}

	var zeroHash [32]byte
	if binding.ExecutionDigest == zeroHash {
		return errors.New("tpm: execution digest is zero")
	}

	// Counter must be strictly increasing within a chain.
	if binding.PreviousCounter > 0 && binding.Attestation.MonotonicCounter <= binding.PreviousCounter {
		return ErrCounterRollback
	}
	if !binding.Attestation.ClockInfo.Safe {
		return ErrClockNotSafe
	}
	if len(binding.Attestation.Signature) == 0 {
		return ErrInvalidSignature
	}
	if len(binding.Attestation.Quote) == 0 {
		return errors.New("tpm: quote data is empty")
	}

	if len(binding.Attestation.Data) < 32 {
		return errors.New("tpm: attestation data too short")
	}
	var attestedHash [32]byte
	copy(attestedHash[:], binding.Attestation.Data[:32])
	if attestedHash != binding.ExecutionDigest {
		return errors.New("tpm: attestation does not match execution digest")
	}

	if len(binding.Attestation.DeviceID) == 0 {
		return errors.New("tpm: device ID is missing")
	}

	if len(trustedKeys) > 0 {
		verified := false
		for _, pubKey := range trustedKeys {
			if err := verifyQuoteSignature(binding, pubKey); err == nil {
				verified = true
				break
			}
		}
		if !verified {
			return errors.New("tpm: quote signature verification failed against all trusted keys")
		}
	}

	return nil
}

// verifyQuoteSignature verifies the quote signature with the given key.
func verifyQuoteSignature(binding *Binding, pubKey crypto.PublicKey) error {
	if pubKey == nil {
		return errors.New("tpm: public key is nil")
	}

	quoteHash := sha256.Sum256(binding.Attestation.Quote)

	switch key := pubKey.(type) {
	case *rsa.PublicKey:
		// TPM RSA quotes use RSASSA-PKCS1-v1_5 with SHA-256. The
		// signature blob may carry a TPMT_SIGNATURE scheme prefix.
		sig := binding.Attestation.Signature
		if len(sig) > 256 && len(sig) < 512 {
			rawSig := sig[len(sig)-256:]
			if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, quoteHash[:], rawSig); err == nil {
				return nil
			}
		}
		if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, quoteHash[:], sig); err != nil {
			return fmt.Errorf("RSA signature verification failed: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("tpm: unsupported public key type: %T", pubKey)
	}
}

// NoOpProvider is the fallback when no TPM is present.
type NoOpProvider struct{}

func (NoOpProvider) Available() bool                    { return false }
func (NoOpProvider) Open() error                        { return ErrTPMNotAvailable }
func (NoOpProvider) Close() error                       { return nil }
func (NoOpProvider) DeviceID() ([]byte, error)          { return nil, ErrTPMNotAvailable }
func (NoOpProvider) Quote([]byte) (*Attestation, error) { return nil, ErrTPMNotAvailable }
func (NoOpProvider) Manufacturer() string               { return "none" }

// SoftwareProvider simulates a quoting TPM for tests and development.
// It provides no security guarantees.
type SoftwareProvider struct {
	mu         sync.Mutex
	deviceID   []byte
	counter    uint64
	startTime  time.Time
	resetCount uint32
	isOpen     bool
	pcrValues  map[uint][]byte
}

// NewSoftwareProvider creates a simulated TPM with fixed PCR values.
func NewSoftwareProvider() *SoftwareProvider {
	id := sha256.Sum256([]byte(time.Now().String()))

	pcrValues := make(map[uint][]byte)
	for _, pcr := range DefaultPCRSelection().PCRs {
		hash := sha256.Sum256([]byte(fmt.Sprintf("pcr%d-value", pcr)))
		pcrValues[pcr] = hash[:]
	}

	return &SoftwareProvider{
		deviceID:  id[:16],
		startTime: time.Now(),
		pcrValues: pcrValues,
	}
}

func (s *SoftwareProvider) Available() bool { return true }

func (s *SoftwareProvider) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isOpen {
		return ErrTPMAlreadyOpen
	}
	s.isOpen = true
	return nil
}

func (s *SoftwareProvider) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isOpen = false
	return nil
}

func (s *SoftwareProvider) DeviceID() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]byte, len(s.deviceID))
	copy(result, s.deviceID)
	return result, nil
}

func (s *SoftwareProvider) Quote(data []byte) (*Attestation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Counter increments atomically with each quote.
	s.counter++
	clockInfo := s.clock()

	sel := DefaultPCRSelection()
	pcrVals := make(map[uint][]byte)
	for _, pcr := range sel.PCRs {
		if val, ok := s.pcrValues[pcr]; ok {
			pcrVals[pcr] = val
		}
	}
	pcrDigest := s.computePCRDigest(sel)

	// Simulated signature, keyed by nothing. Structural checks only.
	h := sha256.New()
	h.Write(data)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], s.counter)
	h.Write(buf[:])
	h.Write(pcrDigest)
	signature := h.Sum(nil)

	quote := s.quoteStructure(data, pcrDigest, clockInfo)

	return &Attestation{
		DeviceID:         s.deviceID,
		MonotonicCounter: s.counter,
		FirmwareVersion:  "1.0.0-sim",
		ClockInfo:        *clockInfo,
		Data:             data,
		Signature:        signature,
		Quote:            quote,
		PCRValues:        pcrVals,
		PCRDigest:        pcrDigest,
		CreatedAt:        time.Now(),
	}, nil
}

func (s *SoftwareProvider) Manufacturer() string { return "Software Simulator" }

func (s *SoftwareProvider) clock() *ClockInfo {
	elapsed := time.Since(s.startTime)
	return &ClockInfo{
		Clock:        uint64(elapsed.Milliseconds()),
		ResetCount:   s.resetCount,
		RestartCount: 0,
		Safe:         true,
	}
}

func (s *SoftwareProvider) computePCRDigest(sel PCRSelection) []byte {
	h := sha256.New()
	for _, pcr := range sel.PCRs {
		if val, ok := s.pcrValues[pcr]; ok {
			h.Write(val)
		}
	}
	return h.Sum(nil)
}

func (s *SoftwareProvider) quoteStructure(data, pcrDigest []byte, clock *ClockInfo) []byte {
	h := sha256.New()
	h.Write([]byte("TPM2_QUOTE"))
	h.Write(data)
	h.Write(pcrDigest)

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], clock.Clock)
	h.Write(buf[:])
	binary.BigEndian.PutUint32(buf[:4], clock.ResetCount)
	h.Write(buf[:4])

	return h.Sum(nil)
}

// DetectTPM returns the hardware provider when a TPM device is present,
// NoOpProvider otherwise.
func DetectTPM() Provider {
	if hw := detectHardwareTPM(); hw != nil {
		return hw
	}
	return NoOpProvider{}
}

// Encode serializes a binding to JSON.
func (b *Binding) Encode() ([]byte, error) {
	return json.MarshalIndent(b, "", "  ")
}

// DecodeBinding deserializes a binding from JSON.
func DecodeBinding(data []byte) (*Binding, error) {
	var b Binding
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}
