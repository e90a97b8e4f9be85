//go:build linux

// Hardware provider for Linux, through /dev/tpmrm0 (resource manager)
// or /dev/tpm0 (direct access).

package tpm

import (
	"crypto/sha256"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
)

// Device paths in order of preference.
var tpmDevicePaths = []string{
	"/dev/tpmrm0",
	"/dev/tpm0",
}

// HardwareProvider quotes through a real TPM 2.0 device.
type HardwareProvider struct {
	mu           sync.Mutex
	devicePath   string
	tpm          transport.TPMCloser
	isOpen       bool
	akHandle     tpm2.TPMHandle
	manufacturer string
	fwVersion    string
}

// detectHardwareTPM probes the known device paths.
func detectHardwareTPM() Provider {
	for _, path := range tpmDevicePaths {
		if _, err := os.Stat(path); err == nil {
			f, err := os.OpenFile(path, os.O_RDWR, 0)
			if err == nil {
				f.Close()
				return &HardwareProvider{devicePath: path}
			}
		}
	}
	return nil
}

// Available reports whether the device exists and is accessible.
func (h *HardwareProvider) Available() bool {
	if h.devicePath == "" {
		return false
	}
	_, err := os.Stat(h.devicePath)
	return err == nil
}

// Open connects to the device, reads its properties, and creates the
// attestation key used for quoting.
func (h *HardwareProvider) Open() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.isOpen {
		return ErrTPMAlreadyOpen
	}

	t, err := transport.OpenTPM(h.devicePath)
	if err != nil {
		return fmt.Errorf("tpm: open %s: %w", h.devicePath, err)
	}
	h.tpm = t
	h.isOpen = true

	h.manufacturer, h.fwVersion, err = tpmReadProperties(h.tpm)
	if err != nil {
		h.closeLocked()
		return fmt.Errorf("tpm: read properties: %w", err)
	}

	ak, err := tpmCreateAK(h.tpm)
	if err != nil {
		h.closeLocked()
		return fmt.Errorf("tpm: %w", err)
	}
	h.akHandle = ak

	return nil
}

// Close flushes the attestation key and releases the device.
func (h *HardwareProvider) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeLocked()
	return nil
}

func (h *HardwareProvider) closeLocked() {
	if !h.isOpen {
		return
	}
	tpmFlushContext(h.tpm, h.akHandle)
	if h.tpm != nil {
		h.tpm.Close()
	}
	h.isOpen = false
	h.akHandle = 0
	h.tpm = nil
}

// DeviceID returns the hash of the EK public area.
func (h *HardwareProvider) DeviceID() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.isOpen {
		return nil, ErrTPMNotOpen
	}
	return tpmGetDeviceID(h.tpm)
}

// Quote attests the given data over the default PCR selection.
func (h *HardwareProvider) Quote(data []byte) (*Attestation, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.isOpen {
		return nil, ErrTPMNotOpen
	}

	sel := DefaultPCRSelection()

	// Qualifying data is capped at 64 bytes.
	qualifyingData := data
	if len(qualifyingData) > 64 {
		hash := sha256.Sum256(data)
		qualifyingData = hash[:]
	}

	quoteCmd := tpm2.Quote{
		SignHandle: tpm2.AuthHandle{
			Handle: h.akHandle,
			Auth:   tpm2.PasswordAuth(nil),
		},
		QualifyingData: tpm2.TPM2BData{Buffer: qualifyingData},
		InScheme: tpm2.TPMTSigScheme{
			Scheme: tpm2.TPMAlgRSASSA,
			Details: tpm2.NewTPMUSigScheme(
				tpm2.TPMAlgRSASSA,
				&tpm2.TPMSSchemeHash{HashAlg: tpm2.TPMAlgSHA256},
			),
		},
		PCRSelect: tpmPCRSelection(sel),
	}

	rsp, err := quoteCmd.Execute(h.tpm)
	if err != nil {
		return nil, fmt.Errorf("tpm: quote: %w", err)
	}

	pcrValues, err := tpmReadPCRs(h.tpm, sel)
	if err != nil {
		return nil, fmt.Errorf("tpm: read PCRs: %w", err)
	}

	clockInfo, err := tpmReadClock(h.tpm)
	if err != nil {
		return nil, fmt.Errorf("tpm: read clock: %w", err)
	}

	deviceID, _ := tpmGetDeviceID(h.tpm)

	return &Attestation{
		DeviceID:        deviceID,
		FirmwareVersion: h.fwVersion,
		ClockInfo:       *clockInfo,
		Data:            data,
		Signature:       tpm2.Marshal(rsp.Signature),
		Quote:           tpm2.Marshal(rsp.Quoted),
		PCRValues:       pcrValues,
		PCRDigest:       tpmComputePCRDigest(pcrValues, sel),
		CreatedAt:       time.Now(),
	}, nil
}

// Manufacturer returns the TPM manufacturer string.
func (h *HardwareProvider) Manufacturer() string {
	return h.manufacturer
}

var _ Provider = (*HardwareProvider)(nil)
