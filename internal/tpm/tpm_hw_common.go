//go:build linux || windows

// Helpers shared by the Linux and Windows hardware providers. Each
// operates on an open go-tpm transport.

package tpm

import (
	"crypto/sha256"
	"fmt"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
)

// tpmReadProperties reads TPM manufacturer and firmware version.
func tpmReadProperties(t transport.TPM) (manufacturer, fwVersion string, err error) {
	getCapCmd := tpm2.GetCapability{
		Capability:    tpm2.TPMCapTPMProperties,
		Property:      uint32(tpm2.TPMPTManufacturer),
		PropertyCount: 1,
	}

	rsp, err := getCapCmd.Execute(t)
	if err != nil {
		return "", "", err
	}

	props, err := rsp.CapabilityData.Data.TPMProperties()
	if err == nil && len(props.TPMProperty) > 0 {
		mfr := props.TPMProperty[0].Value
		manufacturer = fmt.Sprintf("%c%c%c%c",
			byte(mfr>>24), byte(mfr>>16), byte(mfr>>8), byte(mfr))
	}

	getCapCmd = tpm2.GetCapability{
		Capability:    tpm2.TPMCapTPMProperties,
		Property:      uint32(tpm2.TPMPTFirmwareVersion1),
		PropertyCount: 2,
	}

	rsp, err = getCapCmd.Execute(t)
	if err == nil {
		props, err := rsp.CapabilityData.Data.TPMProperties()
		if err == nil && len(props.TPMProperty) >= 2 {
			fwVersion = fmt.Sprintf("%d.%d",
				props.TPMProperty[0].Value, props.TPMProperty[1].Value)
		}
	}

	return manufacturer, fwVersion, nil
}

// tpmCreateAK creates a restricted RSA signing key under the
// endorsement hierarchy for quoting. Caller flushes the handle.
func tpmCreateAK(t transport.TPM) (tpm2.TPMHandle, error) {
	createAKCmd := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHEndorsement,
		InPublic: tpm2.New2B(tpm2.TPMTPublic{
			Type:    tpm2.TPMAlgRSA,
			NameAlg: tpm2.TPMAlgSHA256,
			ObjectAttributes: tpm2.TPMAObject{
				FixedTPM:            true,
				STClear:             false,
				FixedParent:         true,
				SensitiveDataOrigin: true,
				UserWithAuth:        true,
				Restricted:          true,
				SignEncrypt:         true,
			},
			Parameters: tpm2.NewTPMUPublicParms(
				tpm2.TPMAlgRSA,
				&tpm2.TPMSRSAParms{
					Scheme: tpm2.TPMTRSAScheme{
						Scheme: tpm2.TPMAlgRSASSA,
						Details: tpm2.NewTPMUAsymScheme(
							tpm2.TPMAlgRSASSA,
							&tpm2.TPMSSigSchemeRSASSA{HashAlg: tpm2.TPMAlgSHA256},
						),
					},
					KeyBits: 2048,
				},
			),
		}),
	}

	rsp, err := createAKCmd.Execute(t)
	if err != nil {
		return 0, fmt.Errorf("create AK: %w", err)
	}
	return rsp.ObjectHandle, nil
}

// tpmGetDeviceID hashes the EK public area into a device identifier.
func tpmGetDeviceID(t transport.TPM) ([]byte, error) {
	createEKCmd := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHEndorsement,
		InPublic:      tpm2.New2B(tpm2.RSAEKTemplate),
	}

	rsp, err := createEKCmd.Execute(t)
	if err != nil {
		return nil, err
	}
	defer tpmFlushContext(t, rsp.ObjectHandle)

	hash := sha256.Sum256(tpm2.Marshal(rsp.OutPublic))
	return hash[:], nil
}

// tpmReadClock returns the current TPM clock information.
func tpmReadClock(t transport.TPM) (*ClockInfo, error) {
	rsp, err := tpm2.ReadClock{}.Execute(t)
	if err != nil {
		return nil, err
	}

	return &ClockInfo{
		Clock:        rsp.CurrentTime.ClockInfo.Clock,
		ResetCount:   rsp.CurrentTime.ClockInfo.ResetCount,
		RestartCount: rsp.CurrentTime.ClockInfo.RestartCount,
		Safe:         rsp.CurrentTime.ClockInfo.Safe,
	}, nil
}

// tpmPCRSelection builds the SHA-256 selection list for the PCRs.
func tpmPCRSelection(sel PCRSelection) tpm2.TPMLPCRSelection {
	return tpm2.TPMLPCRSelection{
		PCRSelections: []tpm2.TPMSPCRSelection{
			{
				Hash:      tpm2.TPMAlgSHA256,
				PCRSelect: tpm2.PCClientCompatible.PCRs(sel.PCRs...),
			},
		},
	}
}

// tpmReadPCRs reads the selected PCR values.
func tpmReadPCRs(t transport.TPM, sel PCRSelection) (map[uint][]byte, error) {
	pcrReadCmd := tpm2.PCRRead{
		PCRSelectionIn: tpmPCRSelection(sel),
	}

	rsp, err := pcrReadCmd.Execute(t)
	if err != nil {
		return nil, err
	}

	result := make(map[uint][]byte)
	for i, pcrIdx := range sel.PCRs {
		if i < len(rsp.PCRValues.Digests) {
			result[pcrIdx] = rsp.PCRValues.Digests[i].Buffer
		}
	}
	return result, nil
}

// tpmComputePCRDigest hashes PCR values in selection order.
func tpmComputePCRDigest(pcrValues map[uint][]byte, sel PCRSelection) []byte {
	hasher := sha256.New()
	for _, pcrIdx := range sel.PCRs {
		if val, ok := pcrValues[pcrIdx]; ok {
			hasher.Write(val)
		}
	}
	return hasher.Sum(nil)
}

// tpmFlushContext flushes a TPM handle, ignoring errors.
func tpmFlushContext(t transport.TPM, handle tpm2.TPMHandle) {
	if handle != 0 && t != nil {
		tpm2.FlushContext{FlushHandle: handle}.Execute(t)
	}
}
