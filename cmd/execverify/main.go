// Command execverify is a standalone tool for verifying execproof evidence packets.
//
// It verifies packets without a running execproofd daemon, making it
// suitable for offline verification, third-party audits, and automated
// verification pipelines.
//
// Usage:
//
//	execverify [flags] <evidence.json>
//
// Examples:
//
//	# Verify against a known-good checksum
//	execverify -checksum 9f86d08... evidence.json
//
//	# Verify against a registry export
//	execverify -registry registry.json evidence.json
//
//	# Structural and cryptographic self-consistency only
//	execverify -trust-packet evidence.json
package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"execproof/internal/binaryid"
	"execproof/internal/circuit"
	"execproof/internal/logging"
	"execproof/internal/security"
	"execproof/internal/verify"
)

var (
	// Version information (set at build time)
	version = "dev"
	commit  = "unknown"
)

// registryEntry is the JSON shape of a registry export line.
type registryEntry struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Checksum string `json:"checksum"`
}

// report is the JSON output shape.
type report struct {
	File      string         `json:"file"`
	SessionID string         `json:"session_id"`
	Binary    string         `json:"binary"`
	Receipt   string         `json:"receipt"`
	Result    *verify.Result `json:"result"`
}

func main() {
	checksumHex := flag.String("checksum", "", "expected binary checksum (hex SHA-256)")
	registryPath := flag.String("registry", "", "registry export file (JSON array of name/version/checksum)")
	trustPacket := flag.Bool("trust-packet", false, "take the expected checksum from the packet itself (self-consistency only)")
	formatStr := flag.String("format", "text", "output format: text, json")
	quiet := flag.Bool("quiet", false, "suppress output; exit code carries the result")
	skipReceipt := flag.Bool("skip-receipt", false, "do not require a verifier receipt")
	versionFlag := flag.Bool("version", false, "print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "execverify - Verify execproof evidence packets\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <evidence.json>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nThe expected checksum must come from a trusted side channel:\n")
		fmt.Fprintf(os.Stderr, "  -checksum      a single hex SHA-256\n")
		fmt.Fprintf(os.Stderr, "  -registry      a registry export file\n")
		fmt.Fprintf(os.Stderr, "  -trust-packet  the packet's own claim (proves consistency, not identity)\n")
	}
	flag.Parse()

	if *versionFlag {
		fmt.Printf("execverify %s (%s)\n", version, commit)
		return
	}
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	path := flag.Arg(0)

	// The proving backend logs through the default logger; keep it quiet
	// unless something goes wrong.
	log, err := logging.New(&logging.Config{
		Level:  logging.LevelWarn,
		Output: "stderr",
	})
	if err == nil {
		logging.SetDefault(log)
		defer log.Close()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		fail("read packet: %v", err)
	}
	packet, err := verify.DecodePacket(data)
	if err != nil {
		fail("decode packet: %v", err)
	}

	receiptStatus := "skipped"
	if !*skipReceipt {
		if err := packet.VerifyReceipt(); err != nil {
			fail("receipt: %v", err)
		}
		receiptStatus = "ok"
	}

	registry, err := buildRegistry(packet, *checksumHex, *registryPath, *trustPacket)
	if err != nil {
		fail("%v", err)
	}

	backend := circuit.NewGroth16Backend(logging.Default())
	res := verify.VerifyEvidence(packet, registry, backend, time.Now())

	rep := report{
		File:      path,
		SessionID: packet.SessionID,
		Binary:    packet.Binary.Name + "@" + packet.Binary.Version,
		Receipt:   receiptStatus,
		Result:    &res,
	}

	if !*quiet {
		switch *formatStr {
		case "json":
			out, _ := json.MarshalIndent(rep, "", "  ")
			fmt.Println(string(out))
		default:
			printText(rep, *trustPacket)
		}
	}

	if !res.Accepted {
		os.Exit(1)
	}
}

func printText(rep report, trustPacket bool) {
	fmt.Printf("packet:   %s\n", rep.File)
	fmt.Printf("session:  %s\n", rep.SessionID)
	fmt.Printf("binary:   %s\n", rep.Binary)
	fmt.Printf("receipt:  %s\n", rep.Receipt)
	if rep.Result.Accepted {
		fmt.Println("result:   VERIFIED")
		if trustPacket {
			fmt.Println("note:     checksum taken from the packet; identity not independently confirmed")
		}
	} else {
		fmt.Printf("result:   REJECTED at %s: %s\n", rep.Result.Stage, rep.Result.Reason)
	}
}

// buildRegistry assembles the expected-checksum registry from whichever
// trust source the caller selected.
func buildRegistry(packet *verify.EvidencePacket, checksumHex, registryPath string, trustPacket bool) (*binaryid.Registry, error) {
	registry := binaryid.NewRegistry()

	switch {
	case checksumHex != "":
		if err := security.ValidateHexString(checksumHex, binaryid.ChecksumSize*2); err != nil {
			return nil, fmt.Errorf("invalid -checksum: %w", err)
		}
		var sum [binaryid.ChecksumSize]byte
		raw, _ := hex.DecodeString(checksumHex)
		copy(sum[:], raw)
		registry.Put(binaryid.Identity{
			Name:      packet.Binary.Name,
			Version:   packet.Binary.Version,
			Algorithm: binaryid.ChecksumAlgorithm,
			Checksum:  sum,
		})

	case registryPath != "":
		data, err := os.ReadFile(registryPath)
		if err != nil {
			return nil, fmt.Errorf("read registry: %w", err)
		}
		var entries []registryEntry
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("parse registry: %w", err)
		}
		for _, e := range entries {
			var sum [binaryid.ChecksumSize]byte
			raw, err := hex.DecodeString(e.Checksum)
			if err != nil || len(raw) != binaryid.ChecksumSize {
				return nil, fmt.Errorf("registry entry %s@%s: bad checksum", e.Name, e.Version)
			}
			copy(sum[:], raw)
			registry.Put(binaryid.Identity{
				Name:      e.Name,
				Version:   e.Version,
				Algorithm: binaryid.ChecksumAlgorithm,
				Checksum:  sum,
			})
		}

	case trustPacket:
		var sum [binaryid.ChecksumSize]byte
		raw, err := hex.DecodeString(packet.Binary.Checksum)
		if err != nil || len(raw) != binaryid.ChecksumSize {
			return nil, fmt.Errorf("packet checksum malformed")
		}
		copy(sum[:], raw)
		registry.Put(binaryid.Identity{
			Name:      packet.Binary.Name,
			Version:   packet.Binary.Version,
			Algorithm: binaryid.ChecksumAlgorithm,
			Checksum:  sum,
		})

	default:
		return nil, fmt.Errorf("no trust source: pass -checksum, -registry, or -trust-packet")
	}

	return registry, nil
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "execverify: "+format+"\n", args...)
	os.Exit(2)
}
