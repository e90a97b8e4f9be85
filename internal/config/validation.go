package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// ErrInvalidConfig is returned for configurations that fail validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateChallenge(&c.Challenge)...)
	errs = append(errs, validateSession(&c.Session)...)
	errs = append(errs, validateSandbox(&c.Sandbox)...)
	errs = append(errs, validateCircuit(&c.Circuit)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateSigning(&c.Signing)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateChallenge(ch *ChallengeConfig) ValidationErrors {
	var errs ValidationErrors

	if ch.TTLSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "challenge.ttl_sec",
			Message: "must be at least 1",
		})
	}
	if ch.TTLSec > 3600 {
		errs = append(errs, ValidationError{
			Field:   "challenge.ttl_sec",
			Message: "must not exceed 3600 (1 hour)",
		})
	}
	if ch.ReapIntervalSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "challenge.reap_interval_sec",
			Message: "must be at least 1",
		})
	}

	return errs
}

func validateSession(s *SessionConfig) ValidationErrors {
	var errs ValidationErrors

	if s.MaxActive < 0 {
		errs = append(errs, ValidationError{
			Field:   "session.max_active",
			Message: "cannot be negative",
		})
	}
	if s.RateLimitPerMin < 0 {
		errs = append(errs, ValidationError{
			Field:   "session.rate_limit_per_min",
			Message: "cannot be negative",
		})
	}
	if s.ReapIntervalSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "session.reap_interval_sec",
			Message: "must be at least 1",
		})
	}

	return errs
}

func validateSandbox(s *SandboxConfig) ValidationErrors {
	var errs ValidationErrors

	switch s.Binding {
	case "nonce-arg", "digest-only":
	default:
		errs = append(errs, ValidationError{
			Field:   "sandbox.binding",
			Message: fmt.Sprintf("unknown binding %q (expected nonce-arg or digest-only)", s.Binding),
		})
	}
	if s.TimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "sandbox.timeout_sec",
			Message: "must be at least 1",
		})
	}
	if s.CPUSeconds < 0 {
		errs = append(errs, ValidationError{
			Field:   "sandbox.cpu_seconds",
			Message: "cannot be negative",
		})
	}
	if s.MaxOutputBytes < 1 {
		errs = append(errs, ValidationError{
			Field:   "sandbox.max_output_bytes",
			Message: "must be at least 1",
		})
	}
	if s.MaxFileBytes < 0 {
		errs = append(errs, ValidationError{
			Field:   "sandbox.max_file_bytes",
			Message: "cannot be negative",
		})
	}

	return errs
}

func validateCircuit(c *CircuitConfig) ValidationErrors {
	var errs ValidationErrors

	if c.Scheme != "groth16" {
		errs = append(errs, ValidationError{
			Field:   "circuit.scheme",
			Message: fmt.Sprintf("unsupported scheme %q (expected groth16)", c.Scheme),
		})
	}
	if c.Curve != "bn254" {
		errs = append(errs, ValidationError{
			Field:   "circuit.curve",
			Message: fmt.Sprintf("unsupported curve %q (expected bn254)", c.Curve),
		})
	}

	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	switch s.Type {
	case "sqlite", "memory":
	default:
		errs = append(errs, ValidationError{
			Field:   "storage.type",
			Message: fmt.Sprintf("unknown type %q (expected sqlite or memory)", s.Type),
		})
	}
	if s.Type == "sqlite" && s.Path == "" {
		errs = append(errs, ValidationError{
			Field:   "storage.path",
			Message: "required for sqlite storage",
		})
	}
	if s.BusyTimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.busy_timeout_ms",
			Message: "cannot be negative",
		})
	}

	return errs
}

func validateSigning(s *SigningConfig) ValidationErrors {
	var errs ValidationErrors

	if s.Algorithm != "" && s.Algorithm != "ed25519" {
		errs = append(errs, ValidationError{
			Field:   "signing.algorithm",
			Message: fmt.Sprintf("unsupported algorithm %q (expected ed25519)", s.Algorithm),
		})
	}
	if s.KeyPath == "" {
		errs = append(errs, ValidationError{
			Field:   "signing.key_path",
			Message: "required",
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("unknown level %q", l.Level),
		})
	}
	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("unknown format %q", l.Format),
		})
	}
	switch l.Output {
	case "stdout", "stderr", "file":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("unknown output %q", l.Output),
		})
	}
	if l.Output == "file" && l.FilePath == "" {
		errs = append(errs, ValidationError{
			Field:   "logging.file_path",
			Message: "required when output is file",
		})
	}
	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "must be at least 1",
		})
	}

	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	var errs ValidationErrors

	if m.Enabled {
		if _, _, err := net.SplitHostPort(m.ListenAddr); err != nil {
			errs = append(errs, ValidationError{
				Field:   "metrics.listen_addr",
				Message: fmt.Sprintf("invalid address: %v", err),
			})
		}
	}

	return errs
}
