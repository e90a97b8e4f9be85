// Package config handles configuration loading, validation, and management for execproofd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/BurntSushi/toml"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Challenge configuration for nonce issuance.
	Challenge ChallengeConfig `toml:"challenge" json:"challenge" yaml:"challenge"`

	// Session configuration for the proof session lifecycle.
	Session SessionConfig `toml:"session" json:"session" yaml:"session"`

	// Registry configuration for the binary checksum registry.
	Registry RegistryConfig `toml:"registry" json:"registry" yaml:"registry"`

	// Sandbox configuration for controlled execution.
	Sandbox SandboxConfig `toml:"sandbox" json:"sandbox" yaml:"sandbox"`

	// Circuit configuration for the proving backend.
	Circuit CircuitConfig `toml:"circuit" json:"circuit" yaml:"circuit"`

	// Storage configuration for persistence.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Signing configuration for receipt signatures.
	Signing SigningConfig `toml:"signing" json:"signing" yaml:"signing"`

	// Attestation configuration for TPM and software attestors.
	Attestation AttestationConfig `toml:"attestation" json:"attestation" yaml:"attestation"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Metrics configuration for the Prometheus endpoint.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	// mu protects concurrent access to the config.
	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// ChallengeConfig holds challenge issuance configuration.
type ChallengeConfig struct {
	// TTLSec is the challenge lifetime in seconds. A challenge that is
	// not consumed within this window expires.
	TTLSec int `toml:"ttl_sec" json:"ttl_sec" yaml:"ttl_sec"`

	// ReapIntervalSec is how often expired challenges are swept.
	ReapIntervalSec int `toml:"reap_interval_sec" json:"reap_interval_sec" yaml:"reap_interval_sec"`
}

// SessionConfig holds proof session configuration.
type SessionConfig struct {
	// MaxActive is the maximum number of concurrently active sessions.
	// Set to 0 for no limit.
	MaxActive int `toml:"max_active" json:"max_active" yaml:"max_active"`

	// RateLimitPerMin caps session starts per minute. 0 disables
	// rate limiting.
	RateLimitPerMin int `toml:"rate_limit_per_min" json:"rate_limit_per_min" yaml:"rate_limit_per_min"`

	// ReapIntervalSec is how often expired sessions are swept.
	ReapIntervalSec int `toml:"reap_interval_sec" json:"reap_interval_sec" yaml:"reap_interval_sec"`
}

// RegistryConfig holds binary registry configuration.
type RegistryConfig struct {
	// WatchDrift enables filesystem watching of registered binaries.
	// A binary whose on-disk checksum drifts from its registration is
	// flagged before any new challenge can be issued against it.
	WatchDrift bool `toml:"watch_drift" json:"watch_drift" yaml:"watch_drift"`

	// DriftDebounceMs is the debounce interval for drift rechecks.
	DriftDebounceMs int `toml:"drift_debounce_ms" json:"drift_debounce_ms" yaml:"drift_debounce_ms"`
}

// SandboxConfig holds controlled execution configuration.
type SandboxConfig struct {
	// Binding is how the challenge nonce reaches the binary:
	// "nonce-arg" passes it as an argument, "digest-only" binds the
	// nonce into the output digest without the binary seeing it.
	Binding string `toml:"binding" json:"binding" yaml:"binding"`

	// TimeoutSec is the maximum wall-clock time for an execution.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`

	// CPUSeconds is the per-execution CPU time limit. 0 disables it.
	CPUSeconds int `toml:"cpu_seconds" json:"cpu_seconds" yaml:"cpu_seconds"`

	// MaxOutputBytes caps captured stdout size.
	MaxOutputBytes int64 `toml:"max_output_bytes" json:"max_output_bytes" yaml:"max_output_bytes"`

	// MaxFileBytes caps files the execution may write. 0 disables it.
	MaxFileBytes int64 `toml:"max_file_bytes" json:"max_file_bytes" yaml:"max_file_bytes"`
}

// CircuitConfig holds proving backend configuration.
type CircuitConfig struct {
	// Scheme is the proof system: currently only "groth16".
	Scheme string `toml:"scheme" json:"scheme" yaml:"scheme"`

	// Curve is the elliptic curve: currently only "bn254".
	Curve string `toml:"curve" json:"curve" yaml:"curve"`

	// SetupPath is the directory for cached proving and verifying keys.
	// Empty means keys are generated in memory on first use.
	SetupPath string `toml:"setup_path" json:"setup_path" yaml:"setup_path"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Type is the storage backend type: "sqlite" or "memory".
	Type string `toml:"type" json:"type" yaml:"type"`

	// Path is the path to the database file (for sqlite).
	Path string `toml:"path" json:"path" yaml:"path"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// SigningConfig holds receipt signing configuration.
type SigningConfig struct {
	// KeyPath is the path to the Ed25519 private key.
	KeyPath string `toml:"key_path" json:"key_path" yaml:"key_path"`

	// PublicKeyPath is the path to the Ed25519 public key.
	PublicKeyPath string `toml:"public_key_path" json:"public_key_path" yaml:"public_key_path"`

	// Algorithm is the signing algorithm: "ed25519".
	Algorithm string `toml:"algorithm" json:"algorithm" yaml:"algorithm"`
}

// AttestationConfig holds attestor configuration.
type AttestationConfig struct {
	// TPMEnabled determines whether the TPM attestor is registered.
	TPMEnabled bool `toml:"tpm_enabled" json:"tpm_enabled" yaml:"tpm_enabled"`

	// TPMPath is the path to the TPM device (Linux: /dev/tpm0, /dev/tpmrm0).
	TPMPath string `toml:"tpm_path" json:"tpm_path" yaml:"tpm_path"`

	// SoftwareEnabled determines whether the HMAC software attestor is
	// registered. It is the fallback when no TPM is present.
	SoftwareEnabled bool `toml:"software_enabled" json:"software_enabled" yaml:"software_enabled"`

	// SoftwareKeyPath is the path to the software attestor master key.
	SoftwareKeyPath string `toml:"software_key_path" json:"software_key_path" yaml:"software_key_path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", or "file".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file (when Output is "file").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of old log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the maximum age of log files in days.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress determines whether to compress rotated logs.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	// Enabled determines whether the metrics HTTP listener starts.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// ListenAddr is the metrics listen address.
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Version: Version,
		Challenge: ChallengeConfig{
			TTLSec:          120,
			ReapIntervalSec: 30,
		},
		Session: SessionConfig{
			MaxActive:       256,
			RateLimitPerMin: 60,
			ReapIntervalSec: 30,
		},
		Registry: RegistryConfig{
			WatchDrift:      true,
			DriftDebounceMs: 500,
		},
		Sandbox: SandboxConfig{
			Binding:        "nonce-arg",
			TimeoutSec:     60,
			CPUSeconds:     30,
			MaxOutputBytes: 64 * 1024 * 1024,
			MaxFileBytes:   0,
		},
		Circuit: CircuitConfig{
			Scheme:    "groth16",
			Curve:     "bn254",
			SetupPath: filepath.Join(dir, "circuit"),
		},
		Storage: StorageConfig{
			Type:          "sqlite",
			Path:          filepath.Join(dir, "execproof.db"),
			BusyTimeoutMs: 5000,
		},
		Signing: SigningConfig{
			KeyPath:       filepath.Join(dir, "receipt_key"),
			PublicKeyPath: filepath.Join(dir, "receipt_key.pub"),
			Algorithm:     "ed25519",
		},
		Attestation: AttestationConfig{
			TPMEnabled:      false,
			TPMPath:         defaultTPMPath(),
			SoftwareEnabled: true,
			SoftwareKeyPath: filepath.Join(dir, "attestor_key"),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "file",
			FilePath:   filepath.Join(dir, "execproofd.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9310",
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(DataDir(), "config.toml")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates all necessary directories for the daemon.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Storage.Path),
		filepath.Dir(c.Signing.KeyPath),
		filepath.Dir(c.Logging.FilePath),
		c.Circuit.SetupPath,
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// DataDir returns the base execproof data directory.
// Uses platform-specific paths or EXECPROOF_DATA_DIR environment override.
func DataDir() string {
	if envDir := os.Getenv("EXECPROOF_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with EXECPROOF_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("EXECPROOF_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("EXECPROOF_SIGNING_KEY_PATH"); v != "" {
		c.Signing.KeyPath = v
	}
	if v := os.Getenv("EXECPROOF_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("EXECPROOF_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
	if v := os.Getenv("EXECPROOF_TPM_PATH"); v != "" {
		c.Attestation.TPMPath = v
	}
	if v := os.Getenv("EXECPROOF_METRICS_ADDR"); v != "" {
		c.Metrics.ListenAddr = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := Config{
		Version:     c.Version,
		Challenge:   c.Challenge,
		Session:     c.Session,
		Registry:    c.Registry,
		Sandbox:     c.Sandbox,
		Circuit:     c.Circuit,
		Storage:     c.Storage,
		Signing:     c.Signing,
		Attestation: c.Attestation,
		Logging:     c.Logging,
		Metrics:     c.Metrics,
	}
	return &clone
}

// SaveConfig writes the configuration as TOML to the given path.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	return nil
}

func defaultTPMPath() string {
	switch runtime.GOOS {
	case "linux":
		// Prefer the resource manager path
		if _, err := os.Stat("/dev/tpmrm0"); err == nil {
			return "/dev/tpmrm0"
		}
		return "/dev/tpm0"
	case "windows":
		return "" // Windows uses the TBS API
	default:
		return ""
	}
}
