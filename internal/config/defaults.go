package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/execproof/
//   - Linux:   ~/.local/share/execproof/
//   - Windows: %APPDATA%\execproof\
//
// Falls back to ~/.execproof if platform detection fails.
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return macOSDataDir()
	case "linux":
		return linuxDataDir()
	case "windows":
		return windowsDataDir()
	default:
		return fallbackDataDir()
	}
}

// PlatformConfigDir returns the platform-specific config directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/execproof/
//   - Linux:   ~/.config/execproof/
//   - Windows: %APPDATA%\execproof\
func PlatformConfigDir() string {
	switch runtime.GOOS {
	case "darwin":
		return macOSDataDir() // macOS uses same dir for config and data
	case "linux":
		return linuxConfigDir()
	case "windows":
		return windowsDataDir() // Windows uses same dir for config and data
	default:
		return fallbackDataDir()
	}
}

// PlatformLogDir returns the platform-specific log directory.
func PlatformLogDir() string {
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Logs", "execproof")
	case "linux":
		return filepath.Join(linuxDataDir(), "logs")
	default:
		return filepath.Join(fallbackDataDir(), "logs")
	}
}

func macOSDataDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, "Library", "Application Support", "execproof")
}

// Linux paths follow the XDG Base Directory Specification.

func linuxDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "execproof")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "execproof")
}

func linuxConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "execproof")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "execproof")
}

func windowsDataDir() string {
	if appData := os.Getenv("APPDATA"); appData != "" {
		return filepath.Join(appData, "execproof")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "AppData", "Roaming", "execproof")
}

func fallbackDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), fmt.Sprintf("execproof-%d", os.Getuid()))
	}
	return filepath.Join(home, ".execproof")
}

// HasTPMSupport reports whether a TPM device appears to be present.
func HasTPMSupport() bool {
	switch runtime.GOOS {
	case "linux":
		for _, p := range []string{"/dev/tpmrm0", "/dev/tpm0"} {
			if _, err := os.Stat(p); err == nil {
				return true
			}
		}
		return false
	case "windows":
		// TBS availability is checked at open time.
		return true
	default:
		return false
	}
}

// SupportedConfigFormats lists the recognized config file extensions.
func SupportedConfigFormats() []string {
	return []string{".toml", ".json", ".yaml", ".yml"}
}

// FindConfigFile searches the standard locations for a config file and
// returns the first one that exists, or empty string.
func FindConfigFile() string {
	candidates := []string{
		filepath.Join(DataDir(), "config.toml"),
		filepath.Join(PlatformConfigDir(), "config.toml"),
		filepath.Join(PlatformConfigDir(), "config.yaml"),
		"/etc/execproof/config.toml",
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
