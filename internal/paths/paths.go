// Package paths locates the dpm configuration directory, the domain
// registry and the default directory for domain databases.
package paths

import (
	"os"
	"path/filepath"
	"runtime"
)

// AppName names the per-user directories.
const AppName = "dpm"

// File names inside the configuration directory.
const (
	ConfigFileName   = "config.yaml"
	RegistryFileName = "dpm.json"
)

// Environment variables that override directory resolution.
const (
	EnvConfigDir = "DPM_CONFIG_DIR"
	EnvDataDir   = "DPM_DATA_DIR"
)

// platformDir is swapped in tests.
var platformDir = struct {
	homeDir       func() (string, error)
	userConfigDir func() (string, error)
}{
	homeDir:       os.UserHomeDir,
	userConfigDir: os.UserConfigDir,
}

// xdgDir returns $env/dpm, or ~/fallback/dpm on Linux, or the user config
// directory elsewhere.
func xdgDir(env string, fallback ...string) (string, error) {
	if runtime.GOOS == "linux" {
		if v := os.Getenv(env); v != "" {
			return filepath.Join(v, AppName), nil
		}
		home, err := platformDir.homeDir()
		if err != nil {
			return "", err
		}
		parts := append([]string{home}, fallback...)
		return filepath.Join(append(parts, AppName)...), nil
	}
	// %APPDATA% on Windows, ~/Library/Application Support on macOS.
	dir, err := platformDir.userConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, AppName), nil
}

// DefaultConfigDir returns the platform configuration directory.
//
// Linux:   $XDG_CONFIG_HOME/dpm (fallback ~/.config/dpm)
// macOS:   ~/Library/Application Support/dpm
// Windows: %APPDATA%/dpm
func DefaultConfigDir() (string, error) {
	return xdgDir("XDG_CONFIG_HOME", ".config")
}

// DefaultDataDir returns the platform data directory.
//
// Linux:   $XDG_DATA_HOME/dpm (fallback ~/.local/share/dpm)
// macOS and Windows: same as DefaultConfigDir
func DefaultDataDir() (string, error) {
	return xdgDir("XDG_DATA_HOME", ".local", "share")
}

// ResolveConfigDir applies flag > DPM_CONFIG_DIR > DefaultConfigDir.
func ResolveConfigDir(flag string) (string, error) {
	if flag != "" {
		return filepath.Abs(flag)
	}
	if env := os.Getenv(EnvConfigDir); env != "" {
		return filepath.Abs(env)
	}
	return DefaultConfigDir()
}

// ResolveDataDir applies flag > config value > DPM_DATA_DIR > DefaultDataDir.
func ResolveDataDir(flag, configValue string) (string, error) {
	for _, v := range []string{flag, configValue, os.Getenv(EnvDataDir)} {
		if v != "" {
			return filepath.Abs(v)
		}
	}
	return DefaultDataDir()
}

// RegistryPath returns configured when set, resolved against configDir if
// relative, and configDir/dpm.json otherwise.
func RegistryPath(configDir, configured string) string {
	switch {
	case configured == "":
		return filepath.Join(configDir, RegistryFileName)
	case filepath.IsAbs(configured):
		return configured
	default:
		return filepath.Join(configDir, configured)
	}
}
