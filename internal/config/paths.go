package config

import (
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
)

var workDir atomic.Value // string

// SetWorkDir pins the SDK's root directory. Until it is called the
// per-user config root is used.
func SetWorkDir(dir string) {
	workDir.Store(EnsureAbsPath(dir))
}

// GetWorkDir returns the pinned work dir or the per-user default.
func GetWorkDir() string {
	if v, ok := workDir.Load().(string); ok && v != "" {
		return v
	}
	return defaultWorkDir()
}

// defaultWorkDir returns the per-user config root based on OS conventions.
func defaultWorkDir() string {
	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			appData = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
		return filepath.Join(appData, "yhtransfer")
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "yhtransfer")
	default:
		configHome := os.Getenv("XDG_CONFIG_HOME")
		if configHome == "" {
			home, _ := os.UserHomeDir()
			configHome = filepath.Join(home, ".config")
		}
		return filepath.Join(configHome, "yhtransfer")
	}
}

// EnsureAbsPath normalizes a path for consistent state lookups.
func EnsureAbsPath(path string) string {
	if path == "" {
		path = "."
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// GetStateDir returns the directory for persistent state (DB, lock).
func GetStateDir() string {
	return filepath.Join(GetWorkDir(), "state")
}

// GetLogsDir returns the directory for logs.
func GetLogsDir() string {
	return filepath.Join(GetWorkDir(), "logs")
}

// GetTmpDir returns the directory for scratch files.
func GetTmpDir() string {
	return filepath.Join(GetWorkDir(), "tmp")
}

// GetSettingsPath returns the optional settings file location.
func GetSettingsPath() string {
	return filepath.Join(GetWorkDir(), "settings.yaml")
}

// EnsureDirs creates all required directories.
func EnsureDirs() error {
	dirs := []string{GetWorkDir(), GetStateDir(), GetLogsDir(), GetTmpDir()}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}
