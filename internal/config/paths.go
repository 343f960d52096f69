package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// LogDirectory returns the directory for runner log files.
//
// Locations:
//   - Windows: %LOCALAPPDATA%\VidFleet\Runner\logs
//   - Unix: ~/.config/vidfleet/logs
func LogDirectory() string {
	if runtime.GOOS == "windows" {
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return filepath.Join(os.TempDir(), "vidfleet-runner-logs")
			}
			localAppData = filepath.Join(homeDir, "AppData", "Local")
		}
		return filepath.Join(localAppData, "VidFleet", "Runner", "logs")
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), "vidfleet-runner-logs")
		}
		return filepath.Join(homeDir, ".config", "vidfleet", "logs")
	}
	return filepath.Join(configDir, "vidfleet", "logs")
}

// DefaultLogFile returns the standard path for the runner's rotating log.
func DefaultLogFile() string {
	return filepath.Join(LogDirectory(), "runner.log")
}

// EnsureLogDirectory creates the log directory if it doesn't exist.
func EnsureLogDirectory() error {
	return os.MkdirAll(LogDirectory(), 0700)
}
