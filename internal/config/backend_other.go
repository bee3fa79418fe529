//go:build !darwin

package config

import (
	"os"
	"path/filepath"
)

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "notebuddy-data"
		}
	}
	return filepath.Join(dir, "notebuddy")
}

func newPlatformBackend() ConfigBackend {
	return newFileBackend(configFilePath())
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "notebuddy", "config.toml")
}
