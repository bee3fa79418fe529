//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// defaultsDomain holds every notebuddy key under its dotted name, e.g.
// `defaults read com.notebuddy.app backend.base_url`. Durations are stored as
// strings ("3s"), counts as integers. server.token is never written here.
const defaultsDomain = "com.notebuddy.app"

// defaultDataDir holds notebuddy.db, the bridge token and the PID file.
func defaultDataDir() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, "Library", "Application Support", "notebuddy")
	}
	return "notebuddy-data"
}

// darwinBackend reads and writes the user defaults domain through the
// `defaults` tool, so values set with `notebuddy config set` are visible to
// a menu bar front end sharing the domain.
type darwinBackend struct {
	domain string
}

func newPlatformBackend() ConfigBackend {
	return &darwinBackend{domain: defaultsDomain}
}

// run invokes `defaults <verb> <domain> <args...>` and returns its trimmed
// output.
func (b *darwinBackend) run(verb string, args ...string) (string, error) {
	cmd := exec.Command("defaults", append([]string{verb, b.domain}, args...)...)
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// read reports ok=false when the key was never set; `defaults read` exits 1
// for a missing key or domain.
func (b *darwinBackend) read(key string) (string, bool, error) {
	s, err := b.run("read", key)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", false, nil
		}
		return "", false, fmt.Errorf("defaults read %s %s: %w (%s)", b.domain, key, err, s)
	}
	return s, true, nil
}

func (b *darwinBackend) GetString(key string) (string, bool, error) {
	return b.read(key)
}

// GetInt parses counts such as backend.fetch_retries or server.port.
func (b *darwinBackend) GetInt(key string) (int, bool, error) {
	s, ok, err := b.read(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, true, fmt.Errorf("%s in %s is not an integer: %w", key, b.domain, err)
	}
	return i, true, nil
}

func (b *darwinBackend) write(key, typeFlag, val string) error {
	if out, err := b.run("write", key, typeFlag, val); err != nil {
		return fmt.Errorf("defaults write %s %s: %w (%s)", b.domain, key, err, out)
	}
	return nil
}

func (b *darwinBackend) SetString(key, val string) error {
	return b.write(key, "-string", val)
}

func (b *darwinBackend) SetInt(key string, val int) error {
	return b.write(key, "-int", strconv.Itoa(val))
}

// Delete resets key to its built-in default.
func (b *darwinBackend) Delete(key string) error {
	if out, err := b.run("delete", key); err != nil {
		return fmt.Errorf("defaults delete %s %s: %w (%s)", b.domain, key, err, out)
	}
	return nil
}
