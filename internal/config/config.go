// Package config loads and stores CLI configuration in the XDG config dir.
// Only non-secret settings are kept here; connection strings and bridge tokens go
// to the OS keychain.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pgrunner/cli/internal/runner"
	"pgrunner/cli/internal/xdg"
)

// Config holds non-sensitive CLI settings. LogFile is empty for stderr; a relative
// name is placed in the XDG state dir.
type Config struct {
	LogLevel  string       `json:"log_level"`
	LogFormat string       `json:"log_format"`
	LogFile   string       `json:"log_file,omitempty"`
	Runner    RunnerConfig `json:"runner"`
	Bridge    BridgeConfig `json:"bridge"`
}

// RunnerConfig tunes the query runner.
type RunnerConfig struct {
	QueueSize        int `json:"queue_size"`
	DeliveryCapacity int `json:"delivery_capacity"`
	IdlePollMS       int `json:"idle_poll_ms"`
	ProbeTimeoutMS   int `json:"probe_timeout_ms"`
}

// BridgeConfig holds the task backend endpoint.
type BridgeConfig struct {
	Addr     string `json:"addr,omitempty"`
	Insecure bool   `json:"insecure,omitempty"`
}

// Default returns the settings used when no config file exists.
func Default() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "text",
		Runner: RunnerConfig{
			QueueSize:        64,
			DeliveryCapacity: 1024,
			IdlePollMS:       50,
			ProbeTimeoutMS:   10,
		},
	}
}

// Options converts the runner settings. idle_poll_ms 0 disables idle listening and a
// negative probe_timeout_ms disables the write probe.
func (rc RunnerConfig) Options(log runner.Logger) runner.Options {
	probe := time.Duration(rc.ProbeTimeoutMS) * time.Millisecond
	if rc.ProbeTimeoutMS < 0 {
		probe = -1
	}
	return runner.Options{
		Logger:           log,
		QueueSize:        rc.QueueSize,
		DeliveryCapacity: rc.DeliveryCapacity,
		IdlePollInterval: time.Duration(rc.IdlePollMS) * time.Millisecond,
		ProbeTimeout:     probe,
	}
}

// LogPath resolves LogFile, returning "" for stderr.
func (c Config) LogPath() (string, error) {
	if c.LogFile == "" || c.LogFile == "-" {
		return "", nil
	}
	if filepath.IsAbs(c.LogFile) {
		return c.LogFile, nil
	}
	dir, err := xdg.StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, c.LogFile), nil
}

// path returns the path to the config file.
func path() (string, error) {
	dir, err := xdg.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// Load reads configuration; missing file returns defaults. Keys absent from the file
// keep their default values.
func Load() (Config, error) {
	c := Default()
	p, err := path()
	if err != nil {
		return c, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return c, nil
		}
		return c, err
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse %s: %w", p, err)
	}
	return c, nil
}

// Save writes configuration with 0600 permissions.
func Save(c Config) error {
	p, err := path()
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p, b, 0o600)
}
