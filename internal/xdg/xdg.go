// Package xdg resolves the XDG Base Directory locations pgrunner uses for its
// configuration file and its state (log files). Directories are created on demand
// with private permissions, falling back to the traditional locations under the home
// directory when the XDG variables are unset.
package xdg

import (
	"os"
	"path/filepath"
)

const appName = "pgrunner"

// ConfigDir returns $XDG_CONFIG_HOME/pgrunner, or ~/.config/pgrunner.
func ConfigDir() (string, error) {
	return appDir("XDG_CONFIG_HOME", ".config")
}

// StateDir returns $XDG_STATE_HOME/pgrunner, or ~/.local/state/pgrunner.
func StateDir() (string, error) {
	return appDir("XDG_STATE_HOME", filepath.Join(".local", "state"))
}

func appDir(env, fallback string) (string, error) {
	base := os.Getenv(env)
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, fallback)
	}
	dir := filepath.Join(base, appName)
	if err := os.MkdirAll(dir, 0o700); err != nil { // private dir
		return "", err
	}
	return dir, nil
}
