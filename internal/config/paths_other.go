//go:build !darwin

package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// xdgDir returns $env/astrorag, falling back to ~/fallback/astrorag.
func xdgDir(env string, fallback ...string) string {
	base := os.Getenv(env)
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "astrorag-data"
		}
		base = filepath.Join(append([]string{home}, fallback...)...)
	}
	return filepath.Join(base, "astrorag")
}

func configDir() string { return xdgDir("XDG_CONFIG_HOME", ".config") }

func defaultDataDir() string { return xdgDir("XDG_DATA_HOME", ".local", "share") }

func apiKeyHint(account string) string {
	return fmt.Sprintf(", `astrorag config set`, or %s (%s)", secretsFilePath(), account)
}
