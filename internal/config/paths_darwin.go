//go:build darwin

package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// appSupportDir holds config and data together, as macOS apps do.
func appSupportDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, "Library", "Application Support", "astrorag")
	}
	return "astrorag-data"
}

func configDir() string { return appSupportDir() }

func defaultDataDir() string { return appSupportDir() }

func apiKeyHint(account string) string {
	return fmt.Sprintf(", `astrorag config set`, or the login keychain (service %s, account %s)", keychainService, account)
}
