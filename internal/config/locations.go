// Package config loads saffron's settings and resolves where its files live.
package config

import (
	"os"
	"path/filepath"
	"strings"
)

// Default file locations under the user's home directory.
const (
	defaultDatabaseFile = ".local/share/saffron/saffron.db"
	defaultTokenFile    = ".config/saffron/gmail-token.json"
)

// resolvePath expands $VARS and a leading ~ in a configured location. An empty
// location falls back to homeRelative under the home directory, or to its base
// name in the working directory when there is no home.
func resolvePath(configured, homeRelative string) string {
	if configured == "" {
		if homeRelative == "" {
			return ""
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Base(homeRelative)
		}
		return filepath.Join(home, homeRelative)
	}

	path := os.ExpandEnv(configured)
	if rest, ok := strings.CutPrefix(path, "~"); ok && (rest == "" || strings.HasPrefix(rest, "/")) {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, rest)
		}
	}
	return filepath.Clean(path)
}
