package config

import (
	"errors"
	"fmt"
	"os"
)

// ErrNoConfig is returned by Resolve when no config file exists anywhere
// on the search path. Callers fall back to LoadDefaults.
var ErrNoConfig = errors.New("no config file found")

// DefaultSearchPaths is the ordered list of config file paths to try.
var DefaultSearchPaths = []string{
	"./nixffi.toml",
	"./nixffi.yaml",
	"/etc/nixffi/nixffi.toml",
	"/etc/nixffi.toml",
}

// Resolve finds the config file path by checking, in order:
//  1. Explicit path from --config (if non-empty)
//  2. NIXFFI_CONFIG environment variable
//  3. DefaultSearchPaths
func Resolve(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("cannot read config: %s: %w", explicit, err)
		}
		return explicit, nil
	}

	if env := os.Getenv("NIXFFI_CONFIG"); env != "" {
		if _, err := os.Stat(env); err != nil {
			return "", fmt.Errorf("cannot read config: %s: %w", env, err)
		}
		return env, nil
	}

	for _, p := range DefaultSearchPaths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w; searched %v", ErrNoConfig, DefaultSearchPaths)
}
