package config

import (
	"os"

	"github.com/kahiteam/nixffi/internal/version"
)

// PluginPrefixEnv overrides the build-time plugin prefix when
// helper.plugin_prefix is unset.
const PluginPrefixEnv = "NIXFFI_PLUGIN_PREFIX"

// ApplyDefaults fills in zero-value fields with their default values.
func ApplyDefaults(cfg *Config) {
	if cfg.Helper.Executable == "" {
		cfg.Helper.Executable = "nix"
	}
	if cfg.Helper.PluginPrefix == "" {
		cfg.Helper.PluginPrefix = os.Getenv(PluginPrefixEnv)
	}
	if cfg.Helper.PluginPrefix == "" {
		cfg.Helper.PluginPrefix = version.PluginPrefix
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "auto"
	}

	if cfg.Control.Chmod == "" {
		cfg.Control.Chmod = "0700"
	}
}
