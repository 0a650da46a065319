// Package config handles loading and validating nixffi configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Config is the top-level nixffi configuration.
type Config struct {
	Helper  HelperConfig  `toml:"helper" yaml:"helper"`
	Log     LogConfig     `toml:"log" yaml:"log"`
	Metrics MetricsConfig `toml:"metrics" yaml:"metrics"`
	Control ControlConfig `toml:"control" yaml:"control"`
}

// HelperConfig describes how the ffi-helper is launched.
type HelperConfig struct {
	Executable       string            `toml:"executable" yaml:"executable"`
	PluginPrefix     string            `toml:"plugin_prefix" yaml:"plugin_prefix"`
	PluginDir        string            `toml:"plugin_dir" yaml:"plugin_dir"`
	ExtraArgs        []string          `toml:"extra_args" yaml:"extra_args"`
	Environment      map[string]string `toml:"environment" yaml:"environment"`
	EnvFile          string            `toml:"env_file" yaml:"env_file"`
	CleanEnvironment bool              `toml:"clean_environment" yaml:"clean_environment"`
	TestRoot         string            `toml:"test_root" yaml:"test_root"`
	RequestTimeout   int               `toml:"request_timeout" yaml:"request_timeout"`
	ShutdownTimeout  int               `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// MetricsConfig holds the Prometheus listener settings.
type MetricsConfig struct {
	Listen string `toml:"listen" yaml:"listen"`
}

// ControlConfig holds the control API listeners of a temp root hold.
type ControlConfig struct {
	Socket   string `toml:"socket" yaml:"socket"`
	Chmod    string `toml:"chmod" yaml:"chmod"`
	Listen   string `toml:"listen" yaml:"listen"`
	Username string `toml:"username" yaml:"username"`
	Password string `toml:"password" yaml:"password"` // bcrypt hash
}

// SocketMode returns the parsed chmod value.
func (c ControlConfig) SocketMode() (os.FileMode, error) {
	mode, err := strconv.ParseUint(c.Chmod, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("control.chmod: invalid octal mode %q", c.Chmod)
	}
	if mode > 0o777 {
		return 0, fmt.Errorf("control.chmod: mode %q out of range", c.Chmod)
	}
	return os.FileMode(mode), nil
}

// ResolvedPluginDir returns plugin_dir, or the plugin directory below
// plugin_prefix when plugin_dir is unset.
func (h HelperConfig) ResolvedPluginDir() string {
	if h.PluginDir != "" {
		return h.PluginDir
	}
	if h.PluginPrefix == "" {
		return ""
	}
	return filepath.Join(h.PluginPrefix, "lib", "nix", "plugins")
}

// InheritsEnvironment reports whether the helper runs with the caller's
// environment unchanged.
func (h HelperConfig) InheritsEnvironment() bool {
	return !h.CleanEnvironment && h.EnvFile == "" && h.TestRoot == "" && len(h.Environment) == 0
}
