package config

import (
	"fmt"
	"net"
	"path/filepath"
	"strings"
)

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

var validLogFormats = map[string]bool{
	"json": true, "text": true, "auto": true,
}

// Validate checks the config for semantic errors and returns all of them.
func Validate(cfg *Config) []error {
	var errs []error
	h := cfg.Helper

	if strings.TrimSpace(h.Executable) == "" {
		errs = append(errs, fmt.Errorf("helper.executable is required"))
	}

	switch dir := h.ResolvedPluginDir(); {
	case dir == "":
		errs = append(errs, fmt.Errorf("helper.plugin_prefix is required: set it here or build with -X internal/version.PluginPrefix"))
	case !filepath.IsAbs(dir):
		errs = append(errs, fmt.Errorf("helper plugin directory must be absolute, got %q", dir))
	}

	for _, s := range append([]string{h.Executable, h.PluginPrefix, h.PluginDir}, h.ExtraArgs...) {
		if strings.IndexByte(s, 0) >= 0 {
			errs = append(errs, fmt.Errorf("helper: %q contains a NUL byte", s))
		}
	}

	for k, v := range h.Environment {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			errs = append(errs, fmt.Errorf("helper.environment: invalid variable name %q", k))
		}
		if strings.IndexByte(v, 0) >= 0 {
			errs = append(errs, fmt.Errorf("helper.environment.%s: value contains a NUL byte", k))
		}
	}

	if h.TestRoot != "" && !filepath.IsAbs(h.TestRoot) {
		errs = append(errs, fmt.Errorf("helper.test_root must be absolute, got %q", h.TestRoot))
	}
	if h.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("helper.request_timeout must be >= 0, got %d", h.RequestTimeout))
	}
	if h.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("helper.shutdown_timeout must be >= 0, got %d", h.ShutdownTimeout))
	}

	if !validLogLevels[strings.ToLower(cfg.Log.Level)] {
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn, or error, got %q", cfg.Log.Level))
	}
	if !validLogFormats[strings.ToLower(cfg.Log.Format)] {
		errs = append(errs, fmt.Errorf("log.format must be json, text, or auto, got %q", cfg.Log.Format))
	}

	if cfg.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(cfg.Metrics.Listen); err != nil {
			errs = append(errs, fmt.Errorf("metrics.listen: %w", err))
		}
	}

	c := cfg.Control
	if _, err := c.SocketMode(); err != nil {
		errs = append(errs, err)
	}
	if c.Socket != "" && !filepath.IsAbs(c.Socket) {
		errs = append(errs, fmt.Errorf("control.socket must be absolute, got %q", c.Socket))
	}
	if c.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Listen); err != nil {
			errs = append(errs, fmt.Errorf("control.listen: %w", err))
		}
	}
	if c.Username != "" && c.Password == "" {
		errs = append(errs, fmt.Errorf("control.password is required when control.username is set"))
	}
	if c.Password != "" && c.Username == "" {
		errs = append(errs, fmt.Errorf("control.username is required when control.password is set"))
	}

	return errs
}
