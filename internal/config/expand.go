package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExpandContext holds variables available for expansion.
type ExpandContext struct {
	Here string // directory of the config file
}

// ExpandVariables expands %(here)s templates and ${VAR} references in the
// path-like helper fields and in helper environment values.
func ExpandVariables(cfg *Config, configPath string) error {
	ctx := ExpandContext{Here: filepath.Dir(configPath)}
	h := &cfg.Helper

	fields := []struct {
		name string
		ptr  *string
	}{
		{"helper.executable", &h.Executable},
		{"helper.plugin_prefix", &h.PluginPrefix},
		{"helper.plugin_dir", &h.PluginDir},
		{"helper.env_file", &h.EnvFile},
		{"helper.test_root", &h.TestRoot},
		{"control.socket", &cfg.Control.Socket},
	}
	for _, f := range fields {
		v, err := expandString(*f.ptr, ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.ptr = v
	}

	for i, a := range h.ExtraArgs {
		v, err := expandString(a, ctx)
		if err != nil {
			return fmt.Errorf("helper.extra_args[%d]: %w", i, err)
		}
		h.ExtraArgs[i] = v
	}

	for k, v := range h.Environment {
		expanded, err := expandString(v, ctx)
		if err != nil {
			return fmt.Errorf("helper.environment.%s: %w", k, err)
		}
		h.Environment[k] = expanded
	}

	return nil
}

// ExpandString expands all template variables and env references in a
// single string.
func ExpandString(s string, ctx ExpandContext) (string, error) {
	return expandString(s, ctx)
}

func expandString(s string, ctx ExpandContext) (string, error) {
	if s == "" {
		return s, nil
	}

	// Phase 1: %(variable)s.
	result, err := expandTemplateVars(s, ctx)
	if err != nil {
		return "", err
	}

	// Phase 2: ${ENV_VAR}.
	result, err = expandEnvVars(result)
	if err != nil {
		return "", err
	}

	// Phase 3: %% -> % and $$ -> $.
	result = strings.ReplaceAll(result, "%%", "%")
	result = strings.ReplaceAll(result, "$$", "$")

	return result, nil
}

func expandTemplateVars(s string, ctx ExpandContext) (string, error) {
	var result strings.Builder
	i := 0
	for i < len(s) {
		if i+1 < len(s) && s[i] == '%' && s[i+1] == '%' {
			result.WriteString("%%")
			i += 2
			continue
		}

		if i+1 < len(s) && s[i] == '%' && s[i+1] == '(' {
			end := strings.Index(s[i:], ")s")
			if end < 0 {
				return "", fmt.Errorf("unclosed template variable at position %d in %q", i, s)
			}
			val, err := resolveTemplateVar(s[i+2:i+end], ctx)
			if err != nil {
				return "", err
			}
			result.WriteString(val)
			i += end + 2
			continue
		}

		result.WriteByte(s[i])
		i++
	}

	return result.String(), nil
}

func resolveTemplateVar(name string, ctx ExpandContext) (string, error) {
	switch name {
	case "here":
		return ctx.Here, nil
	default:
		return "", fmt.Errorf("unknown template variable: %%(%s)s", name)
	}
}

func expandEnvVars(s string) (string, error) {
	var result strings.Builder
	i := 0
	for i < len(s) {
		if i+1 < len(s) && s[i] == '$' && s[i+1] == '$' {
			result.WriteString("$$")
			i += 2
			continue
		}

		if i+1 < len(s) && s[i] == '$' && s[i+1] == '{' {
			end := strings.Index(s[i:], "}")
			if end < 0 {
				return "", fmt.Errorf("unclosed environment variable reference at position %d in %q", i, s)
			}

			varName := s[i+2 : i+end]
			val, ok := os.LookupEnv(varName)
			if !ok {
				return "", fmt.Errorf("undefined environment variable: ${%s}", varName)
			}
			result.WriteString(val)
			i += end + 1
			continue
		}

		result.WriteByte(s[i])
		i++
	}

	return result.String(), nil
}
