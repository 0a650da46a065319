package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Load reads a config file, applies defaults, validates, and returns the
// config along with any warnings (e.g. unknown fields). Files ending in
// .yaml or .yml are parsed as YAML, everything else as TOML.
func Load(path string) (*Config, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot read config: %s: %w", path, err)
	}

	return LoadBytes(data, path)
}

// LoadDefaults returns the configuration used when no file is found.
func LoadDefaults() (*Config, error) {
	cfg, _, err := LoadBytes(nil, "<defaults>")
	return cfg, err
}

// LoadBytes parses raw config bytes. The path selects the format and
// anchors %(here)s; it is otherwise used only for error messages.
func LoadBytes(data []byte, path string) (*Config, []string, error) {
	var (
		cfg      Config
		warnings []string
		err      error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		warnings, err = decodeYAML(data, &cfg)
	default:
		warnings, err = decodeTOML(data, &cfg)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("config parse error in %s: %w", path, err)
	}

	if err := ExpandVariables(&cfg, path); err != nil {
		return nil, warnings, fmt.Errorf("config expansion failed in %s: %w", path, err)
	}

	ApplyDefaults(&cfg)

	if errs := Validate(&cfg); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, warnings, fmt.Errorf("config validation failed in %s:\n  %s",
			path, strings.Join(msgs, "\n  "))
	}

	return &cfg, warnings, nil
}

func decodeTOML(data []byte, cfg *Config) ([]string, error) {
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, err
	}
	var warnings []string
	for _, key := range md.Undecoded() {
		warnings = append(warnings, fmt.Sprintf("unknown config key: %s", strings.Join(key, ".")))
	}
	return warnings, nil
}

// decodeYAML decodes strictly first so unknown keys can be reported, then
// falls back to a lenient decode.
func decodeYAML(data []byte, cfg *Config) ([]string, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	err := dec.Decode(cfg)
	if err == nil || errors.Is(err, io.EOF) {
		return nil, nil
	}

	var te *yaml.TypeError
	if !errors.As(err, &te) {
		return nil, err
	}
	var warnings []string
	for _, msg := range te.Errors {
		if !strings.Contains(msg, "not found in type") {
			return nil, err
		}
		warnings = append(warnings, "unknown config key: "+msg)
	}

	*cfg = Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return warnings, nil
}
