package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kahiteam/nixffi/internal/config"
	"github.com/kahiteam/nixffi/internal/logging"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "nixffi",
	Short: "nixffi -- hold nix store paths alive through the nix ffi-helper",
	Long: "nixffi launches the nix ffi-helper as a detached process and uses it to\n" +
		"register temporary GC roots for as long as a command runs.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "config file (default: $NIXFFI_CONFIG or the search path)")
	pf.StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	pf.StringVar(&logFormat, "log-format", "", "override log.format (json, text, auto)")
}

// loadConfig resolves and loads the config file, falling back to
// defaults when none exists. Command-line overrides are applied last.
func loadConfig() (*config.Config, []string, error) {
	var (
		cfg      *config.Config
		warnings []string
	)
	path, err := config.Resolve(configPath)
	switch {
	case errors.Is(err, config.ErrNoConfig):
		cfg, err = config.LoadDefaults()
		if err != nil {
			return nil, nil, err
		}
	case err != nil:
		return nil, nil, err
	default:
		cfg, warnings, err = config.Load(path)
		if err != nil {
			return nil, nil, err
		}
	}

	if logLevel != "" {
		if err := logging.ValidateLevel(logLevel); err != nil {
			return nil, nil, err
		}
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	return cfg, warnings, nil
}

// setup loads configuration and builds the logger every runtime command
// shares.
func setup(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, warnings, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(logging.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cmd.ErrOrStderr(),
	})
	for _, w := range warnings {
		logger.Warn("config warning", "warning", w)
	}
	return cfg, logger, nil
}
