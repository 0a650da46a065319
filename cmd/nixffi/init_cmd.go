package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kahiteam/nixffi/internal/config"
)

var (
	initOutput       string
	initStdout       bool
	initForce        bool
	initPluginPrefix string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a sample nixffi.toml config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := sampleConfig(initPluginPrefix)
		if err != nil {
			return err
		}

		if initStdout {
			_, err := fmt.Fprint(cmd.OutOrStdout(), content)
			return err
		}

		outPath := initOutput
		if outPath == "" {
			outPath = "nixffi.toml"
		}

		if !initForce {
			if _, err := os.Stat(outPath); err == nil {
				return fmt.Errorf("file %s already exists; use --force to overwrite", outPath)
			}
		}

		if err := os.WriteFile(outPath, []byte(content), 0644); err != nil {
			return fmt.Errorf("cannot write config: %w", err)
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", outPath)
		return err
	},
}

// sampleConfig returns the default config with plugin_prefix filled in
// when prefix is set.
func sampleConfig(prefix string) (string, error) {
	if prefix == "" {
		return config.DefaultConfigTOML, nil
	}
	if !filepath.IsAbs(prefix) {
		return "", fmt.Errorf("--plugin-prefix must be absolute, got %q", prefix)
	}
	line := "plugin_prefix = " + strconv.Quote(prefix)
	return strings.Replace(config.DefaultConfigTOML, `# plugin_prefix = ""`, line, 1), nil
}

func init() {
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "", "write config to file (default: nixffi.toml)")
	initCmd.Flags().BoolVar(&initStdout, "stdout", false, "print config to stdout instead of writing a file")
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite existing file")
	initCmd.Flags().StringVar(&initPluginPrefix, "plugin-prefix", "", "nix-ffi install prefix to record in the config")
	rootCmd.AddCommand(initCmd)
}
