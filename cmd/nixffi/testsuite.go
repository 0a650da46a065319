package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kahiteam/nixffi/internal/helper"
)

var testRoot string

var testsuiteCmd = &cobra.Command{
	Use:   "testsuite",
	Short: "Commands for test suites needing a nix store",
}

var testsuiteRunCmd = &cobra.Command{
	Use:   "run --test-root DIR -- command [args...]",
	Short: "Run a program with every nix operation pointed at a test store",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := testsuiteEnv(testRoot, os.Environ())
		if err != nil {
			return err
		}
		path, err := exec.LookPath(args[0])
		if err != nil {
			return fmt.Errorf("unable to execute '%s': %w", args[0], err)
		}
		if err := syscall.Exec(path, args, env); err != nil {
			return fmt.Errorf("unable to execute '%s': %w", args[0], err)
		}
		return nil
	},
}

// testsuiteEnv overlays the test root variables onto environ.
func testsuiteEnv(root string, environ []string) ([]string, error) {
	if root == "" {
		return nil, fmt.Errorf("required flag --test-root not given")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	env := helper.EnvMap(environ)
	helper.ApplyTestRoot(env, abs)

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

func init() {
	testsuiteCmd.PersistentFlags().StringVar(&testRoot, "test-root", "", "directory holding the test store and all nix data and config files")
	testsuiteCmd.AddCommand(testsuiteRunCmd)
	rootCmd.AddCommand(testsuiteCmd)
}
