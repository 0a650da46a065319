package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/kahiteam/nixffi/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		goVer := version.GoVersion
		if goVer == "" {
			goVer = runtime.Version()
		}
		prefix := version.PluginPrefix
		if prefix == "" {
			prefix = "(unset)"
		}
		w := cmd.OutOrStdout()
		for _, line := range []string{
			fmt.Sprintf("nixffi %s", version.Version),
			fmt.Sprintf("  commit:  %s", version.Commit),
			fmt.Sprintf("  built:   %s", version.Date),
			fmt.Sprintf("  go:      %s", goVer),
			fmt.Sprintf("  os/arch: %s/%s", runtime.GOOS, runtime.GOARCH),
			fmt.Sprintf("  plugins: %s", prefix),
		} {
			if _, err := fmt.Fprintln(w, line); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
