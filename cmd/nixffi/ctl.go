package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kahiteam/nixffi/internal/ctl"
)

var (
	ctlSocket string
	ctlAddr   string
	ctlUser   string
	ctlPass   string
	ctlJSON   bool
	ctlStdin  bool
	ctlTypes  []string
)

var ctlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Control a running temp root hold",
	Long: "Send commands to a running \"nixffi temproot\" through its control API.\n" +
		"The socket defaults to control.socket from the config file.",
}

func newCtlClient() (*ctl.Client, error) {
	if ctlAddr != "" {
		return ctl.NewTCPClient(ctlAddr, ctlUser, ctlPass), nil
	}
	sock := ctlSocket
	if sock == "" {
		cfg, _, err := loadConfig()
		if err != nil {
			return nil, err
		}
		sock = cfg.Control.Socket
	}
	if sock == "" {
		return nil, errors.New("no control socket: pass --socket or set control.socket")
	}
	return ctl.NewUnixClient(sock), nil
}

var ctlAddCmd = &cobra.Command{
	Use:   "add [store-path...]",
	Short: "Register more temp roots with the running hold",
	RunE: func(cmd *cobra.Command, args []string) error {
		names := args
		if ctlStdin {
			more, err := readLines(cmd.InOrStdin())
			if err != nil {
				return err
			}
			names = append(names, more...)
		}
		if len(names) == 0 {
			return errors.New("no store paths given")
		}

		c, err := newCtlClient()
		if err != nil {
			return err
		}
		added, err := c.Add(names)
		var apiErr *ctl.APIError
		if errors.As(err, &apiErr) {
			added = apiErr.Added
		}
		for _, n := range added {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: added\n", n)
		}
		return err
	},
}

var ctlStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the held temp roots",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newCtlClient()
		if err != nil {
			return err
		}
		return c.Status(ctlJSON, cmd.OutOrStdout())
	},
}

var ctlReleaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Release all temp roots and stop the ffi-helper",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newCtlClient()
		if err != nil {
			return err
		}
		if err := c.Release(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "releasing")
		return nil
	},
}

var ctlHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that the hold is alive",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newCtlClient()
		if err != nil {
			return err
		}
		status, err := c.Health()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), strings.ToUpper(status))
		if status != "ok" {
			return fmt.Errorf("hold is %s", status)
		}
		return nil
	},
}

var ctlVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the version of the holding process",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newCtlClient()
		if err != nil {
			return err
		}
		v, err := c.Version()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "nixffi %s (commit %s, %s)\n", v["version"], v["commit"], v["go"])
		return nil
	},
}

var ctlEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream ffi-helper lifecycle events until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newCtlClient()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return c.Events(ctx, ctlTypes, cmd.OutOrStdout())
	},
}

// readLines returns the non-blank lines of r with CR trimmed.
func readLines(r io.Reader) ([]string, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSuffix(sc.Text(), "\r"); line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading store paths: %w", err)
	}
	return lines, nil
}

func init() {
	pf := ctlCmd.PersistentFlags()
	pf.StringVarP(&ctlSocket, "socket", "s", "", "control socket path (default: control.socket)")
	pf.StringVar(&ctlAddr, "addr", "", "TCP address (host:port)")
	pf.StringVarP(&ctlUser, "username", "u", "", "HTTP Basic Auth username")
	pf.StringVarP(&ctlPass, "password", "p", "", "HTTP Basic Auth password")

	ctlAddCmd.Flags().BoolVar(&ctlStdin, "stdin", false, "also read store paths from stdin, one per line")
	ctlStatusCmd.Flags().BoolVar(&ctlJSON, "json", false, "output JSON")
	ctlEventsCmd.Flags().StringSliceVar(&ctlTypes, "type", nil, "only stream these event types")

	ctlCmd.AddCommand(ctlAddCmd, ctlStatusCmd, ctlReleaseCmd, ctlHealthCmd, ctlVersionCmd, ctlEventsCmd)
	rootCmd.AddCommand(ctlCmd)
}
