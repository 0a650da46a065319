package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/kahiteam/nixffi/internal/api"
)

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password",
	Short: "Hash a password for control.password using bcrypt",
	Long: "Read a password and print its bcrypt hash. On a terminal the password is\n" +
		"prompted for twice without echo; otherwise the first line of stdin is used.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		plain, err := readPassword(cmd)
		if err != nil {
			return err
		}
		hash, err := api.HashPassword(plain)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func readPassword(cmd *cobra.Command) (string, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd := int(f.Fd())
		fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
		first, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", err
		}
		fmt.Fprint(cmd.ErrOrStderr(), "Confirm: ")
		second, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", err
		}
		if string(first) != string(second) {
			return "", errors.New("passwords do not match")
		}
		return string(first), nil
	}

	lines, err := readLines(cmd.InOrStdin())
	if err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "", errors.New("no password on stdin")
	}
	return strings.TrimSpace(lines[0]), nil
}

func init() {
	rootCmd.AddCommand(hashPasswordCmd)
}
