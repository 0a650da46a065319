package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kahiteam/nixffi/internal/helper"
	"github.com/kahiteam/nixffi/internal/supervisor"
)

var checkRoots []string

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Start the ffi-helper, optionally register roots, and shut it down",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup(cmd)
		if err != nil {
			return err
		}
		opts, err := supervisor.HelperOptions(cfg, logger, nil)
		if err != nil {
			return err
		}

		start := time.Now()
		conn, err := helper.Spawn(opts)
		if err != nil {
			return describeSpawnError(err)
		}
		spawned := time.Since(start)

		ctx := context.Background()
		for _, root := range checkRoots {
			rctx, cancel := requestContext(ctx, cfg.Helper.RequestTimeout)
			err := conn.AddTempRootContext(rctx, []byte(root))
			cancel()
			if err != nil {
				_ = conn.Close()
				return fmt.Errorf("registering %s: %w", root, err)
			}
		}

		sctx, cancel := requestContext(ctx, cfg.Helper.ShutdownTimeout)
		defer cancel()
		start = time.Now()
		if err := conn.CloseAndWaitContext(sctx); err != nil {
			return err
		}

		_, err = fmt.Fprintf(cmd.OutOrStdout(), "ffi-helper ok: started in %s, %d roots, exited in %s\n",
			spawned.Round(time.Microsecond), len(checkRoots), time.Since(start).Round(time.Microsecond))
		return err
	},
}

// describeSpawnError adds the failing stage label to spawn errors so
// scripts can match on it.
func describeSpawnError(err error) error {
	var se *helper.SpawnError
	if errors.As(err, &se) {
		return fmt.Errorf("ffi-helper failed to start [%s]: %w", se.Stage, err)
	}
	return err
}

func requestContext(ctx context.Context, seconds int) (context.Context, context.CancelFunc) {
	if seconds <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(seconds)*time.Second)
}

func init() {
	checkCmd.Flags().StringArrayVar(&checkRoots, "root", nil, "temp root to register before shutting down (repeatable)")
	rootCmd.AddCommand(checkCmd)
}
