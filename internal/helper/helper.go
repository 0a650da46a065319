// Package helper launches the nix ffi-helper as a detached process and
// talks to it over a socketpair connected to the helper's stdin and
// stdout.
//
// Spawn double-forks so the helper is reparented away from the caller and
// never needs reaping. Failures between the fork and a successful exec are
// carried back over a close-on-exec pipe: end of file with no data means
// the helper is running, anything else is a wire.Report describing which
// step failed.
package helper

import (
	"context"
	"log/slog"
	"strconv"
	"syscall"
	"time"

	"github.com/kahiteam/nixffi/internal/events"
	"github.com/kahiteam/nixffi/internal/logging"
)

// Options configures Spawn.
type Options struct {
	// Executable is resolved against $PATH unless it contains a slash.
	// Defaults to DefaultExecutable.
	Executable string

	// PluginDir is the absolute directory passed to --extra-plugin-files.
	PluginDir string

	// ExtraArgs are inserted before the subcommand name.
	ExtraArgs []string

	// Env replaces the helper's environment when non-nil.
	Env map[string]string

	Logger *slog.Logger
	Events *events.Bus

	faults faults
}

// faults lets tests force failures at specific points of the bootstrap.
type faults struct {
	killLauncher bool
	doubleFork   syscall.Errno

	// When set, the grandchild redirects from these descriptors instead
	// of its half of the socketpair.
	overrideStdin, overrideStdout bool
	stdinFD, stdoutFD             int
}

// Spawn starts the ffi-helper and returns a ready connection, or a
// *SpawnError describing where the bootstrap failed. It blocks until the
// helper has either exec'd or reported a failure.
func Spawn(opts Options) (*Conn, error) {
	return SpawnContext(context.Background(), opts)
}

// SpawnContext is Spawn with a context checked before any process is
// created. Once the launcher is forked the bootstrap runs to completion,
// since the launcher has to be reaped either way.
func SpawnContext(ctx context.Context, opts Options) (*Conn, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	args, err := BuildArgs(opts)
	if err != nil {
		return nil, err
	}
	logger.Debug("starting ffi-helper", "argv", args.Strings(), "inherit_env", args.InheritEnv)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	sock, err := spawn(args, opts.faults)
	elapsed := time.Since(start)
	if err != nil {
		logSpawnFailure(logger, opts.Events, err)
		return nil, err
	}

	logger.Info("ffi-helper started", "duration", elapsed)
	opts.Events.Emit(events.HelperSpawned,
		events.KeyDuration, strconv.FormatFloat(elapsed.Seconds(), 'f', -1, 64))
	return newConn(sock, logger, opts.Events), nil
}

func logSpawnFailure(logger *slog.Logger, bus *events.Bus, err error) {
	kv := []string{events.KeyError, err.Error()}
	attrs := []any{"error", err}
	if se, ok := err.(*SpawnError); ok {
		kv = append(kv, events.KeyStage, se.Stage.String())
		attrs = append(attrs, "stage", se.Stage.String())
		if se.Errno != 0 {
			kv = append(kv, events.KeyErrno, strconv.Itoa(int(se.Errno)))
			attrs = append(attrs, "errno", int(se.Errno))
		}
		if se.Signal != 0 {
			kv = append(kv, events.KeySignal, se.Signal.String())
			attrs = append(attrs, "signal", se.Signal.String())
		}
	}
	logger.Error("ffi-helper failed to start", attrs...)
	bus.Emit(events.HelperSpawnFailed, kv...)
}
