package testutil

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/kahiteam/nixffi/internal/wire"
)

// Environment understood by a test binary acting as a fake ffi-helper.
const (
	// WorkerEnv switches a test binary into worker mode when set.
	WorkerEnv = "NIXFFI_TEST_WORKER"
	// WorkerStoreEnv names a Store directory whose roots the worker holds.
	WorkerStoreEnv = "NIXFFI_TEST_STORE"
	// WorkerStatusEnv overrides the status byte sent for every request.
	WorkerStatusEnv = "NIXFFI_TEST_STATUS"
	// WorkerArgvEnv names a file that receives the worker's argv,
	// NUL separated.
	WorkerArgvEnv = "NIXFFI_TEST_ARGV_FILE"
)

// RootAdder registers one temp root.
type RootAdder func(name []byte) error

// ServeWorker answers ffi-helper requests from r on w until r reaches end
// of file. Every request is acknowledged with status; add is called first
// when non-nil.
func ServeWorker(r io.Reader, w io.Writer, status byte, add RootAdder) error {
	for {
		op, name, err := wire.ReadRequest(r)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if op != wire.OpAddTempRoot {
			return fmt.Errorf("unknown command byte %d", op)
		}
		if add != nil {
			if err := add(name); err != nil {
				return err
			}
		}
		if err := wire.WriteStatus(w, status); err != nil {
			return err
		}
	}
}

// WorkerEnvFor returns the environment a spawned test binary needs to act
// as a worker. Extra pairs are added verbatim.
func WorkerEnvFor(extra map[string]string) map[string]string {
	env := map[string]string{WorkerEnv: "1"}
	for k, v := range extra {
		env[k] = v
	}
	return env
}

// MaybeRunWorker turns the current process into a fake ffi-helper serving
// stdin/stdout when WorkerEnv is set, and exits. Call it first thing in
// TestMain.
func MaybeRunWorker() {
	if os.Getenv(WorkerEnv) == "" {
		return
	}
	if err := runWorker(); err != nil {
		fmt.Fprintf(os.Stderr, "fake ffi-helper: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func runWorker() error {
	if path := os.Getenv(WorkerArgvEnv); path != "" {
		if err := os.WriteFile(path, []byte(strings.Join(os.Args, "\x00")), 0644); err != nil {
			return err
		}
	}

	status := wire.StatusOK
	if s := os.Getenv(WorkerStatusEnv); s != "" {
		n, err := strconv.ParseUint(s, 10, 8)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", WorkerStatusEnv, err)
		}
		status = byte(n)
	}

	var add RootAdder
	if dir := os.Getenv(WorkerStoreEnv); dir != "" {
		roots, err := (&Store{Dir: dir}).OpenRoots()
		if err != nil {
			return err
		}
		defer roots.Close()
		add = roots.Add
	}

	return ServeWorker(os.Stdin, os.Stdout, status, add)
}
