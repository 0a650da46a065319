//go:build linux

package helper

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/kahiteam/nixffi/internal/wire"
)

type drainResult struct {
	data []byte
	err  error
}

func spawn(args *ProcessArgs, f faults) (stream, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, &SpawnError{Stage: StageCreatingChannel, Err: os.NewSyscallError("socketpair", err)}
	}
	parentFD, childFD := fds[0], fds[1]

	var pipe [2]int
	if err := unix.Pipe2(pipe[:], unix.O_CLOEXEC); err != nil {
		unix.Close(parentFD)
		unix.Close(childFD)
		return nil, &SpawnError{Stage: StageCreatingPipe, Err: os.NewSyscallError("pipe2", err)}
	}
	errRead := os.NewFile(uintptr(pipe[0]), "ffi-helper-errors")

	st := newChildState(args, childFD, pipe[1], f)
	pid, errno := forkLauncher(st)
	runtime.KeepAlive(args)

	// The write half must only stay open in the helper's process tree, so
	// that its closure signals a successful exec.
	unix.Close(pipe[1])
	unix.Close(childFD)

	if errno != 0 {
		errRead.Close()
		unix.Close(parentFD)
		return nil, &SpawnError{Stage: StageForking, Errno: errno}
	}

	drained := make(chan drainResult, 1)
	go func() {
		data, err := io.ReadAll(errRead)
		drained <- drainResult{data: data, err: err}
	}()

	waitErr := reapLauncher(pid)
	res := <-drained
	errRead.Close()

	if err := bootstrapResult(waitErr, res); err != nil {
		unix.Close(parentFD)
		return nil, err
	}

	conn, err := fdConn(parentFD)
	if err != nil {
		return nil, &SpawnError{Stage: StageCreatingChannel, Err: err}
	}
	return conn, nil
}

// bootstrapResult combines the launcher's fate with the error pipe
// contents. A killed launcher wins over whatever the pipe carried; a
// non-zero exit is only reported when the pipe stayed empty.
func bootstrapResult(waitErr error, res drainResult) error {
	piped := res.err != nil || len(res.data) > 0
	if waitErr != nil && (!piped || !exitedNonZero(waitErr)) {
		return waitErr
	}
	if res.err != nil {
		return &SpawnError{Stage: StageReadingPipe, Err: res.err}
	}
	if len(res.data) == 0 {
		return nil
	}
	rep, err := wire.DecodeReport(res.data)
	if err != nil {
		var me *wire.MalformedError
		errors.As(err, &me)
		return &SpawnError{Stage: StageReadingPipe, Err: &MalformedReportError{Err: me}}
	}
	return &SpawnError{Stage: stageForCause(rep.Cause), Errno: rep.Errno}
}

// reapLauncher waits for the intermediate process. The grandchild is never
// waited for.
func reapLauncher(pid int) error {
	for {
		var ws unix.WaitStatus
		_, err := unix.Wait4(pid, &ws, 0, nil)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.ECHILD:
			return nil
		case err != nil:
			return &SpawnError{Stage: StageWaiting, Err: os.NewSyscallError("wait4", err)}
		case ws.Exited() && ws.ExitStatus() == 0:
			return nil
		case ws.Signaled():
			return &SpawnError{Stage: StageHelperSignalled, Signal: ws.Signal()}
		default:
			return &SpawnError{Stage: StageWaiting, Err: &WaitStatusError{Status: uint32(ws)}}
		}
	}
}

// exitedNonZero reports whether err only records a non-zero launcher exit.
func exitedNonZero(err error) bool {
	var wse *WaitStatusError
	return errors.As(err, &wse) && unix.WaitStatus(wse.Status).Exited()
}

func fdConn(fd int) (*net.UnixConn, error) {
	f := os.NewFile(uintptr(fd), "ffi-helper-conn")
	defer f.Close()
	c, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("wrapping helper socket: %w", err)
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("helper socket is %T, not a unix connection", c)
	}
	return uc, nil
}
