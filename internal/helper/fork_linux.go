//go:build linux

package helper

import (
	"syscall"
	"unsafe"

	"github.com/kahiteam/nixffi/internal/wire"
)

// The runtime hooks used by syscall.forkExec. BeforeFork blocks signals
// and marks the stack so growth in the child traps; the child may only
// call nosplit functions until it execs or exits.

//go:linkname runtimeBeforeFork syscall.runtime_BeforeFork
func runtimeBeforeFork()

//go:linkname runtimeAfterFork syscall.runtime_AfterFork
func runtimeAfterFork()

//go:linkname runtimeAfterForkInChild syscall.runtime_AfterForkInChild
func runtimeAfterForkInChild()

// childState is everything the launcher and the grandchild need, prepared
// before the fork.
type childState struct {
	argv  **byte
	envp  **byte
	paths []*byte // nil terminated

	stdinFD  int
	stdoutFD int
	errFD    int

	killLauncher bool
	doubleFork   syscall.Errno

	record wire.Record
}

func newChildState(args *ProcessArgs, streamFD, errFD int, f faults) *childState {
	st := &childState{
		argv:         &args.argvp[0],
		envp:         &args.envpp[0],
		paths:        args.pathp,
		stdinFD:      streamFD,
		stdoutFD:     streamFD,
		errFD:        errFD,
		killLauncher: f.killLauncher,
		doubleFork:   f.doubleFork,
	}
	if f.overrideStdin {
		st.stdinFD = f.stdinFD
	}
	if f.overrideStdout {
		st.stdoutFD = f.stdoutFD
	}
	return st
}

// forkLauncher forks the launcher process and returns its pid in the
// caller. The launcher and the grandchild never return from it.
//
//go:noinline
//go:norace
func forkLauncher(st *childState) (int, syscall.Errno) {
	syscall.ForkLock.Lock()
	runtimeBeforeFork()
	pid, errno := rawFork()
	if errno != 0 || pid != 0 {
		runtimeAfterFork()
		syscall.ForkLock.Unlock()
		return int(pid), errno
	}

	runtimeAfterForkInChild()
	runLauncher(st)
	return 0, 0
}

// runLauncher forks the grandchild and exits so the grandchild is
// reparented. It only reports when the second fork itself fails.
//
//go:nosplit
//go:norace
func runLauncher(st *childState) {
	if st.killLauncher {
		self, _, _ := syscall.RawSyscall(syscall.SYS_GETPID, 0, 0, 0)
		syscall.RawSyscall(syscall.SYS_KILL, self, uintptr(syscall.SIGKILL), 0)
	}

	var pid uintptr
	errno := st.doubleFork
	if errno == 0 {
		pid, errno = rawFork()
	}
	if errno != 0 {
		childFail(st, wire.CauseDoubleFork, errno)
	}
	if pid != 0 {
		rawExit(0)
	}
	runGrandchild(st)
}

//go:nosplit
//go:norace
func runGrandchild(st *childState) {
	if errno := redirect(st.stdinFD, 0); errno != 0 {
		childFail(st, wire.CauseStdin, errno)
	}
	if errno := redirect(st.stdoutFD, 1); errno != 0 {
		childFail(st, wire.CauseStdout, errno)
	}

	// execvp search: keep going past missing entries, remember EACCES.
	errno := syscall.ENOENT
	sawEACCES := false
	for _, path := range st.paths {
		if path == nil {
			break
		}
		_, _, errno = syscall.RawSyscall(syscall.SYS_EXECVE,
			uintptr(unsafe.Pointer(path)),
			uintptr(unsafe.Pointer(st.argv)),
			uintptr(unsafe.Pointer(st.envp)))
		if errno == syscall.EACCES {
			sawEACCES = true
			continue
		}
		if errno == syscall.ENOENT || errno == syscall.ENOTDIR || errno == syscall.ESTALE ||
			errno == syscall.ENODEV || errno == syscall.ETIMEDOUT {
			continue
		}
		break
	}
	if sawEACCES && (errno == syscall.ENOENT || errno == syscall.ENOTDIR || errno == syscall.EACCES) {
		errno = syscall.EACCES
	}
	childFail(st, wire.CauseExec, errno)
}

// redirect makes fd available as target across exec. When fd already is
// target only its close-on-exec flag needs clearing.
//
//go:nosplit
//go:norace
func redirect(fd, target int) syscall.Errno {
	if fd == target {
		_, _, errno := syscall.RawSyscall(syscall.SYS_FCNTL, uintptr(fd), syscall.F_SETFD, 0)
		return errno
	}
	return rawDup2(fd, target)
}

// childFail writes a failure record to the error pipe and exits.
//
//go:nosplit
//go:norace
func childFail(st *childState, cause wire.Cause, errno syscall.Errno) {
	wire.PutRecord(&st.record, cause, errno)
	for {
		_, _, e := syscall.RawSyscall(syscall.SYS_WRITE, uintptr(st.errFD),
			uintptr(unsafe.Pointer(&st.record[0])), wire.RecordSize)
		if e != syscall.EINTR {
			break
		}
	}
	rawExit(1)
}

//go:nosplit
//go:norace
func rawExit(code int) {
	for {
		syscall.RawSyscall(syscall.SYS_EXIT_GROUP, uintptr(code), 0, 0)
	}
}
