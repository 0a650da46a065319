//go:build linux && !arm64 && !riscv64 && !loong64

package helper

import "syscall"

//go:nosplit
//go:norace
func rawFork() (uintptr, syscall.Errno) {
	pid, _, errno := syscall.RawSyscall(syscall.SYS_FORK, 0, 0, 0)
	return pid, errno
}

//go:nosplit
//go:norace
func rawDup2(oldfd, newfd int) syscall.Errno {
	_, _, errno := syscall.RawSyscall(syscall.SYS_DUP2, uintptr(oldfd), uintptr(newfd), 0)
	return errno
}
