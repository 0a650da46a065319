package helper

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/kahiteam/nixffi/internal/wire"
)

var (
	// ErrFatal marks contract violations between this process and the
	// helper: undecodable error records, unexpected response bytes and
	// impossible wait results. They are never transient.
	ErrFatal = errors.New("ffi-helper contract violation")

	// ErrClosed is returned by operations on a consumed Conn.
	ErrClosed = errors.New("ffi-helper connection already closed")

	// ErrUnsupported is returned by Spawn on platforms without the raw
	// fork path.
	ErrUnsupported = errors.New("detached ffi-helper spawn is not supported on this platform")
)

// Stage identifies where Spawn failed.
type Stage int

const (
	StageCreatingChannel Stage = iota + 1
	StageCreatingPipe
	StageForking
	StageWaiting
	StageDoubleForking
	StageHelperSignalled
	StageReadingPipe
	StageHelperStdin
	StageHelperStdout
	StageHelperExec
)

var stageInfo = [...]struct{ label, text string }{
	{"unknown", "unknown stage"},
	{"creating_channel", "creating communication channel with socketpair"},
	{"creating_pipe", "creating internal error channel with pipe"},
	{"forking", "forking ffi-helper launcher"},
	{"waiting", "waiting for ffi-helper launcher"},
	{"double_forking", "double-forking ffi-helper"},
	{"helper_signalled", "ffi-helper launcher killed by signal"},
	{"reading_pipe", "reading from internal error channel"},
	{"helper_stdin", "setting stdin for ffi-helper"},
	{"helper_stdout", "setting stdout for ffi-helper"},
	{"helper_exec", "executing ffi-helper"},
}

// String returns a short label suitable for metrics.
func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageInfo) {
		return stageInfo[0].label
	}
	return stageInfo[s].label
}

func (s Stage) text() string {
	if s < 0 || int(s) >= len(stageInfo) {
		return stageInfo[0].text
	}
	return stageInfo[s].text
}

// stageForCause maps a bootstrap record onto the stage reported to callers.
func stageForCause(c wire.Cause) Stage {
	switch c {
	case wire.CauseStdin:
		return StageHelperStdin
	case wire.CauseStdout:
		return StageHelperStdout
	case wire.CauseExec:
		return StageHelperExec
	default:
		return StageDoubleForking
	}
}

// SpawnError describes a failed Spawn. Exactly one of Errno, Signal or Err
// carries the detail, depending on Stage.
type SpawnError struct {
	Stage  Stage
	Errno  syscall.Errno
	Signal syscall.Signal
	Err    error
}

func (e *SpawnError) Error() string {
	switch {
	case e.Stage == StageHelperSignalled:
		return fmt.Sprintf("%s: %v", e.Stage.text(), e.Signal)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Stage.text(), e.Err)
	case e.Errno != 0:
		return fmt.Sprintf("%s: %v", e.Stage.text(), e.Errno)
	default:
		return e.Stage.text()
	}
}

func (e *SpawnError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	if e.Errno != 0 {
		return e.Errno
	}
	return nil
}

// Cause reports the bootstrap cause when the failure was reported by the
// helper's process tree over the error pipe.
func (e *SpawnError) Cause() (wire.Cause, bool) {
	switch e.Stage {
	case StageHelperStdin:
		return wire.CauseStdin, true
	case StageHelperStdout:
		return wire.CauseStdout, true
	case StageHelperExec:
		return wire.CauseExec, true
	case StageDoubleForking:
		return wire.CauseDoubleFork, true
	}
	return 0, false
}

// ProtocolError is returned when the helper answers with a status byte
// other than wire.StatusOK. It matches ErrFatal.
type ProtocolError struct {
	Status byte
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("impossible response byte %#02x from ffi-helper", e.Status)
}

func (e *ProtocolError) Unwrap() error { return ErrFatal }

// MalformedReportError wraps an undecodable error pipe payload. It matches
// ErrFatal.
type MalformedReportError struct {
	Err *wire.MalformedError
}

func (e *MalformedReportError) Error() string {
	return "impossible data over internal error channel: " + e.Err.Error()
}

func (e *MalformedReportError) Unwrap() []error { return []error{ErrFatal, e.Err} }

// WaitStatusError reports a launcher wait status that no successful or
// reported bootstrap produces: a non-zero exit with an empty error pipe,
// or neither an exit nor a termination by signal. It matches ErrFatal.
type WaitStatusError struct {
	Status uint32
}

func (e *WaitStatusError) Error() string {
	return fmt.Sprintf("erroneous wait status %#x for ffi-helper launcher", e.Status)
}

func (e *WaitStatusError) Unwrap() error { return ErrFatal }
