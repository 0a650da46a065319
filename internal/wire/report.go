package wire

import (
	"encoding/binary"
	"fmt"
	"syscall"
	"unsafe"
)

// Cause identifies the bootstrap step that failed in the helper's process
// tree before the helper became operational.
type Cause uint8

const (
	CauseStdin      Cause = 0
	CauseStdout     Cause = 1
	CauseExec       Cause = 2
	CauseDoubleFork Cause = 3
)

var causeNames = [...]string{
	CauseStdin:      "stdin",
	CauseStdout:     "stdout",
	CauseExec:       "exec",
	CauseDoubleFork: "double_fork",
}

// Valid reports whether c is one of the defined causes.
func (c Cause) Valid() bool {
	return int(c) < len(causeNames)
}

func (c Cause) String() string {
	if c.Valid() {
		return causeNames[c]
	}
	return fmt.Sprintf("cause(%d)", uint8(c))
}

// RecordSize is the exact size of a failure record: one cause byte and a
// 32-bit errno.
const RecordSize = 5

// Record is an encoded failure record.
type Record [RecordSize]byte

// Report is a decoded failure record.
type Report struct {
	Cause Cause
	Errno syscall.Errno
}

// Encode returns the wire form of r.
func (r Report) Encode() Record {
	var rec Record
	PutRecord(&rec, r.Cause, r.Errno)
	return rec
}

// MalformedError describes bytes read from the error pipe that are not a
// single well-formed record.
type MalformedError struct {
	Data []byte
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed bootstrap error record (%d bytes: % x)", len(e.Data), e.Data)
}

// DecodeReport parses the full contents of the error pipe.
func DecodeReport(data []byte) (Report, error) {
	if len(data) != RecordSize || !Cause(data[0]).Valid() {
		return Report{}, &MalformedError{Data: append([]byte(nil), data...)}
	}
	errno := syscall.Errno(binary.NativeEndian.Uint32(data[1:]))
	return Report{Cause: Cause(data[0]), Errno: errno}, nil
}

var bigEndian = func() bool {
	x := uint16(1)
	return *(*byte)(unsafe.Pointer(&x)) == 0
}()

// PutRecord fills rec in place. It performs no calls and no allocation so
// it can run in a freshly forked child.
//
//go:nosplit
//go:norace
func PutRecord(rec *Record, c Cause, errno syscall.Errno) {
	v := uint32(int32(errno))
	rec[0] = byte(c)
	if bigEndian {
		rec[1], rec[2], rec[3], rec[4] = byte(v>>24), byte(v>>16), byte(v>>8), byte(v)
	} else {
		rec[1], rec[2], rec[3], rec[4] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	}
}
