// Package wire encodes the byte formats exchanged with the nix ffi-helper:
// the request/response protocol spoken over the helper's stdin/stdout and
// the fixed-size failure record written to the bootstrap error pipe.
//
// Integers are native-endian and, for the request length, native-word
// sized. Both sides always run on the same machine.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// Request opcodes. Unknown opcodes make the helper abort.
const (
	OpAddTempRoot byte = 0
)

// StatusOK is the only defined response byte.
const StatusOK byte = 0

// WordSize is the width in bytes of the request length field.
const WordSize = strconv.IntSize / 8

// HeaderSize is the size of a request before its payload.
const HeaderSize = 1 + WordSize

// ErrShortRequest is returned by ReadRequest when the stream ends inside
// a request.
var ErrShortRequest = errors.New("wire: stream ended inside a request")

// AppendHeader appends the opcode and the payload length to dst.
func AppendHeader(dst []byte, op byte, n int) []byte {
	dst = append(dst, op)
	if WordSize == 8 {
		return binary.NativeEndian.AppendUint64(dst, uint64(n))
	}
	return binary.NativeEndian.AppendUint32(dst, uint32(n))
}

// WriteRequest writes one request. The payload is written unmodified: no
// terminator is added and no text encoding is implied.
func WriteRequest(w io.Writer, op byte, payload []byte) error {
	var hdr [HeaderSize]byte
	if _, err := w.Write(AppendHeader(hdr[:0], op, len(payload))); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// ReadRequest reads one request. It returns io.EOF only when the stream
// ends cleanly before the opcode byte.
func ReadRequest(r io.Reader) (op byte, payload []byte, err error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:1]); err != nil {
		return 0, nil, err
	}
	if _, err := io.ReadFull(r, hdr[1:]); err != nil {
		return 0, nil, shortRead(err)
	}

	var n uint64
	if WordSize == 8 {
		n = binary.NativeEndian.Uint64(hdr[1:])
	} else {
		n = uint64(binary.NativeEndian.Uint32(hdr[1:]))
	}
	if n > uint64(maxInt) {
		return 0, nil, fmt.Errorf("wire: request length %d overflows int", n)
	}

	payload = make([]byte, int(n))
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, shortRead(err)
	}
	return hdr[0], payload, nil
}

// ReadStatus reads a single response byte. A stream that ends before the
// byte arrives yields io.ErrUnexpectedEOF.
func ReadStatus(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, io.ErrUnexpectedEOF
		}
		return 0, err
	}
	return b[0], nil
}

// WriteStatus writes a single response byte.
func WriteStatus(w io.Writer, status byte) error {
	_, err := w.Write([]byte{status})
	return err
}

const maxInt = int(^uint(0) >> 1)

func shortRead(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrShortRequest
	}
	return err
}
