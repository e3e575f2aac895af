package channel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// FrameHeaderLen is the size of the little-endian length prefix in front of
// every envelope on the wire.
const FrameHeaderLen = 4

// DefaultMaxFrameSize bounds the allocation for a single frame.
const DefaultMaxFrameSize = 16 * 1024 * 1024

var (
	ErrEmptyFrame    = errors.New("channel: empty frame")
	ErrFrameTooLarge = errors.New("channel: frame exceeds size limit")
)

// ReadFrame reads one length-prefixed frame from r and returns its content.
// A zero length prefix yields ErrEmptyFrame; a prefix above maxSize yields
// ErrFrameTooLarge without consuming the body.
//
// Parameters:
//   - r: Stream to read from
//   - maxSize: Largest accepted content length
//
// Returns:
//   - The frame content, or an error from the underlying reader
func ReadFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	var header [FrameHeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.LittleEndian.Uint32(header[:])
	if length == 0 {
		return nil, ErrEmptyFrame
	}

	if length > maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, maxSize)
	}

	content := make([]byte, length)
	if _, err := io.ReadFull(r, content); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return content, nil
}

// AppendFrame returns dst with content appended behind its length prefix.
func AppendFrame(dst []byte, content []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(content)))
	return append(dst, content...)
}

// WriteFrame writes content behind its length prefix in a single Write call.
//
// Returns:
//   - The number of bytes written including the prefix, and any write error
func WriteFrame(w io.Writer, content []byte) (int, error) {
	buf := AppendFrame(make([]byte, 0, FrameHeaderLen+len(content)), content)
	n, err := w.Write(buf)
	if err == nil && n < len(buf) {
		err = io.ErrShortWrite
	}

	return n, err
}
