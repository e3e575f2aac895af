// Package envelope implements the message envelope exchanged on both device
// channels and its binary encoding. An envelope carries an identifier, a
// command or event code and an opaque payload; the encoding is protobuf wire
// format with a fixed three-field schema so any protobuf tooling on the peer
// side can read it.
package envelope

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the envelope schema. They are part of the wire contract.
const (
	fieldID      protowire.Number = 1
	fieldCode    protowire.Number = 2
	fieldPayload protowire.Number = 3
)

var (
	ErrMissingField  = errors.New("envelope: missing required field")
	ErrWrongWireType = errors.New("envelope: unexpected wire type")
	ErrCodeOverflow  = errors.New("envelope: code does not fit in 32 bits")
)

// Envelope is the decoded unit of application data.
type Envelope struct {
	ID      uint64 // Message identifier (counter or unix seconds)
	Code    Code   // Command or event code
	Payload []byte // Opaque payload; may be empty
}

// Equal reports whether e and other carry the same identifier, code and
// payload bytes. A nil payload equals an empty one.
func (e Envelope) Equal(other Envelope) bool {
	return e.ID == other.ID && e.Code == other.Code && bytes.Equal(e.Payload, other.Payload)
}

// String returns a short description suitable for logs.
func (e Envelope) String() string {
	return fmt.Sprintf("envelope{id=%d code=%s payload=%dB}", e.ID, e.Code, len(e.Payload))
}

// DecodeError is returned by Decode when the buffer is not a complete,
// valid encoding of an envelope.
type DecodeError struct {
	Offset int   // Byte offset at which decoding stopped
	Err    error // Underlying cause
}

// Error implements error.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("envelope: decode failed at offset %d: %v", e.Offset, e.Err)
}

// Unwrap returns the underlying cause.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Size returns the number of bytes Encode will produce for e.
func Size(e Envelope) int {
	return protowire.SizeTag(fieldID) + protowire.SizeVarint(e.ID) +
		protowire.SizeTag(fieldCode) + protowire.SizeVarint(uint64(e.Code)) +
		protowire.SizeTag(fieldPayload) + protowire.SizeBytes(len(e.Payload))
}

// Encode serializes e into a single contiguous buffer. All three fields are
// always written, in field order, so that every strict prefix of the result
// fails to decode.
//
// Parameters:
//   - e: The envelope to serialize
//
// Returns:
//   - The encoded bytes
func Encode(e Envelope) []byte {
	b := make([]byte, 0, Size(e))
	b = protowire.AppendTag(b, fieldID, protowire.VarintType)
	b = protowire.AppendVarint(b, e.ID)
	b = protowire.AppendTag(b, fieldCode, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Code))
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Payload)
	return b
}

// Decode parses a buffer produced by Encode back into an envelope. Unknown
// fields are skipped. The returned payload never aliases b.
//
// Parameters:
//   - b: The encoded envelope
//
// Returns:
//   - The decoded envelope
//   - A *DecodeError if b is truncated, malformed or lacks a required field
func Decode(b []byte) (Envelope, error) {
	var e Envelope
	var hasID, hasCode, hasPayload bool

	offset := 0
	for offset < len(b) {
		num, typ, n := protowire.ConsumeTag(b[offset:])
		if n < 0 {
			return Envelope{}, &DecodeError{Offset: offset, Err: protowire.ParseError(n)}
		}
		offset += n

		switch num {
		case fieldID, fieldCode:
			if typ != protowire.VarintType {
				return Envelope{}, &DecodeError{Offset: offset, Err: fmt.Errorf("%w: field %d", ErrWrongWireType, num)}
			}

			v, n := protowire.ConsumeVarint(b[offset:])
			if n < 0 {
				return Envelope{}, &DecodeError{Offset: offset, Err: protowire.ParseError(n)}
			}
			offset += n

			if num == fieldID {
				e.ID = v
				hasID = true
				continue
			}

			if v > math.MaxUint32 {
				return Envelope{}, &DecodeError{Offset: offset, Err: ErrCodeOverflow}
			}
			e.Code = Code(v)
			hasCode = true
		case fieldPayload:
			if typ != protowire.BytesType {
				return Envelope{}, &DecodeError{Offset: offset, Err: fmt.Errorf("%w: field %d", ErrWrongWireType, num)}
			}

			v, n := protowire.ConsumeBytes(b[offset:])
			if n < 0 {
				return Envelope{}, &DecodeError{Offset: offset, Err: protowire.ParseError(n)}
			}
			offset += n

			e.Payload = append([]byte(nil), v...)
			hasPayload = true
		default:
			n := protowire.ConsumeFieldValue(num, typ, b[offset:])
			if n < 0 {
				return Envelope{}, &DecodeError{Offset: offset, Err: protowire.ParseError(n)}
			}
			offset += n
		}
	}

	switch {
	case !hasID:
		return Envelope{}, &DecodeError{Offset: offset, Err: fmt.Errorf("%w: id", ErrMissingField)}
	case !hasCode:
		return Envelope{}, &DecodeError{Offset: offset, Err: fmt.Errorf("%w: code", ErrMissingField)}
	case !hasPayload:
		return Envelope{}, &DecodeError{Offset: offset, Err: fmt.Errorf("%w: payload", ErrMissingField)}
	}

	return e, nil
}
