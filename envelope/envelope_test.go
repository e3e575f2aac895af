package envelope

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func sampleEnvelopes() []Envelope {
	return []Envelope{
		{ID: 0, Code: 0, Payload: nil},
		{ID: 1, Code: CmdHeartbeat, Payload: []byte("ping")},
		{ID: 1700000000, Code: EvtVersion, Payload: []byte("v1.2.3")},
		{ID: math.MaxUint64, Code: Code(math.MaxUint32), Payload: bytes.Repeat([]byte{0xAB}, 300)},
		{ID: 42, Code: CmdPTZControl, Payload: []byte{0x00, 0x01, 0x02}},
	}
}

func TestEncodeDecode_roundTrip(t *testing.T) {
	for _, e := range sampleEnvelopes() {
		t.Run(e.String(), func(t *testing.T) {
			b := Encode(e)
			assert.Len(t, b, Size(e))

			got, err := Decode(b)
			require.NoError(t, err)
			assert.True(t, e.Equal(got), "want %v got %v", e, got)
		})
	}
}

func TestDecode_truncatedPrefixFails(t *testing.T) {
	for _, e := range sampleEnvelopes() {
		b := Encode(e)
		for n := 0; n < len(b); n++ {
			_, err := Decode(b[:n])
			var decErr *DecodeError
			require.Error(t, err, "prefix length %d of %v", n, e)
			assert.True(t, errors.As(err, &decErr), "prefix length %d should yield *DecodeError", n)
		}
	}
}

func TestDecode_payloadDoesNotAlias(t *testing.T) {
	b := Encode(Envelope{ID: 3, Code: CmdHeartbeat, Payload: []byte("abc")})
	got, err := Decode(b)
	require.NoError(t, err)

	b[len(b)-1] = 'z'
	assert.Equal(t, []byte("abc"), got.Payload)
}

func TestDecode_heartbeatFrameOf37Bytes(t *testing.T) {
	e := Envelope{ID: 1, Code: CmdHeartbeat, Payload: bytes.Repeat([]byte{'h'}, 31)}
	b := Encode(e)
	require.Len(t, b, 37)

	got, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, CmdHeartbeat, got.Code)
	assert.Len(t, got.Payload, 31)
}

func TestDecode_errors(t *testing.T) {
	t.Run("wrong wire type for id", func(t *testing.T) {
		b := protowire.AppendTag(nil, fieldID, protowire.BytesType)
		b = protowire.AppendBytes(b, []byte("x"))
		_, err := Decode(b)
		assert.ErrorIs(t, err, ErrWrongWireType)
	})

	t.Run("code wider than 32 bits", func(t *testing.T) {
		b := protowire.AppendTag(nil, fieldID, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
		b = protowire.AppendTag(b, fieldCode, protowire.VarintType)
		b = protowire.AppendVarint(b, math.MaxUint32+1)
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, nil)
		_, err := Decode(b)
		assert.ErrorIs(t, err, ErrCodeOverflow)
	})

	t.Run("missing payload field", func(t *testing.T) {
		b := protowire.AppendTag(nil, fieldID, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
		b = protowire.AppendTag(b, fieldCode, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(CmdReset))
		_, err := Decode(b)
		assert.ErrorIs(t, err, ErrMissingField)
	})

	t.Run("garbage bytes", func(t *testing.T) {
		_, err := Decode([]byte{0xFF, 0xFF, 0xFF})
		var decErr *DecodeError
		assert.True(t, errors.As(err, &decErr))
	})
}

func TestDecode_skipsUnknownFields(t *testing.T) {
	b := Encode(Envelope{ID: 9, Code: CmdAIOn, Payload: []byte("p")})
	b = protowire.AppendTag(b, 15, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("future"))

	got, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), got.ID)
	assert.Equal(t, CmdAIOn, got.Code)
	assert.Equal(t, []byte("p"), got.Payload)
}

func TestCode(t *testing.T) {
	t.Run("names", func(t *testing.T) {
		assert.Equal(t, "Heartbeat", CmdHeartbeat.String())
		assert.Equal(t, "EventHeartbeat", EvtHeartbeat.String())
		assert.Equal(t, "Code(999)", Code(999).String())
	})

	t.Run("direction", func(t *testing.T) {
		assert.True(t, CmdCameraSwitch.IsCommand())
		assert.False(t, CmdCameraSwitch.IsEvent())
		assert.True(t, EvtVersion.IsEvent())
		assert.False(t, Code(0x90).IsEvent())
	})

	t.Run("codes lists every known value once", func(t *testing.T) {
		codes := Codes()
		assert.Len(t, codes, len(codeNames))
		assert.Equal(t, CmdGetVersion, codes[0])
		assert.Equal(t, EvtVersion, codes[len(codes)-1])
	})
}
