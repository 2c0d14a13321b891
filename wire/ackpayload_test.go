package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRollupRoundTrip(t *testing.T) {
	for _, id := range []uint32{0, 1, 1000, AckIDMask} {
		for stream := uint8(0); stream < NumStreams; stream++ {
			encoded, err := EncodeRollup(nil, Rollup{Stream: stream, ID: id})
			require.NoError(t, err)
			require.Len(t, encoded, 3)
			assert.True(t, IsRollup(encoded[0]))

			got, consumed, err := DecodeRollup(encoded)
			require.NoError(t, err)
			assert.Equal(t, 3, consumed)
			assert.Equal(t, stream, got.Stream)
			assert.Equal(t, id, got.ID)
		}
	}
}

func TestRollupRejectsBadStream(t *testing.T) {
	_, err := EncodeRollup(nil, Rollup{Stream: NumStreams, ID: 0})
	assert.ErrorIs(t, err, ErrBadStream)
}

func TestRangeRoundTripWithoutEnd(t *testing.T) {
	r := Range{Start: 12345}
	encoded := EncodeRange(nil, r)
	require.Len(t, encoded, 3)
	assert.False(t, IsRollup(encoded[0]))

	got, consumed, err := DecodeRange(encoded)
	require.NoError(t, err)
	assert.Equal(t, 3, consumed)
	assert.Equal(t, r.Start, got.Start)
	assert.False(t, got.HasEnd)
}

func TestRangeRoundTripWithEnd(t *testing.T) {
	r := Range{Start: 999, HasEnd: true, End: 4_000_000 & (1<<22 - 1)}
	encoded := EncodeRange(nil, r)
	require.Len(t, encoded, 6)

	got, consumed, err := DecodeRange(encoded)
	require.NoError(t, err)
	assert.Equal(t, 6, consumed)
	assert.Equal(t, r.Start, got.Start)
	assert.True(t, got.HasEnd)
	assert.Equal(t, r.End, got.End)
}

func TestRangeDecodeRejectsTruncated(t *testing.T) {
	r := Range{Start: 1, HasEnd: true, End: 2}
	encoded := EncodeRange(nil, r)
	_, _, err := DecodeRange(encoded[:4])
	assert.ErrorIs(t, err, ErrShortAckPayload)

	_, _, err = DecodeRange(nil)
	assert.ErrorIs(t, err, ErrShortAckPayload)
}

func TestMixedAckPayloadSequence(t *testing.T) {
	var buf []byte
	rollup, err := EncodeRollup(nil, Rollup{Stream: 1, ID: 50})
	require.NoError(t, err)
	buf = append(buf, rollup...)
	buf = EncodeRange(buf, Range{Start: 2, HasEnd: true, End: 3})
	buf = EncodeRange(buf, Range{Start: 10})

	pos := 0
	gotRollup, n, err := DecodeRollup(buf[pos:])
	require.NoError(t, err)
	assert.Equal(t, Rollup{Stream: 1, ID: 50}, gotRollup)
	pos += n

	gotRange, n, err := DecodeRange(buf[pos:])
	require.NoError(t, err)
	assert.Equal(t, Range{Start: 2, HasEnd: true, End: 3}, gotRange)
	pos += n

	gotRange2, n, err := DecodeRange(buf[pos:])
	require.NoError(t, err)
	assert.Equal(t, uint32(10), gotRange2.Start)
	pos += n

	assert.Equal(t, len(buf), pos)
}
