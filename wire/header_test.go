package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	cases := []Header{
		{DataLen: 0, HasAckID: false, Reliable: false, SOP: SOPData},
		{DataLen: MaxDataLen, HasAckID: true, Reliable: true, SOP: SOPFrag},
		{DataLen: 123, HasAckID: true, Reliable: false, SOP: SOPAck},
		{DataLen: 7, HasAckID: false, Reliable: true, SOP: SOPDisco},
	}
	for _, h := range cases {
		encoded, err := Encode(nil, h)
		require.NoError(t, err)
		assert.Len(t, encoded, HeaderSize)

		decoded, consumed, err := Decode(encoded)
		require.NoError(t, err)
		assert.Equal(t, HeaderSize, consumed)
		assert.Equal(t, h, decoded)
	}
}

func TestEncodeRejectsOversizedDataLen(t *testing.T) {
	_, err := Encode(nil, Header{DataLen: MaxDataLen + 1})
	assert.ErrorIs(t, err, ErrDataLenTooLarge)
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	_, _, err := Decode([]byte{0x01})
	assert.ErrorIs(t, err, ErrShortHeader)
}

func TestHeaderAppendsToExistingSlice(t *testing.T) {
	prefix := []byte{0xAA, 0xBB}
	out, err := Encode(prefix, Header{DataLen: 5, SOP: SOPData})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA, 0xBB}, out[:2])

	decoded, _, err := Decode(out[2:])
	require.NoError(t, err)
	assert.Equal(t, uint16(5), decoded.DataLen)
}

func TestSOPStringCoversAllValues(t *testing.T) {
	for s := SOPData; s <= SOPDisco; s++ {
		assert.NotEqual(t, "UNKNOWN", s.String())
	}
}
