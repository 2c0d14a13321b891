package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFragmentHeaderRoundTrip(t *testing.T) {
	for _, total := range []uint16{0, 1, 32, 1500, 65535} {
		encoded := EncodeFragmentHeader(nil, total)
		assert.Len(t, encoded, FragmentHeaderSize)

		got, consumed, err := DecodeFragmentHeader(encoded)
		require.NoError(t, err)
		assert.Equal(t, FragmentHeaderSize, consumed)
		assert.Equal(t, total, got)
	}
}

func TestFragmentHeaderRejectsShortBuffer(t *testing.T) {
	_, _, err := DecodeFragmentHeader([]byte{0x01})
	assert.ErrorIs(t, err, ErrShortFragmentHeader)
}
