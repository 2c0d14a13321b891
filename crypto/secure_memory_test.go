package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecureWipeZeroesData(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5}
	require.NoError(t, SecureWipe(data))
	assert.Equal(t, []byte{0, 0, 0, 0, 0}, data)
}

func TestSecureWipeRejectsNil(t *testing.T) {
	assert.Error(t, SecureWipe(nil))
}

func TestZeroBytesIgnoresNil(t *testing.T) {
	assert.NotPanics(t, func() { ZeroBytes(nil) })
}

func TestWipeKeyPairClearsPrivate(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	require.NoError(t, WipeKeyPair(kp))
	assert.Equal(t, [PrivateKeyBytes]byte{}, kp.Private)
}

func TestWipeKeyPairRejectsNil(t *testing.T) {
	assert.Error(t, WipeKeyPair(nil))
}
