package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveSharedSecretAgrees(t *testing.T) {
	alice, err := GenerateKeyPair()
	require.NoError(t, err)
	bob, err := GenerateKeyPair()
	require.NoError(t, err)

	aliceSecret := DeriveSharedSecret(alice.Private, bob.RawPublic())
	bobSecret := DeriveSharedSecret(bob.Private, alice.RawPublic())

	assert.Equal(t, aliceSecret, bobSecret)
	assert.NotEqual(t, [32]byte{}, aliceSecret)
}

func TestDeriveSharedSecretDiffersPerPeer(t *testing.T) {
	alice, err := GenerateKeyPair()
	require.NoError(t, err)
	bob, err := GenerateKeyPair()
	require.NoError(t, err)
	carol, err := GenerateKeyPair()
	require.NoError(t, err)

	withBob := DeriveSharedSecret(alice.Private, bob.RawPublic())
	withCarol := DeriveSharedSecret(alice.Private, carol.RawPublic())

	assert.NotEqual(t, withBob, withCarol)
}
