package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sessionPair(t *testing.T) (client, server *AEAD) {
	t.Helper()
	var secret [32]byte
	for i := range secret {
		secret[i] = byte(i + 1)
	}
	c2s, s2c := DeriveSessionKeys(secret, "test-session")
	client = NewAEAD(c2s, s2c)
	server = NewAEAD(s2c, c2s)
	return client, server
}

func TestAEADRoundTrip(t *testing.T) {
	client, server := sessionPair(t)

	plaintext := []byte("hello sphynx")
	ciphertext, ok := client.Encrypt(nil, plaintext)
	require.True(t, ok)
	assert.Len(t, ciphertext, len(plaintext)+Overhead)

	recovered, ok := server.Decrypt(ciphertext)
	require.True(t, ok)
	assert.Equal(t, plaintext, recovered)
}

func TestAEADRejectsTamperedCiphertext(t *testing.T) {
	client, server := sessionPair(t)

	ciphertext, ok := client.Encrypt(nil, []byte("payload"))
	require.True(t, ok)
	ciphertext[0] ^= 0xFF

	_, ok = server.Decrypt(ciphertext)
	assert.False(t, ok)
}

func TestAEADRejectsReplay(t *testing.T) {
	client, server := sessionPair(t)

	ciphertext, ok := client.Encrypt(nil, []byte("payload"))
	require.True(t, ok)

	dup := append([]byte(nil), ciphertext...)

	_, ok = server.Decrypt(ciphertext)
	require.True(t, ok)

	_, ok = server.Decrypt(dup)
	assert.False(t, ok, "replayed datagram must be rejected")
}

func TestAEADRejectsShortBuffer(t *testing.T) {
	_, server := sessionPair(t)
	_, ok := server.Decrypt(make([]byte, Overhead-1))
	assert.False(t, ok)
}

func TestAEADDistinctMessagesProduceDistinctCiphertext(t *testing.T) {
	client, _ := sessionPair(t)

	first, ok := client.Encrypt(nil, []byte("payload"))
	require.True(t, ok)
	second, ok := client.Encrypt(nil, []byte("payload"))
	require.True(t, ok)

	assert.NotEqual(t, first, second, "per-message IV must change the ciphertext")
}
