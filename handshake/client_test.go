package handshake

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sphynx-net/sphynx/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientFullHandshake(t *testing.T) {
	serverKP, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	client := NewClient(serverKP.Public, 4000)
	assert.NotEqual(t, uuid.Nil, client.AttemptID)
	now := time.Now()

	helloBytes, err := client.Connect(now)
	require.NoError(t, err)
	assert.Equal(t, StateHelloPosted, client.State())

	hello, err := DecodeHello(helloBytes)
	require.NoError(t, err)
	assert.Equal(t, serverKP.Public, hello.ServerPublicKey)

	// Simulate server side manually (handshake engine server tested
	// separately in server_test.go).
	challengeBytes, err := client.HandleCookie(Cookie{Cookie: 123})
	require.NoError(t, err)
	assert.Equal(t, StateChallengePosted, client.State())

	challenge, err := DecodeChallenge(challengeBytes)
	require.NoError(t, err)
	assert.Equal(t, uint32(123), challenge.Cookie)

	responder := crypto.NewResponder(serverKP)
	answer, secret, err := responder.ProcessChallenge(challenge.Challenge)
	require.NoError(t, err)

	err = client.HandleAnswer(Answer{SessionPort: 4001, Answer: answer})
	require.NoError(t, err)
	assert.Equal(t, StateConnected, client.State())
	assert.Equal(t, uint16(4001), client.SessionPort())
	require.NotNil(t, client.AEAD())

	// Sanity: the client's derived AEAD was built from the same secret
	// the server side computed, so the server's mirrored AEAD
	// (DeriveSessionAEAD) produces ciphertext the client can decrypt.
	mirror := DeriveSessionAEAD(secret)
	ciphertext, ok := mirror.Encrypt(nil, []byte("ping"))
	require.True(t, ok)
	plaintext, ok := client.AEAD().Decrypt(ciphertext)
	require.True(t, ok)
	assert.Equal(t, []byte("ping"), plaintext)
}

func TestClientRejectsBadSessionPort(t *testing.T) {
	serverKP, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	client := NewClient(serverKP.Public, 4000)
	_, err = client.Connect(time.Now())
	require.NoError(t, err)
	_, err = client.HandleCookie(Cookie{Cookie: 1})
	require.NoError(t, err)

	var answer [crypto.AnswerBytes]byte
	err = client.HandleAnswer(Answer{SessionPort: 100, Answer: answer})
	assert.ErrorIs(t, err, ErrBadSessionPort)
	assert.Equal(t, StateFailed, client.State())
}

func TestClientTimesOut(t *testing.T) {
	serverKP, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	client := NewClient(serverKP.Public, 4000)
	start := time.Now()
	_, err = client.Connect(start)
	require.NoError(t, err)

	_, ok := client.Tick(start.Add(ConnectTimeout + time.Millisecond))
	assert.False(t, ok)
	assert.Equal(t, StateFailed, client.State())
}

func TestClientRepostsHello(t *testing.T) {
	serverKP, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	client := NewClient(serverKP.Public, 4000)
	start := time.Now()
	_, err = client.Connect(start)
	require.NoError(t, err)

	pkt, ok := client.Tick(start.Add(HandshakeTick + time.Millisecond))
	assert.True(t, ok)
	assert.NotNil(t, pkt)
}

func TestClientICMPBeforeFirstServerPacketFails(t *testing.T) {
	serverKP, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	client := NewClient(serverKP.Public, 4000)
	_, err = client.Connect(time.Now())
	require.NoError(t, err)

	client.HandleICMPUnreachable()
	assert.Equal(t, StateFailed, client.State())
}

func TestClientHandleErrorFailsHandshake(t *testing.T) {
	serverKP, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	client := NewClient(serverKP.Public, 4000)
	_, err = client.Connect(time.Now())
	require.NoError(t, err)

	client.HandleError(ErrorPacket{Kind: ErrKindServerFull})
	assert.Equal(t, StateFailed, client.State())
}

func TestClientRejectsOutOfOrderMessages(t *testing.T) {
	serverKP, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	client := NewClient(serverKP.Public, 4000)

	_, err = client.HandleCookie(Cookie{Cookie: 1})
	assert.ErrorIs(t, err, ErrUnexpectedMessage)
}
