package sphynx

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sphynx-net/sphynx/crypto"
	"github.com/sphynx-net/sphynx/reliable"
	"github.com/sphynx-net/sphynx/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sessionAEADPair(t *testing.T) (client, server *crypto.AEAD) {
	t.Helper()
	var secret [32]byte
	for i := range secret {
		secret[i] = byte(i + 1)
	}
	c2s, s2c := crypto.DeriveSessionKeys(secret, "sphynx-conn-test")
	return crypto.NewAEAD(c2s, s2c), crypto.NewAEAD(s2c, c2s)
}

func TestEncodeDecodeAckPayloadRoundTrip(t *testing.T) {
	blocks := []reliable.AckBlock{
		{Stream: 0, Rollup: 5},
		{Stream: 1, Rollup: 10, Ranges: []wire.Range{
			{Start: 2},
			{Start: 5, HasEnd: true, End: 3},
		}},
	}

	body := encodeAckPayload(blocks)
	decoded, err := decodeAckPayload(body)
	require.NoError(t, err)
	assert.Equal(t, blocks, decoded)
}

func TestDecodeAckPayloadRejectsTruncatedBlock(t *testing.T) {
	_, err := decodeAckPayload([]byte{0x80, 0x00})
	assert.Error(t, err)
}

// pairedConns builds two Conns wired directly to each other's Dispatch
// method, bypassing sockets entirely — the same "mirror AEAD, feed
// bytes straight across" pattern crypto/aead_test.go uses for its own
// roundtrip tests, generalized to a pair of live connections.
func pairedConns(t *testing.T) (clientConn, serverConn *Conn) {
	t.Helper()
	clientAEAD, serverAEAD := sessionAEADPair(t)
	now := time.Now()

	var mu sync.Mutex
	var scPtr, ccPtr *Conn

	clientConn = newConn(uuid.New(), clientAEAD, true, func(data []byte) error {
		mu.Lock()
		sc := scPtr
		mu.Unlock()
		sc.Dispatch(data, time.Now())
		return nil
	}, crypto.DefaultTimeProvider{}, now, ConnHooks{})

	serverConn = newConn(uuid.New(), serverAEAD, false, func(data []byte) error {
		mu.Lock()
		cc := ccPtr
		mu.Unlock()
		cc.Dispatch(data, time.Now())
		return nil
	}, crypto.DefaultTimeProvider{}, now, ConnHooks{})

	mu.Lock()
	scPtr, ccPtr = serverConn, clientConn
	mu.Unlock()

	return clientConn, serverConn
}

func TestConnReliableDeliveryAcrossFlush(t *testing.T) {
	clientConn, serverConn := pairedConns(t)

	var mu sync.Mutex
	var delivered []string
	serverConn.onMessage = func(stream uint8, data []byte) {
		mu.Lock()
		delivered = append(delivered, string(data))
		mu.Unlock()
	}

	_, err := clientConn.WriteReliable(1, []byte("hello"))
	require.NoError(t, err)

	now := time.Now()
	sent := clientConn.flushAndSend(now)
	assert.True(t, sent)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delivered, 1)
	assert.Equal(t, "hello", delivered[0])
}

func TestConnUnreliableDeliveryBypassesReceiver(t *testing.T) {
	clientConn, serverConn := pairedConns(t)

	received := make(chan string, 1)
	serverConn.onMessage = func(stream uint8, data []byte) {
		received <- string(data)
	}

	err := clientConn.WriteUnreliable([]byte("ping"))
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, "ping", msg)
	default:
		t.Fatal("expected unreliable message to be delivered synchronously")
	}
}

func TestConnRejectsOversizedReliableMessage(t *testing.T) {
	clientConn, _ := pairedConns(t)

	_, err := clientConn.WriteReliable(0, make([]byte, wire.MaxMessageLen+1))
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestConnRejectsBadStream(t *testing.T) {
	clientConn, _ := pairedConns(t)

	_, err := clientConn.WriteReliable(wire.NumStreams, []byte("x"))
	assert.ErrorIs(t, err, ErrBadStream)
}
