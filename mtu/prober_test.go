package mtu

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProberTicksPostTwoTargetsPerRound(t *testing.T) {
	p := NewProber()

	var sent [][]byte
	send := func(body []byte) error {
		sent = append(sent, body)
		return nil
	}

	now := time.Now()
	p.Tick(now, send)
	require.Len(t, sent, 2)
	assert.Len(t, sent[0], MaximumMTU)
	assert.Len(t, sent[1], MediumMTU)

	// Not due again immediately.
	sent = nil
	p.Tick(now.Add(time.Second), send)
	assert.Empty(t, sent)
}

func TestProberGivesUpAfterMaxAttemptsAndClearsDF(t *testing.T) {
	p := NewProber()
	now := time.Now()
	send := func([]byte) error { return nil }

	for i := 0; i < DefaultMaxAttempts; i++ {
		p.Tick(now, send)
		now = now.Add(DefaultProbeInterval + time.Millisecond)
	}

	assert.False(t, p.DFSet())

	// A further tick does nothing more.
	before := p.MaxPayloadBytes()
	p.Tick(now.Add(DefaultProbeInterval+time.Millisecond), send)
	assert.Equal(t, before, p.MaxPayloadBytes())
}

func TestOnProbeReceivedRaisesOnlyOnIncrease(t *testing.T) {
	p := NewProber()
	assert.Equal(t, MinimumMTU, p.MaxPayloadBytes())

	body, ok := p.OnProbeReceived(1400)
	require.True(t, ok)
	assert.Equal(t, 1400, p.MaxPayloadBytes())
	assert.NotEmpty(t, body)

	_, ok = p.OnProbeReceived(1000)
	assert.False(t, ok, "a smaller probe must not report or shrink the learned size")
	assert.Equal(t, 1400, p.MaxPayloadBytes())
}

func TestOnSetReceivedNeverShrinks(t *testing.T) {
	p := NewProber()
	body, _ := p.OnProbeReceived(1500)
	p2 := NewProber()

	p2.OnSetReceived(body)
	assert.Equal(t, 1500, p2.MaxPayloadBytes())

	p2.OnSetReceived(encodeMTUSet(100))
	assert.Equal(t, 1500, p2.MaxPayloadBytes(), "a smaller SET must never shrink the learned size")
}
