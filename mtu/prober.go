package mtu

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/sphynx-net/sphynx/internal/obs"
)

var log = obs.New("mtu", "Prober")

const (
	// MinimumMTU is the conservative starting payload size, matching
	// the original protocol's floor for a link nothing is known about.
	MinimumMTU = 576
	// MediumMTU is the smaller of the two probe targets.
	MediumMTU = 1400
	// MaximumMTU is the larger of the two probe targets.
	MaximumMTU = 1500

	// DefaultProbeInterval is MTU_PROBE_INTERVAL.
	DefaultProbeInterval = 5 * time.Second
	// DefaultMaxAttempts bounds how many probe rounds are sent before
	// giving up on raising the payload size and clearing DF.
	DefaultMaxAttempts = 3
)

// probeTargets lists the sizes probed each round, largest first so a
// single successful round establishes the best size outright.
var probeTargets = [2]int{MaximumMTU, MediumMTU}

// Prober tracks one direction's learned payload size and drives the
// probe/reprobe schedule. A connection runs one Prober per peer.
type Prober struct {
	mu              sync.Mutex
	maxPayloadBytes int
	df              bool
	lastProbe       time.Time
	attempts        int
	interval        time.Duration
	maxAttempts     int
	done            bool
}

// NewProber creates a Prober seeded at MinimumMTU with DF set, ready
// to probe upward.
func NewProber() *Prober {
	return &Prober{
		maxPayloadBytes: MinimumMTU,
		df:              true,
		interval:        DefaultProbeInterval,
		maxAttempts:     DefaultMaxAttempts,
	}
}

// MaxPayloadBytes returns the largest payload size confirmed
// deliverable so far.
func (p *Prober) MaxPayloadBytes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxPayloadBytes
}

// DFSet reports whether the don't-fragment bit should still be set on
// outbound datagrams.
func (p *Prober) DFSet() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.df
}

// Tick posts a fresh probe round through sendProbe if interval has
// elapsed since the last one, up to maxAttempts rounds; after that it
// clears DF so the kernel may fragment for survivability and stops
// probing. sendProbe must hand each body to the wire as a single,
// unfragmented datagram — a probe's whole point is testing whether the
// path carries a datagram of exactly that size, so it must never be
// split by the reliable engine's own fragmentation.
func (p *Prober) Tick(now time.Time, sendProbe func(body []byte) error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done || now.Sub(p.lastProbe) < p.interval {
		return
	}
	p.lastProbe = now
	p.attempts++

	for _, target := range probeTargets {
		if err := sendProbe(make([]byte, target)); err != nil {
			log.WithError(err, "send", "Tick").Debug("failed to post MTU probe")
		}
	}
	log.WithField("attempt", p.attempts).Debug("posted MTU probe round")

	if p.attempts >= p.maxAttempts {
		p.df = false
		p.done = true
		log.Info("MTU probing exhausted attempts, clearing DF")
	}
}

// OnProbeReceived is called when a decrypted SOP_MTU_PROBE message of
// payloadLen bytes arrives. If payloadLen exceeds the current learned
// size, it records the increase and returns a SOP_MTU_SET body to
// send back; otherwise it returns ok=false and nothing should be
// sent.
func (p *Prober) OnProbeReceived(payloadLen int) (setBody []byte, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if payloadLen <= p.maxPayloadBytes {
		return nil, false
	}
	p.maxPayloadBytes = payloadLen
	log.WithField("payload_bytes", payloadLen).Info("learned larger MTU from peer probe")
	return encodeMTUSet(payloadLen), true
}

// OnSetReceived is called when a decrypted SOP_MTU_SET message
// arrives; it raises the learned size if the carried value is
// strictly greater than what is already known, and never shrinks it.
func (p *Prober) OnSetReceived(body []byte) {
	val, ok := decodeMTUSet(body)
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if val > p.maxPayloadBytes {
		p.maxPayloadBytes = val
		log.WithField("payload_bytes", val).Info("peer confirmed larger MTU")
	}
}

func encodeMTUSet(size int) []byte {
	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body, uint32(size))
	return body
}

func decodeMTUSet(body []byte) (int, bool) {
	if len(body) < 4 {
		return 0, false
	}
	return int(binary.LittleEndian.Uint32(body)), true
}
