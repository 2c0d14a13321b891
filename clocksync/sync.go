package clocksync

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/sphynx-net/sphynx/internal/obs"
	"github.com/sphynx-net/sphynx/reliable"
	"github.com/sphynx-net/sphynx/wire"
)

var log = obs.New("clocksync", "Pinger")

// TimeSyncFast is the ping interval used for the first FastSampleCount
// samples, to converge on a drift estimate quickly after connecting.
const TimeSyncFast = 5 * time.Second

// TimeSyncInterval is the steady-state ping interval used once
// FastSampleCount samples have been taken.
const TimeSyncInterval = 20 * time.Second

// FastSampleCount is the number of samples taken at TimeSyncFast
// before switching to TimeSyncInterval.
const FastSampleCount = 8

// pingBodyLen is an 8-byte millisecond timestamp (T0).
const pingBodyLen = 8

// pongBodyLen is two 8-byte millisecond timestamps (T0, T1).
const pongBodyLen = 16

// Pinger is the client side of the exchange: it schedules
// SOP_TIME_PING sends and, on each SOP_TIME_PONG reply, feeds a
// sample into an Estimator.
type Pinger struct {
	mu        sync.Mutex
	estimator *Estimator
	last      time.Time
	sent      int
	outT0     map[int64]time.Time // in-flight pings keyed by the T0 millis value sent
}

// NewPinger creates a client-side pinger with a fresh Estimator.
func NewPinger() *Pinger {
	return &Pinger{
		estimator: NewEstimator(),
		outT0:     make(map[int64]time.Time),
	}
}

// Estimator returns the drift estimator this pinger feeds.
func (p *Pinger) Estimator() *Estimator {
	return p.estimator
}

func (p *Pinger) interval() time.Duration {
	if p.sent < FastSampleCount {
		return TimeSyncFast
	}
	return TimeSyncInterval
}

// Tick posts a SOP_TIME_PING through sender if the current interval
// has elapsed since the last one.
func (p *Pinger) Tick(now time.Time, sender *reliable.Sender) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.last.IsZero() && now.Sub(p.last) < p.interval() {
		return
	}
	p.last = now
	p.sent++

	t0 := now.UnixMilli()
	body := make([]byte, pingBodyLen)
	binary.LittleEndian.PutUint64(body, uint64(t0))
	p.outT0[t0] = now
	sender.WriteReliable(0, wire.SOPTimePing, body)

	log.WithField("sample", p.sent).Debug("posted time sync ping")
}

// HandlePong processes a decrypted SOP_TIME_PONG body received at
// local time now (T2), computing RTT = T2-T0 and delta = T1-T0-RTT/2
// and feeding the result into the estimator.
func (p *Pinger) HandlePong(now time.Time, body []byte) bool {
	t0Millis, t1Millis, ok := decodePong(body)
	if !ok {
		return false
	}

	p.mu.Lock()
	sent, known := p.outT0[t0Millis]
	if known {
		delete(p.outT0, t0Millis)
	}
	p.mu.Unlock()
	if !known {
		sent = time.UnixMilli(t0Millis)
	}

	t0 := time.UnixMilli(t0Millis)
	t1 := time.UnixMilli(t1Millis)
	rtt := now.Sub(t0)
	if rtt < 0 {
		rtt = 0
	}
	delta := t1.Sub(t0) - rtt/2

	p.estimator.AddSample(Sample{When: sent, RTT: rtt, Delta: delta})
	return true
}

// Responder is the server side: it echoes every SOP_TIME_PING with a
// SOP_TIME_PONG carrying (client T0, local receive time T1).
type Responder struct{}

// NewResponder creates a server-side clock-sync responder.
func NewResponder() *Responder { return &Responder{} }

// HandlePing decodes a SOP_TIME_PING body and returns the
// SOP_TIME_PONG body to send back, stamped with now as T1.
func (r *Responder) HandlePing(now time.Time, body []byte) ([]byte, bool) {
	if len(body) < pingBodyLen {
		return nil, false
	}
	t0 := binary.LittleEndian.Uint64(body)
	pong := make([]byte, pongBodyLen)
	binary.LittleEndian.PutUint64(pong[0:8], t0)
	binary.LittleEndian.PutUint64(pong[8:16], uint64(now.UnixMilli()))
	return pong, true
}

func decodePong(body []byte) (t0Millis, t1Millis int64, ok bool) {
	if len(body) < pongBodyLen {
		return 0, 0, false
	}
	t0Millis = int64(binary.LittleEndian.Uint64(body[0:8]))
	t1Millis = int64(binary.LittleEndian.Uint64(body[8:16]))
	return t0Millis, t1Millis, true
}
