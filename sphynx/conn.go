package sphynx

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sphynx-net/sphynx/clocksync"
	"github.com/sphynx-net/sphynx/crypto"
	"github.com/sphynx-net/sphynx/internal/obs"
	"github.com/sphynx-net/sphynx/mtu"
	"github.com/sphynx-net/sphynx/reliable"
	"github.com/sphynx-net/sphynx/tick"
	"github.com/sphynx-net/sphynx/wire"
)

var connLog = obs.New("sphynx", "Conn")

// ErrMessageTooLarge is returned by WriteReliable/WriteUnreliable when
// data exceeds spec.md section 4.7's MAX_MESSAGE_DATALEN bound.
var ErrMessageTooLarge = errors.New("sphynx: message exceeds maximum message length")

// ErrBadStream is returned when a caller names a stream outside
// [0, wire.NumStreams).
var ErrBadStream = errors.New("sphynx: stream out of range")

// ErrConnClosed is returned by writes on a Conn past Close/disconnect.
var ErrConnClosed = errors.New("sphynx: connection closed")

// Conn is one established, post-handshake peer connection: the
// reliable send/recv engines, MTU learning, clock sync, and the
// cooperative tick loop that drives them all, per spec.md sections
// 4.6-4.10. Both Client and Server build connections from this same
// type; the only asymmetry is that a Client's Conn also runs a
// clocksync.Pinger to drive the ping schedule, while a Server's Conn
// only answers pings.
type Conn struct {
	// ID correlates this connection's log lines with the handshake
	// attempt (AttemptID) or connection-table record (DebugID) that
	// produced it.
	ID uuid.UUID

	mu     sync.Mutex
	send   func([]byte) error
	aead   *crypto.AEAD
	clock  crypto.TimeProvider
	closed bool

	sender   *reliable.Sender
	receiver *reliable.Receiver
	mtuProbe *mtu.Prober
	pinger   *clocksync.Pinger // non-nil only on the client side
	pong     *clocksync.Responder

	loop *tick.Loop

	onMessage func(stream uint8, data []byte)
}

// ConnHooks bundles the upcalls a Conn's owner (Client or Server) wants
// invoked as the connection's lifecycle progresses.
type ConnHooks struct {
	OnMessage    func(stream uint8, data []byte)
	OnTick       func(now time.Time)
	OnDisconnect func(reason tick.DisconnectReason)
}

// newConn builds a Conn over an already-derived AEAD session. isClient
// selects whether a clocksync.Pinger is attached; send delivers a
// ciphertext datagram to the peer.
func newConn(id uuid.UUID, aead *crypto.AEAD, isClient bool, send func([]byte) error, clock crypto.TimeProvider, now time.Time, hooks ConnHooks) *Conn {
	c := &Conn{
		ID:       id,
		send:     send,
		aead:     aead,
		clock:    clock,
		sender:   reliable.NewSender(),
		receiver: reliable.NewReceiver(),
		mtuProbe: mtu.NewProber(),
		pong:     clocksync.NewResponder(),
		onMessage: func(stream uint8, data []byte) {
			if hooks.OnMessage != nil {
				hooks.OnMessage(stream, data)
			}
		},
	}
	if isClient {
		c.pinger = clocksync.NewPinger()
	}

	onTick := hooks.OnTick
	if onTick == nil {
		onTick = func(time.Time) {}
	}
	onDisconnect := hooks.OnDisconnect
	if onDisconnect == nil {
		onDisconnect = func(tick.DisconnectReason) {}
	}

	c.loop = tick.NewLoop(tick.Hooks{
		FlushAndSend:  c.flushAndSend,
		MTUTick:       func(now time.Time) { c.mtuProbe.Tick(now, func(body []byte) error { return c.sendRaw(wire.SOPMTUProbe, body) }) },
		ClockSyncTick: c.clockSyncTick,
		SendKeepAlive: c.sendKeepAlive,
		OnTick:        onTick,
		OnDisconnect: func(reason tick.DisconnectReason) {
			c.mu.Lock()
			c.closed = true
			c.mu.Unlock()
			onDisconnect(reason)
		},
	}, now)

	return c
}

// Loop returns the connection's cooperative tick loop, so its owner
// can run it (Loop.Run) or note recv/send activity.
func (c *Conn) Loop() *tick.Loop { return c.loop }

// Estimator returns the client-side clock-drift estimator, or nil on
// a Server's Conn, which only answers pings rather than sampling
// drift itself.
func (c *Conn) Estimator() *clocksync.Estimator {
	if c.pinger == nil {
		return nil
	}
	return c.pinger.Estimator()
}

// MaxPayloadBytes returns the currently learned outbound payload
// size, per the MTU discovery state machine.
func (c *Conn) MaxPayloadBytes() int {
	return c.mtuProbe.MaxPayloadBytes()
}

// WriteReliable queues data for reliable delivery on stream, returning
// the assigned message ID.
func (c *Conn) WriteReliable(stream uint8, data []byte) (uint32, error) {
	if stream >= wire.NumStreams {
		return 0, ErrBadStream
	}
	if len(data) > wire.MaxMessageLen {
		return 0, ErrMessageTooLarge
	}
	if stream == 0 {
		// FRAG may only appear on streams 1-3: a stream 0 message must
		// always fit in a single datagram, so it is rejected up front
		// rather than silently split at flush time.
		budget := c.mtuProbe.MaxPayloadBytes() - wire.HeaderSize - 3 - crypto.Overhead
		if len(data) > budget {
			return 0, ErrMessageTooLarge
		}
	}
	if c.isClosed() {
		return 0, ErrConnClosed
	}
	return c.sender.WriteReliable(stream, wire.SOPData, data), nil
}

// WriteUnreliable sends data immediately with no retransmission and
// no delivery guarantee, per spec.md section 5's ordering guarantees.
func (c *Conn) WriteUnreliable(data []byte) error {
	if len(data) > wire.MaxMessageLen {
		return ErrMessageTooLarge
	}
	if c.isClosed() {
		return ErrConnClosed
	}
	if len(data) > c.mtuProbe.MaxPayloadBytes()-wire.HeaderSize-crypto.Overhead {
		return ErrMessageTooLarge
	}

	hdr := wire.Header{DataLen: uint16(len(data)), Reliable: false, SOP: wire.SOPData}
	buf, err := wire.Encode(nil, hdr)
	if err != nil {
		return err
	}
	buf = append(buf, data...)

	ciphertext, ok := c.aead.Encrypt(nil, buf)
	if !ok {
		return ErrConnClosed
	}
	if err := c.send(ciphertext); err != nil {
		return err
	}
	c.loop.NoteSend(c.clock.Now())
	return nil
}

// Disconnect tears the connection down with reason.
func (c *Conn) Disconnect(reason tick.DisconnectReason) {
	c.loop.Disconnect(reason)
}

// sendRaw encrypts and sends body as a single unfragmented wire
// message tagged sop, bypassing the reliable send engine's queue
// entirely. MTU probes rely on this: a probe tests whether the path
// carries a datagram of exactly its target size, so it must reach the
// socket as one piece rather than being split by the reliable engine's
// own fragmentation, which would make every probe trivially "succeed".
// Per spec.md section 4.8, SOP_MTU_PROBE and SOP_MTU_SET — the only
// two SOPs sent this way — are marked reliable on the wire even though
// they skip the ACK-tracked queue: the R bit governs retransmit
// semantics the peer cares about, not which engine emitted the
// datagram. Neither carries an ACK-ID, since they're never
// acknowledged or retransmitted by this engine.
func (c *Conn) sendRaw(sop wire.SOP, body []byte) error {
	hdr := wire.Header{DataLen: uint16(len(body)), Reliable: true, SOP: sop}
	buf, err := wire.Encode(nil, hdr)
	if err != nil {
		return err
	}
	buf = append(buf, body...)

	ciphertext, ok := c.aead.Encrypt(nil, buf)
	if !ok {
		return ErrConnClosed
	}
	return c.send(ciphertext)
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Dispatch feeds one already-socket-received ciphertext datagram into
// the connection: decrypt, then split into messages and route each by
// super-opcode. A decrypt failure is silently dropped per spec.md
// section 4.2.
func (c *Conn) Dispatch(ciphertext []byte, now time.Time) {
	plaintext, ok := c.aead.Decrypt(ciphertext)
	if !ok {
		connLog.WithField("conn_id", c.ID).Debug("dropping datagram that failed to decrypt")
		return
	}
	c.loop.NoteRecv(now)

	for len(plaintext) > 0 {
		hdr, n, err := wire.Decode(plaintext)
		if err != nil {
			return
		}
		plaintext = plaintext[n:]

		var stream uint8
		var id uint32
		if hdr.HasAckID {
			s, i, consumed, aerr := wire.DecodeAckID(plaintext)
			if aerr != nil {
				return
			}
			stream, id = s, i
			plaintext = plaintext[consumed:]
		}

		if len(plaintext) < int(hdr.DataLen) {
			return
		}
		data := plaintext[:hdr.DataLen]
		plaintext = plaintext[hdr.DataLen:]

		c.handleMessage(hdr, stream, id, data, now)
	}
}

func (c *Conn) handleMessage(hdr wire.Header, stream uint8, id uint32, data []byte, now time.Time) {
	switch hdr.SOP {
	case wire.SOPAck:
		blocks, err := decodeAckPayload(data)
		if err != nil {
			connLog.WithField("conn_id", c.ID).Debug("dropping malformed ACK payload")
			return
		}
		c.sender.OnAck(blocks, now)

	case wire.SOPData, wire.SOPFrag:
		// Every reliable message that can legitimately span more than
		// one datagram (application data on any stream) carries
		// SOPData; control traffic that must arrive as a single
		// datagram (MTU probes/sets) bypasses this path via sendRaw,
		// so a reassembled message here is always application data.
		if !hdr.Reliable {
			c.onMessage(0, data)
			return
		}
		for _, m := range c.receiver.ProcessMessage(stream, id, hdr.SOP, data) {
			c.onMessage(m.Stream, m.Data)
		}

	case wire.SOPMTUProbe:
		if setBody, ok := c.mtuProbe.OnProbeReceived(len(data)); ok {
			if err := c.sendRaw(wire.SOPMTUSet, setBody); err != nil {
				connLog.WithField("conn_id", c.ID).WithError(err, "send", "OnProbeReceived").Warn("failed to send MTU set")
			}
		}

	case wire.SOPMTUSet:
		c.mtuProbe.OnSetReceived(data)

	case wire.SOPTimePing:
		if pong, ok := c.pong.HandlePing(now, data); ok {
			c.sender.WriteReliable(0, wire.SOPTimePong, pong)
		}

	case wire.SOPTimePong:
		if c.pinger != nil {
			c.pinger.HandlePong(now, data)
		}

	case wire.SOPDisco:
		c.loop.Disconnect(tick.DisconnectApplication)
	}
}

func (c *Conn) clockSyncTick(now time.Time) {
	if c.pinger != nil {
		c.pinger.Tick(now, c.sender)
	}
}

// sendKeepAlive queues a bare SOP_TIME_PING carrying the current
// timestamp, per spec.md section 4.10 ("a SOP_TIME_PING doubles as a
// keep-alive"). It bypasses clocksync.Pinger's own interval gate so a
// keep-alive fires exactly when the tick loop's silence watermark
// demands one, independent of the steady-state sync schedule; a
// server-side Conn has no Pinger to correlate the eventual pong with,
// so it simply answers with a plain ping too and ignores any pong.
func (c *Conn) sendKeepAlive(now time.Time) {
	body := make([]byte, 8)
	binary.LittleEndian.PutUint64(body, uint64(now.UnixMilli()))
	c.sender.WriteReliable(0, wire.SOPTimePing, body)
}

func (c *Conn) flushAndSend(now time.Time) bool {
	c.sender.Retransmit(now)

	maxPayload := c.mtuProbe.MaxPayloadBytes() - crypto.Overhead
	datagrams := c.sender.Flush(maxPayload, now)

	if blocks := c.receiver.BuildAckBlocks(); len(blocks) > 0 {
		ackMsg := buildAckMessage(encodeAckPayload(blocks))
		if len(datagrams) > 0 && len(datagrams[0])+len(ackMsg) <= maxPayload {
			datagrams[0] = append(ackMsg, datagrams[0]...)
		} else {
			datagrams = append([][]byte{ackMsg}, datagrams...)
		}
	}

	sent := false
	for _, dg := range datagrams {
		ciphertext, ok := c.aead.Encrypt(nil, dg)
		if !ok {
			connLog.WithField("conn_id", c.ID).Warn("dropping datagram: send IV space exhausted")
			continue
		}
		if err := c.send(ciphertext); err != nil {
			connLog.WithField("conn_id", c.ID).WithError(err, "send", "flushAndSend").Warn("datagram send failed")
			continue
		}
		sent = true
	}
	return sent
}

func buildAckMessage(body []byte) []byte {
	buf, _ := wire.Encode(nil, wire.Header{DataLen: uint16(len(body)), Reliable: false, SOP: wire.SOPAck})
	return append(buf, body...)
}

// encodeAckPayload serializes a set of reliable.AckBlock values into
// the (Rollup, Range...) wire sequence spec.md section 4.1 describes.
func encodeAckPayload(blocks []reliable.AckBlock) []byte {
	var buf []byte
	for _, b := range blocks {
		buf, _ = wire.EncodeRollup(buf, wire.Rollup{Stream: b.Stream, ID: b.Rollup})
		for _, r := range b.Ranges {
			buf = wire.EncodeRange(buf, r)
		}
	}
	return buf
}

// decodeAckPayload parses a wire ACK payload back into AckBlocks,
// grouping each Rollup with the Ranges that follow it until the next
// Rollup or the end of the buffer.
func decodeAckPayload(buf []byte) ([]reliable.AckBlock, error) {
	var blocks []reliable.AckBlock
	for len(buf) > 0 {
		if !wire.IsRollup(buf[0]) {
			return nil, wire.ErrShortAckPayload
		}
		rollup, n, err := wire.DecodeRollup(buf)
		if err != nil {
			return nil, err
		}
		buf = buf[n:]
		block := reliable.AckBlock{Stream: rollup.Stream, Rollup: rollup.ID}

		for len(buf) > 0 && !wire.IsRollup(buf[0]) {
			r, rn, rerr := wire.DecodeRange(buf)
			if rerr != nil {
				return nil, rerr
			}
			buf = buf[rn:]
			block.Ranges = append(block.Ranges, r)
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}
