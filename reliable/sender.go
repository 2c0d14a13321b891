package reliable

import (
	"sync"
	"time"

	"github.com/sphynx-net/sphynx/internal/obs"
	"github.com/sphynx-net/sphynx/wire"
)

var senderLog = obs.New("reliable", "Sender")

type sendNode struct {
	id            uint32
	stream        uint8
	sop           wire.SOP
	data          []byte
	sentBytes     int
	firstSend     time.Time
	lastSend      time.Time
	retransmitted bool
}

// Sender is the per-connection, per-direction reliable send engine
// from spec.md section 4.6: a FIFO send-queue and a sent-list per
// stream, a fragment producer, and ACK-driven retirement.
type Sender struct {
	mu                 sync.Mutex
	queue              [wire.NumStreams][]*sendNode
	sentList           [wire.NumStreams][]*sendNode
	nextSendID         [wire.NumStreams]uint32
	nextRemoteExpected [wire.NumStreams]uint32
	rtt                time.Duration
}

// NewSender creates an empty send engine.
func NewSender() *Sender {
	return &Sender{rtt: DefaultRTT}
}

// WriteReliable queues data for reliable delivery on stream with
// super-opcode sop, returning the assigned message ID.
func (s *Sender) WriteReliable(stream uint8, sop wire.SOP, data []byte) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSendID[stream]
	s.nextSendID[stream] = (id + 1) & wire.AckIDMask

	node := &sendNode{id: id, stream: stream, sop: sop, data: data}
	s.queue[stream] = append(s.queue[stream], node)
	return id
}

// Pending reports whether any stream has unsent or unacknowledged
// reliable data outstanding.
func (s *Sender) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < wire.NumStreams; i++ {
		if len(s.queue[i]) > 0 || len(s.sentList[i]) > 0 {
			return true
		}
	}
	return false
}

// Flush drains queued messages into one or more datagram bodies, each
// at most maxPayloadBytes, per spec.md section 4.6's flush algorithm.
// ACK-ID is always encoded explicitly on every reliable message; this
// implementation skips the spec's optional "coalesce a shared ACK-ID
// prefix" bandwidth optimization since every receiver can decode an
// explicit ID regardless, so correctness does not depend on it.
func (s *Sender) Flush(maxPayloadBytes int, now time.Time) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	var datagrams [][]byte
	var buf []byte

	flushCurrent := func() {
		if len(buf) > 0 {
			datagrams = append(datagrams, buf)
			buf = nil
		}
	}

	const baseOverhead = wire.HeaderSize + 3 // header + worst-case 3-byte ACK-ID

	for stream := uint8(0); stream < wire.NumStreams; stream++ {
		for len(s.queue[stream]) > 0 {
			node := s.queue[stream][0]
			dataLeft := node.data[node.sentBytes:]
			isFirstSlice := node.sentBytes == 0

			availPlain := maxPayloadBytes - len(buf) - baseOverhead
			if availPlain >= len(dataLeft) {
				sop := node.sop
				if !isFirstSlice {
					sop = wire.SOPFrag
				}
				buf = appendMessage(buf, stream, node.id, sop, dataLeft, 0, 0, node.retransmitted)
				node.sentBytes = len(node.data)
				node.firstSend = now
				node.lastSend = now
				s.queue[stream] = s.queue[stream][1:]
				s.sentList[stream] = append(s.sentList[stream], node)
				continue
			}

			if stream == 0 {
				// FRAG may only appear on streams 1-3: a stream 0
				// message that doesn't fit in the current datagram is
				// flushed into a fresh one instead of being split.
				// Conn.WriteReliable rejects stream 0 messages that can
				// never fit at all; Sender.WriteReliable does not, so a
				// message that cannot fit an empty datagram is dropped.
				if len(buf) == 0 {
					senderLog.Warn("stream 0 message exceeds payload budget and cannot fragment, dropping")
					node.sentBytes = len(node.data)
					s.queue[stream] = s.queue[stream][1:]
					continue
				}
				flushCurrent()
				continue
			}

			fragHeaderLen := 0
			if isFirstSlice {
				fragHeaderLen = wire.FragmentHeaderSize
			}
			availSplit := maxPayloadBytes - len(buf) - baseOverhead - fragHeaderLen
			if availSplit < FragThreshold {
				if len(buf) == 0 {
					senderLog.Warn("max payload too small to fit even a fragment threshold prefix")
					flushCurrent()
					return datagrams
				}
				flushCurrent()
				continue
			}

			slice := dataLeft[:availSplit]
			buf = appendMessage(buf, stream, node.id, wire.SOPFrag, slice, fragHeaderLen, uint16(len(node.data)), node.retransmitted)
			node.sentBytes += availSplit
			if node.firstSend.IsZero() {
				node.firstSend = now
			}
			node.lastSend = now
		}
	}
	flushCurrent()
	return datagrams
}

func appendMessage(buf []byte, stream uint8, id uint32, sop wire.SOP, data []byte, fragHeaderLen int, totalBytes uint16, force3 bool) []byte {
	dataLen := fragHeaderLen + len(data)
	hdr := wire.Header{DataLen: uint16(dataLen), HasAckID: true, Reliable: true, SOP: sop}
	buf, _ = wire.Encode(buf, hdr)
	if force3 {
		buf, _ = wire.EncodeAckIDForce3(buf, stream, id)
	} else {
		buf, _ = wire.EncodeAckID(buf, stream, id)
	}
	if fragHeaderLen > 0 {
		buf = wire.EncodeFragmentHeader(buf, totalBytes)
	}
	return append(buf, data...)
}

// Retransmit requeues any sent-but-unacknowledged node whose silence
// exceeds max(2*RTT, MinRTO), per spec.md section 4.6. Retransmission
// re-sends the whole original message (re-fragmenting as needed on the
// next Flush) rather than replaying the exact original fragment split,
// since ACK bookkeeping operates at message-ID granularity, not
// fragment granularity.
func (s *Sender) Retransmit(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rto := 2 * s.rtt
	if rto < MinRTO {
		rto = MinRTO
	}

	for stream := uint8(0); stream < wire.NumStreams; stream++ {
		var kept []*sendNode
		for _, node := range s.sentList[stream] {
			if now.Sub(node.lastSend) >= rto {
				node.sentBytes = 0
				node.retransmitted = true
				s.queue[stream] = append([]*sendNode{node}, s.queue[stream]...)
			} else {
				kept = append(kept, node)
			}
		}
		s.sentList[stream] = kept
	}
}

// AckBlock is one (Rollup, Range...) group from a decoded ACK payload,
// scoped to a single stream.
type AckBlock struct {
	Stream uint8
	Rollup uint32
	Ranges []wire.Range
}

// OnAck retires every sent-list node covered by blocks: ids strictly
// below a block's Rollup, or within one of its Ranges (each Range's
// Start/End are offsets relative to that block's Rollup). RTT samples
// are taken only from nodes that were never retransmitted, to avoid
// Karn's-algorithm ambiguity.
func (s *Sender) OnAck(blocks []AckBlock, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, block := range blocks {
		stream := block.Stream
		if idLess(s.nextRemoteExpected[stream], block.Rollup) {
			s.nextRemoteExpected[stream] = block.Rollup
		}

		var kept []*sendNode
		for _, node := range s.sentList[stream] {
			if s.covered(node.id, block) {
				if !node.retransmitted {
					sample := now.Sub(node.firstSend)
					s.updateRTT(sample)
				}
				continue
			}
			kept = append(kept, node)
		}
		s.sentList[stream] = kept
	}
}

func (s *Sender) covered(id uint32, block AckBlock) bool {
	if idLess(id, block.Rollup) {
		return true
	}
	offset := idDistance(block.Rollup, id)
	for _, r := range block.Ranges {
		hi := r.Start
		if r.HasEnd {
			hi = r.Start + r.End
		}
		if offset >= r.Start && offset <= hi {
			return true
		}
	}
	return false
}

func (s *Sender) updateRTT(sample time.Duration) {
	if sample <= 0 {
		return
	}
	// simple EWMA, alpha = 1/8, matching the conventional TCP-style
	// smoothing factor.
	s.rtt = s.rtt + (sample-s.rtt)/8
}

// RTT returns the current smoothed round-trip-time estimate.
func (s *Sender) RTT() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rtt
}
