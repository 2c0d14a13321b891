package reliable

import (
	"sort"
	"sync"

	"github.com/sphynx-net/sphynx/internal/obs"
	"github.com/sphynx-net/sphynx/wire"
)

var receiverLog = obs.New("reliable", "Receiver")

type assembly struct {
	id    uint32
	total uint16
	buf   []byte
}

// Receiver is the per-connection, per-direction reliable receive
// engine from spec.md section 4.7: per-stream duplicate suppression,
// reorder buffering, fragment reassembly, and ACK-due tracking.
//
// Stream 0 is unordered: messages are delivered as soon as they are
// fully reassembled, and out-of-order arrivals are remembered (to drop
// their duplicates and to report them as ACK ranges) until the
// stream's next-expected ID moves past them. Streams 1-3
// are ordered: delivery is held back until every lower-numbered
// message on that stream has already been delivered.
type Receiver struct {
	mu            sync.Mutex
	nextExpected  [wire.NumStreams]uint32
	assembling    [wire.NumStreams]*assembly
	orderedQueue  [wire.NumStreams]map[uint32][]byte
	unorderedSeen [wire.NumStreams]map[uint32]struct{}
	gotReliable   [wire.NumStreams]bool
}

// NewReceiver creates an empty receive engine.
func NewReceiver() *Receiver {
	r := &Receiver{}
	for i := 0; i < wire.NumStreams; i++ {
		r.orderedQueue[i] = make(map[uint32][]byte)
		r.unorderedSeen[i] = make(map[uint32]struct{})
	}
	return r
}

// ProcessMessage feeds one already-decrypted, already-header-decoded
// reliable wire message into the engine and returns zero or more
// fully reassembled, in-order-delivered messages.
func (r *Receiver) ProcessMessage(stream uint8, id uint32, sop wire.SOP, data []byte) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.gotReliable[stream] = true

	payload, complete := r.reassemble(stream, id, sop, data)
	if !complete {
		return nil
	}

	if stream == 0 {
		return r.deliverUnordered(stream, id, payload)
	}
	return r.deliverOrdered(stream, id, payload)
}

func (r *Receiver) reassemble(stream uint8, id uint32, sop wire.SOP, data []byte) ([]byte, bool) {
	if sop != wire.SOPFrag {
		return data, true
	}
	if stream == 0 {
		// FRAG may only appear on streams 1-3; stream 0 messages must
		// always fit in a single datagram. A peer sending FRAG here is
		// violating the protocol, so drop it rather than reassemble.
		receiverLog.WithField("id", id).Warn("dropping FRAG received on stream 0")
		return nil, false
	}

	asm := r.assembling[stream]
	if asm == nil || asm.id != id {
		total, n, err := wire.DecodeFragmentHeader(data)
		if err != nil {
			return nil, false
		}
		asm = &assembly{id: id, total: total, buf: append([]byte(nil), data[n:]...)}
		r.assembling[stream] = asm
	} else {
		asm.buf = append(asm.buf, data...)
	}

	if len(asm.buf) < int(asm.total) {
		return nil, false
	}
	r.assembling[stream] = nil
	return asm.buf, true
}

func (r *Receiver) deliverUnordered(stream uint8, id uint32, payload []byte) []Message {
	if idLess(id, r.nextExpected[stream]) {
		return nil // old duplicate
	}

	if id != r.nextExpected[stream] {
		if _, seen := r.unorderedSeen[stream][id]; seen {
			return nil // duplicate of an out-of-order arrival
		}
		r.unorderedSeen[stream][id] = struct{}{}
	}

	if id == r.nextExpected[stream] {
		r.nextExpected[stream] = (id + 1) & wire.AckIDMask
		for {
			if _, ok := r.unorderedSeen[stream][r.nextExpected[stream]]; !ok {
				break
			}
			delete(r.unorderedSeen[stream], r.nextExpected[stream])
			r.nextExpected[stream] = (r.nextExpected[stream] + 1) & wire.AckIDMask
		}
	}
	return []Message{{Stream: stream, Data: payload}}
}

func (r *Receiver) deliverOrdered(stream uint8, id uint32, payload []byte) []Message {
	if idLess(id, r.nextExpected[stream]) {
		return nil // old duplicate
	}
	if id != r.nextExpected[stream] {
		if _, exists := r.orderedQueue[stream][id]; !exists {
			r.orderedQueue[stream][id] = payload
		}
		return nil
	}

	out := []Message{{Stream: stream, Data: payload}}
	r.nextExpected[stream] = (id + 1) & wire.AckIDMask
	for {
		next := r.nextExpected[stream]
		buf, ok := r.orderedQueue[stream][next]
		if !ok {
			break
		}
		delete(r.orderedQueue[stream], next)
		out = append(out, Message{Stream: stream, Data: buf})
		r.nextExpected[stream] = (next + 1) & wire.AckIDMask
	}
	return out
}

// BuildAckBlocks produces one AckBlock per stream that has received a
// reliable message since the last call, each Rollup set to the
// stream's current next-expected ID and Ranges covering any
// out-of-order arrivals still buffered ahead of that watermark.
func (r *Receiver) BuildAckBlocks() []AckBlock {
	r.mu.Lock()
	defer r.mu.Unlock()

	var blocks []AckBlock
	for stream := uint8(0); stream < wire.NumStreams; stream++ {
		if !r.gotReliable[stream] {
			continue
		}
		r.gotReliable[stream] = false

		rollup := r.nextExpected[stream]
		var offsets []uint32
		if stream == 0 {
			for id := range r.unorderedSeen[stream] {
				offsets = append(offsets, idDistance(rollup, id))
			}
		} else {
			for id := range r.orderedQueue[stream] {
				offsets = append(offsets, idDistance(rollup, id))
			}
		}
		sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

		blocks = append(blocks, AckBlock{
			Stream: stream,
			Rollup: rollup,
			Ranges: coalesceRanges(offsets),
		})
	}
	return blocks
}

// coalesceRanges groups sorted, de-duplicated relative offsets into
// the minimal set of contiguous Range blocks.
func coalesceRanges(offsets []uint32) []wire.Range {
	var ranges []wire.Range
	for i := 0; i < len(offsets); {
		start := offsets[i]
		end := start
		j := i + 1
		for j < len(offsets) && offsets[j] == end+1 {
			end = offsets[j]
			j++
		}
		if end == start {
			ranges = append(ranges, wire.Range{Start: start})
		} else {
			ranges = append(ranges, wire.Range{Start: start, HasEnd: true, End: end - start})
		}
		i = j
	}
	return ranges
}
