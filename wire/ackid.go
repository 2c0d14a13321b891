package wire

import "errors"

// NumStreams is the number of reliable streams per direction: stream 0
// is unordered, streams 1-3 are ordered.
const NumStreams = 4

// ackIDBits is the width of an ACK-ID: 20 bits, monotonically
// increasing modulo 2^20.
const ackIDBits = 20

// AckIDMask wraps an ACK-ID into its 20-bit space.
const AckIDMask = 1<<ackIDBits - 1

// ErrShortAckID is returned when the buffer ends before a complete
// ACK-ID has been decoded.
var ErrShortAckID = errors.New("wire: buffer too short for ACK-ID")

// ErrBadStream is returned when a stream selector is out of range.
var ErrBadStream = errors.New("wire: stream selector out of range")

// EncodeAckID appends the variable-length (1-3 byte) ACK-ID field for
// stream/id to dst, using the shortest form that holds id.
// EncodeAckIDForce3 always uses the full 3-byte form instead; the
// reliable sender uses it when retransmitting a message.
//
// Layout: byte 0 carries a 2-bit stream selector, IDA (the low 5 bits
// of the 20-bit ID), and a continuation bit. Byte 1, if present, adds
// IDB (the next 7 ID bits) and another continuation bit. Byte 2, if
// present, adds IDC (the high 8 ID bits). Low-order bits go first so
// that small, frequently-incrementing IDs — the common case early in a
// connection — compress to a single byte.
func EncodeAckID(dst []byte, stream uint8, id uint32) ([]byte, error) {
	return encodeAckID(dst, stream, id, false)
}

// EncodeAckIDForce3 is EncodeAckID using the always-3-byte retransmit
// form.
func EncodeAckIDForce3(dst []byte, stream uint8, id uint32) ([]byte, error) {
	return encodeAckID(dst, stream, id, true)
}

func encodeAckID(dst []byte, stream uint8, id uint32, force3 bool) ([]byte, error) {
	if stream >= NumStreams {
		return dst, ErrBadStream
	}
	id &= AckIDMask

	ida := byte(id & 0x1f)
	idb := byte((id >> 5) & 0x7f)
	idc := byte((id >> 12) & 0xff)

	needsByte2 := force3 || idc != 0
	// A nonzero idb requires at least byte 1; byte 1's continuation bit
	// is set only when byte 2 follows.
	needsByte1 := needsByte2 || idb != 0

	b0 := (stream&0x3)<<6 | ida<<1
	if needsByte1 {
		b0 |= 1
		dst = append(dst, b0)
		b1 := idb << 1
		if needsByte2 {
			b1 |= 1
			dst = append(dst, b1, idc)
		} else {
			dst = append(dst, b1)
		}
	} else {
		dst = append(dst, b0)
	}
	return dst, nil
}

// DecodeAckID parses a variable-length ACK-ID from the front of buf,
// returning the stream selector, the 20-bit ID, and the number of
// bytes consumed.
func DecodeAckID(buf []byte) (stream uint8, id uint32, consumed int, err error) {
	if len(buf) < 1 {
		return 0, 0, 0, ErrShortAckID
	}
	b0 := buf[0]
	stream = (b0 >> 6) & 0x3
	id = uint32(b0 >> 1 & 0x1f)
	consumed = 1
	if b0&1 == 0 {
		return stream, id, consumed, nil
	}

	if len(buf) < 2 {
		return 0, 0, 0, ErrShortAckID
	}
	b1 := buf[1]
	id |= uint32(b1>>1&0x7f) << 5
	consumed = 2
	if b1&1 == 0 {
		return stream, id, consumed, nil
	}

	if len(buf) < 3 {
		return 0, 0, 0, ErrShortAckID
	}
	id |= uint32(buf[2]) << 12
	consumed = 3
	return stream, id, consumed, nil
}
