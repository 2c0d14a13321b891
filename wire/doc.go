// Package wire implements the sphynx datagram framing codec: the
// per-message header, the variable-length ACK-ID field, the fragment
// header, and the ACK payload's rollup/range blocks. Everything here
// operates on already-decrypted bytes — the AEAD boundary is the
// crypto package's concern, not this one's.
//
// The codec is deliberately allocation-light: callers pass in a
// destination slice to append to on encode, and a read-only slice to
// parse on decode, so the reliable-send and reliable-recv engines can
// build or walk a datagram's worth of messages without per-message
// heap churn.
package wire
