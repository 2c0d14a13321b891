// Package reliable implements the per-stream reliable delivery state
// machines described in spec.md sections 4.6 and 4.7: a send engine
// (per-stream FIFO queue, sent-list, retransmit scheduler, fragment
// producer) and a receive engine (per-stream reorder buffer, duplicate
// suppression, fragment reassembly, ACK-due tracking).
//
// Both engines operate on already-decrypted message bytes; encoding
// and decoding individual messages is the wire package's job, and
// encrypting/decrypting whole datagrams is the crypto package's.
package reliable
