// Package conntable implements the server's per-client connection
// table described in spec.md section 4.5: a fixed-size open-addressed
// hash table keyed by client address, using a linear-congruential
// probe sequence tuned for full-period coverage. Insert fills the slot
// and counts the connection at once; the table keeps no
// recently-inserted list, and no timer step finalizes admission later.
//
// Table satisfies handshake.Table so the handshake responder can use
// it directly; Connection carries the richer per-connection state
// (AEAD session, admission time) that the reliable and tick packages
// need once a connection is past the handshake.
package conntable
