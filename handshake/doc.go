// Package handshake implements the sphynx hello/cookie/challenge/answer
// exchange described in spec.md sections 4.3 and 4.4: the client-side
// state machine (Client) that drives Connect through to a derived AEAD
// session, and the server-side responder (Responder) that stays
// stateless through cookie issuance and only commits memory once a
// challenge carries a valid cookie.
//
// Everything here builds on crypto.Initiator/crypto.Responder for the
// key-agreement math and encoding/binary for the packet framing (the
// wire package is not used before a connection is established); it owns
// only the five handshake packet shapes and the state transitions
// around them.
package handshake
