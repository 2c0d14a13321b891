// Package crypto implements the cryptographic collaborators the sphynx
// transport treats as opaque primitives in its wire protocol: key pairs,
// the challenge/answer key-agreement used by the handshake, the AEAD
// wrapper that encrypts every post-handshake datagram, the address-bound
// cookie issued before the server commits any per-client memory, and a
// per-connection replay window.
//
// The elliptic-curve operations are done with flynn/noise's X25519 DH
// function (the same curve the handshake engine would use if it spoke the
// Noise Protocol Framework directly), session keys are derived with
// golang.org/x/crypto/hkdf, and the bulk cipher is golang.org/x/crypto's
// ChaCha20. None of these choices are mandated by the wire format, but
// [Initiator], [Responder] and [AEAD] are concrete types rather than
// interfaces, so another primitive can only be used by changing them.
package crypto
