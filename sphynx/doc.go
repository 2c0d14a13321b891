// Package sphynx is the top-level client/server API for the transport
// described across the wire, crypto, handshake, conntable, reliable,
// mtu, clocksync, and tick packages: a secure, connection-oriented,
// reliable message transport over UDP.
//
// Client dials a server's known long-term public key, drives the
// hello/cookie/challenge/answer handshake, and on success hands back a
// Conn whose WriteReliable/WriteUnreliable/OnMessage surface the
// reliable-send/recv engines. Server listens on a bootstrap port,
// admits clients into a conntable.Table, and spreads admitted
// connections across a pool of session-worker ports.
//
// Every Conn runs its own cooperative tick.Loop goroutine driving
// retransmission, MTU reprobing, clock sync, and keep-alives, mirroring
// spec.md section 4.10's "single cooperative timer thread per client".
package sphynx
