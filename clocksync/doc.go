// Package clocksync implements the ping/pong clock-drift estimator
// from spec.md section 4.9: a client-side pinger that schedules
// SOP_TIME_PING exchanges (fast at first, then at a steady interval),
// a server-side responder that echoes SOP_TIME_PONG, and a drift
// regression over a bounded ring of samples that converts a client
// timestamp into the peer's estimated clock.
package clocksync
