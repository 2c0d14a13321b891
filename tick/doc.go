// Package tick implements the single cooperative timer loop from
// spec.md section 4.10: one goroutine per connection that, every
// TickRate, drives retransmit/flush, MTU reprobing, clock-sync
// pinging, the disconnect-timeout check, keep-alive, and the
// application's on_tick upcall.
package tick
