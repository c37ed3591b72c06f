// Package connection provides retry pacing for the device manager.
//
// Two schedules are used:
//
//  1. Constant: a peer that reports "busy" during session negotiation is
//     retried a fixed number of times with a fixed delay (1 second, 4 tries
//     by default).
//  2. Exponential: after a failed joiner authentication during remote
//     passive rendezvous, the assisting device is reconnected with a short
//     growing delay so a misbehaving joiner cannot drive a reconnect storm:
//
//     100ms, 200ms, 400ms, ... up to 2s
//
// # Jitter
//
// An optional jitter spreads retries from many managers:
//
//	actual_delay = base_delay + random(0, base_delay * jitter)
package connection
