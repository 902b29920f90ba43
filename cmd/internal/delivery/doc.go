// Package delivery pushes freshly appended chat messages to live subscribers.
//
// Broker is the in-process registry: every subscription owns a bounded queue and a
// goroutine, so Publish never blocks on a slow listener (events are dropped instead and
// recovered by catch-up). RedisBroker adds cross-process fanout on top of a local Broker.
package delivery
