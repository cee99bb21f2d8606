// Package broker owns the single shared real-time connection to the
// irrigation platform's MQTT broker and the per-topic subscription
// registry layered on top of it.
//
// The connection uses Eclipse Paho v2's [autopaho] package for
// transport management with automatic reconnection at a fixed, bounded
// delay. The Conn exposes a small status machine (disconnected,
// connecting, connected, errored) driven only by this package; all
// other components observe it read-only via OnStatusChange.
//
// Transport failures never reach callers as errors: Publish is
// fire-and-forget, subscribe requests issued while not connected
// return inert handles, and connection loss is observable only as a
// status transition. A broker-level subscription does not survive
// reconnection; callers watching a topic must re-issue Subscribe when
// they observe the status return to connected.
package broker
