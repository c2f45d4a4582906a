// Package hub connects the shared table with the live connections.
//
// # Overview
//
// The Registry indexes connections by identifier. The Hub owns the
// publish path: an update is merged into the table and then queued on the
// mailbox of every other authenticated connection, exactly once each.
//
//	             Publish(origin, delta)
//	                      │
//	              ┌───────▼────────┐
//	              │   publishMu    │
//	              └───────┬────────┘
//	          Merge       │       Peers()
//	   ┌──────────────────┼──────────────────┐
//	   ▼                  ▼                  ▼
//	┌───────┐    ┌──────────────────┐   ┌─────────┐
//	│ Table │    │  UpdateOK(delta) │   │Registry │
//	└───────┘    └────────┬─────────┘   └─────────┘
//	                      │ Deliver
//	        ┌─────────────┼─────────────┐
//	        ▼             ▼             ▼
//	   mailbox B     mailbox C     mailbox D
//
// Each connection loop drains only its own mailbox, so delivery does not
// depend on which loop runs first or how fast each one is.
//
// # Ordering
//
// Publish holds one mutex across the merge and the fan-out, so every
// mailbox sees deltas in the order they were applied to the table. Admit
// takes the same mutex to hand a joining connection its snapshot: the
// connection then receives exactly the updates applied after it.
//
// # Echo
//
// By default the originating connection does not receive its own update.
// WithEcho(true) delivers it to the origin as well.
//
// # Handshake Timeout
//
// HandshakeMonitor scans the registry and rejects connections that stay
// unauthenticated longer than a configured timeout.
package hub
