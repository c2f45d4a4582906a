// Package session runs one client connection of the tablesync server.
//
// # Overview
//
// A Session owns a socket, a handshake state and a Mailbox. It reads framed
// messages from the client, applies them through the Hub and writes the
// envelopes that other parts of the server queue for it.
//
// # Architecture
//
//	           ┌──────────────────────────────────────┐
//	socket ───►│ reader goroutine ── chunks ──┐       │
//	           │                              ▼       │
//	           │  processing loop: frame, handle,     │──► Hub.Publish
//	           │  drain mailbox ─────────────────────►│──► socket
//	           │            ▲                         │
//	           └────────────┼─────────────────────────┘
//	             Mailbox.Push (fan-out, console, monitor)
//
// The reader goroutine is the only place that blocks on the socket. The
// processing loop selects over incoming chunks, mailbox wake-ups, a poll
// ticker and context cancellation, so a queued envelope reaches the socket
// without waiting for the client to send anything.
//
// # Handshake State Machine
//
//	Unauthenticated ──handshake(valid name)──► Authenticated
//	       │
//	       └──handshake(invalid name)────────► Rejected (connection closes)
//
// Only a handshake is accepted before authentication. A second handshake,
// an update before the handshake, a message without a type or with an
// unknown type are protocol errors: the client gets a failure response
// and the connection stays open.
//
// # Termination
//
// The loop ends when the client closes the stream, a write fails or times
// out, a terminate directive has been written, the mailbox overflows, or
// the context is cancelled. Pending envelopes are then flushed on a best
// effort basis, the socket is closed and the session leaves the hub.
//
// # Mailbox
//
// A Mailbox is a FIFO with a wake channel. Pushing never blocks. A closed
// mailbox refuses envelopes with ErrMailboxClosed; a mailbox at its limit
// closes itself and reports ErrMailboxFull, which ends the session.
package session
