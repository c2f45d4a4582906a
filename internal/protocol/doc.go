// Package protocol defines the tablesync wire protocol: how messages are
// framed on a stream socket and which messages clients and server exchange.
//
// # Framing
//
// A connection carries a sequence of frames. Each frame is a 4-byte
// big-endian payload length followed by the payload, a UTF-8 JSON object:
//
//	┌──────────┬────────────────────────────────────────┐
//	│ 00 00 00 │ {"type":"handshake","name":"alice"}    │
//	│ 23       │                                        │
//	└──────────┴────────────────────────────────────────┘
//
// The length prefix makes message boundaries explicit, so payloads may
// contain any text and a frame may be split across any number of socket
// reads. Framer buffers the partial tail of a read until the frame
// completes. Oversized frames are skipped without losing alignment.
//
// # Messages
//
// Every payload is a tagged-value object with a "type" field.
//
// Handshake (client → server):
//
//	{"type":"handshake","name":"alice"}
//
// Handshake response (server → client):
//
//	{"type":"handshake","status":"ok","id":0,"table":{...}}
//	{"type":"handshake","status":"error","message":"...","terminate":true}
//
// Update (client → server) and fan-out (server → peers):
//
//	{"type":"update","table":{"x":1}}
//	{"type":"update","status":"ok","table":{"x":1}}
//
// Failure response to a rejected message (connection stays open):
//
//	{"type":"update","status":"error","message":"..."}
//
// Any server message may carry "terminate":true; the connection closes
// right after sending it. The operator console sends the bare directive
// {"terminate":true}.
//
// # Names
//
// A display name must be non-empty and consist only of Unicode letters
// and digits (ValidName).
package protocol
