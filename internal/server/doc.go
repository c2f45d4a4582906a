// Package server runs the tablesync stream-socket server.
//
// # Overview
//
// A Server binds the configured address, accepts connections on its own
// goroutine and runs one session per connection. Identifiers come from a
// per-server counter starting at 0 and are never reused.
//
//	     Start()
//	        │
//	┌───────▼────────┐   accept    ┌──────────────┐
//	│  accept loop   ├────────────►│  Serve(conn) │
//	└────────────────┘             └──────┬───────┘
//	                                      │ id = next()
//	                          ┌───────────▼───────────┐
//	                          │ session.New + hub.Join│
//	                          └───────────┬───────────┘
//	                                      │ go Run(ctx)
//	                                      ▼
//	                            processing loop ◄── mailbox
//
// Serve also adopts connections accepted elsewhere, such as WebSocket
// upgrades from the admin API, so every transport shares the same table
// and registry.
//
// # Operator API
//
// Connections, Table and Terminate are what the console and the admin API
// use. They return copies and never expose the registry or table locks.
//
// # Errors
//
// A bind failure is returned from Start. Errors accepting a single
// connection are logged and the loop continues.
package server
