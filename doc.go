// Package ipc implements a small request/response engine over local stream
// sockets (unix domain sockets by default).
//
// A Server accepts a bounded number of clients and drives every accepted
// Connection on its own goroutine. Incoming frames are parsed incrementally
// (see package wire) and dispatched by command:
//
//   - heartbeat: answered with an ack
//   - one-way: passed to the Handler, no reply
//   - request: passed to the Handler, its output is sent back as a response
//   - response: passed to the Handler, acknowledged with an ack
//   - ack: terminal, nothing to do
//
// A Client owns a single Connection. In synchronous mode (the default) every
// call performs its I/O on the calling goroutine and Request blocks until the
// matching response arrives or the timeout expires:
//
//	srv, err := ipc.Listen("unix", "/tmp/app.sock", ipc.HandlerFunc(reverse), ipc.ServerConfig{
//	    MaxConnections: 8,
//	})
//	...
//	client, err := ipc.Dial("unix", "/tmp/app.sock", ipc.ClientConfig{})
//	reply, err := client.Request([]byte("Hello Word"), time.Second)
//
// Group spreads requests over several servers with consistent hashing and
// keeps a pool of clients per server.
package ipc
