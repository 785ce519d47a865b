// Package base implements the context bus on top of stream sockets,
// independent of the concrete network (TCP, Unix sockets). Protocol specific
// parts are injected through IClientConnector and IServerConnector.
//
// Framing: every frame starts with a 20 byte header (kind, frame id, payload
// length; big endian) followed by a payload serialized with an
// serializer.IRPCSerializer. Frame kinds:
//
//   - hello: first frame of a client connection, carries the client id
//   - request / request-no-reply: client requests
//   - reply: the answer to a request, same frame id
//   - push: completions the service sends on its own (frame id 0)
//
// Key Components:
//
//   - clientTransport: manages a pool of connections with round-robin
//     selection. All pooled connections announce the same client id, so the
//     service treats them as one peer. Each connection has a reader goroutine
//     that correlates replies by frame id, forwards pushes to the push handler
//     and reconnects with exponential backoff when the connection breaks.
//
//   - serverTransport: accepts connections, groups them into peers by client
//     id and handles requests with a bounded number of workers per
//     connection. When the last connection of a peer closes the disconnect
//     handler is called.
//
// Retries: only failures to write a request are retried. A request that was
// written is never sent again; a missing reply ends in transport.ErrTimeout.
//
// Thread Safety:
//
//	All public methods are thread-safe. Writes to a connection are serialized
//	with a mutex, replies are correlated through a concurrent map.
package base
