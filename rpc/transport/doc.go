// Package transport defines the contract between the context bus and the
// concrete inter-process transports.
//
// A bus carries three kinds of traffic:
//   - request/reply: a client sends a request envelope and waits for the reply
//   - request without reply: fire-and-forget writes
//   - push: the service sends an asynchronous completion (request id,
//     subject, error code, output) to one client at any time
//
// Key Components:
//
//   - IRPCClientTransport: client side; Send, SendNoReply and a push handler.
//
//   - IRPCServerTransport: service side; every request is handed to the
//     ServerHandleFunc together with the Peer it came from. The Peer is kept by
//     the service to push completions later. Peers that disconnect are reported
//     through the DisconnectFunc.
//
// Implementations: base (framed stream sockets) with the tcp and unix
// connectors, and dbus (session or system D-Bus).
package transport
