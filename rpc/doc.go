// Package rpc provides the message bus between clients and the context service.
//
// The package is organized into several subpackages:
//
//   - common: The request/reply/respond envelope, configuration structures and
//     the logger factory.
//
//   - transport: Bus abstractions with pluggable implementations (TCP, Unix
//     sockets, D-Bus). All of them can push completions to the client.
//
//   - serializer: Message serialization for the socket transports (Binary, JSON, GOB).
//
//   - client: The request correlator used by applications.
//
//   - server: Binds a transport to the context manager.
package rpc
