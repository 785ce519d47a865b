// Package unix provides Unix domain socket connectors for the base transport
// of the context bus. It is the default transport for clients and the service
// running on the same machine.
//
// Key Components:
//
//   - clientConnector: Establishes connections using Unix domain sockets
//
//   - serverConnector: Creates the socket (removing a stale one first) and
//     accepts connections
//
// The default server buffer size is 64 KB.
package unix
