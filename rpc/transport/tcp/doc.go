// Package tcp provides TCP connectors for the base transport of the context
// bus. Connections are upgraded with TCP_NODELAY and keep-alive, since
// subscribers may stay idle on a connection for a long time.
//
// Key Components:
//
//   - clientConnector: TCP-specific implementation of base.IClientConnector
//
//   - serverConnector: TCP-specific implementation of base.IServerConnector
package tcp
