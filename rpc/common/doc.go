// Package common provides the data structures shared by the client, the
// server and the transports of the context bus.
//
// Key Components:
//
//   - Message: the envelope for all bus traffic. A request carries
//     (request type, cookie, request id, subject, input); the reply carries
//     (error code, result, output); a respond message carries an asynchronous
//     completion (request id, subject, error code, output) pushed from the
//     service to the client.
//
//   - MessageType / RequestType: envelope kinds and the wire-stable request
//     operations 1..6 (subscribe, unsubscribe, read, read_sync, write,
//     support_check).
//
//   - ServerConfig / ClientConfig: configuration of the service and of bus
//     clients, with String renderers for startup output.
//
//   - Logger: a dragonboat logger.Factory that gives every package a named
//     logger with consistent formatting.
package common
