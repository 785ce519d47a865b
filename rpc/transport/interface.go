package transport

import (
	"errors"

	"github.com/ValentinKolb/ctxd/rpc/common"
)

// ErrTimeout is returned by Send when no reply arrived within the configured timeout
var ErrTimeout = errors.New("request timed out")

// ErrNotConnected is returned when no connection to the service is available
var ErrNotConnected = errors.New("not connected")

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// Peer is the client a request came from. The service uses it to push
// asynchronous completions back to that client.
type Peer interface {
	// ID identifies the client for the lifetime of its connection
	ID() string
	// Respond pushes a completion for reqID to the client
	Respond(reqID int32, subject string, code int32, output string) error
}

// ServerHandleFunc handles one request and returns the reply.
// The reply is discarded for requests that were sent without expecting one.
type ServerHandleFunc func(peer Peer, req *common.Message) (resp *common.Message)

// DisconnectFunc is called once when a peer is gone
type DisconnectFunc func(peer Peer)

// IRPCServerTransport is the service side of the context bus
type IRPCServerTransport interface {
	// RegisterHandler registers the request handler. Must be called before Listen.
	RegisterHandler(handler ServerHandleFunc)
	// RegisterDisconnectHandler registers a callback for peers that went away
	RegisterDisconnectHandler(handler DisconnectFunc)
	// Listen starts serving and blocks until Close is called or serving fails
	Listen(config common.ServerConfig) error
	// Close stops serving and drops all peers
	Close() error
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// PushHandleFunc receives completions pushed by the service
type PushHandleFunc func(msg *common.Message)

// IRPCClientTransport is the client side of the context bus
type IRPCClientTransport interface {
	// Connect initializes the transport with the given configuration
	Connect(config common.ClientConfig) error
	// RegisterPushHandler registers the receiver of pushed completions.
	// Must be called before Connect.
	RegisterPushHandler(handler PushHandleFunc)
	// Send sends a request and waits for the reply
	Send(req *common.Message) (resp *common.Message, err error)
	// SendNoReply sends a request without waiting for a reply
	SendNoReply(req *common.Message) error
	// Close closes the transport connection
	Close() error
}
