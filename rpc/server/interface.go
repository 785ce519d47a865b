package server

import (
	"github.com/ValentinKolb/ctxd/rpc/common"
	"github.com/ValentinKolb/ctxd/rpc/transport"
)

// IRPCServerAdapter is the interface for all RPC server adapters
// It turns a request envelope into a reply envelope.
type IRPCServerAdapter interface {
	// Handle handles a request of peer and returns the reply.
	// Errors are reported in the reply, never returned.
	Handle(peer transport.Peer, req *common.Message) (resp *common.Message)
}
