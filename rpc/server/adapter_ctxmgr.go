package server

import (
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/ctxd/lib/ctxmgr"
	"github.com/ValentinKolb/ctxd/lib/errcode"
	"github.com/ValentinKolb/ctxd/rpc/common"
	"github.com/ValentinKolb/ctxd/rpc/transport"
)

// NewCtxMgrServerAdapter creates the adapter that hands requests to mgr
func NewCtxMgrServerAdapter(mgr *ctxmgr.Manager) IRPCServerAdapter {
	return &ctxMgrServerAdapterImpl{mgr: mgr}
}

type ctxMgrServerAdapterImpl struct {
	mgr *ctxmgr.Manager
}

var requestOps = map[common.RequestType]ctxmgr.Op{
	common.ReqSubscribe:    ctxmgr.OpSubscribe,
	common.ReqUnsubscribe:  ctxmgr.OpUnsubscribe,
	common.ReqRead:         ctxmgr.OpRead,
	common.ReqReadSync:     ctxmgr.OpReadSync,
	common.ReqWrite:        ctxmgr.OpWrite,
	common.ReqSupportCheck: ctxmgr.OpSupportCheck,
}

func (adapter *ctxMgrServerAdapterImpl) Handle(peer transport.Peer, req *common.Message) *common.Message {
	if req.MsgType != common.MsgTRequest {
		return common.NewErrorResponse(int32(errcode.ErrInvalidParameter),
			fmt.Sprintf("RPC CtxMgrAdapter - Unexpected message type: %s", req.MsgType))
	}

	op, ok := requestOps[req.ReqType]
	if !ok {
		return common.NewErrorResponse(int32(errcode.ErrInvalidParameter),
			fmt.Sprintf("RPC CtxMgrAdapter - Unsupported request type: %s", req.ReqType))
	}
	if req.Subject == "" {
		return common.NewReply(int32(errcode.ErrInvalidParameter), "", "")
	}

	var input json.RawMessage
	if req.Input != "" {
		input = json.RawMessage(req.Input)
	}

	reply := adapter.mgr.HandleRequest(ctxmgr.Request{
		Op:      op,
		ReqID:   req.ReqID,
		Subject: req.Subject,
		Input:   input,
		Client:  peer,
	})

	return common.NewReply(int32(reply.Code), orEmpty(reply.Result), orEmpty(reply.Output))
}

// orEmpty returns the JSON text of v, "{}" if v is empty
func orEmpty(v json.RawMessage) string {
	if len(v) == 0 {
		return common.EmptyJSON
	}
	return string(v)
}
