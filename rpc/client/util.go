package client

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"github.com/ValentinKolb/ctxd/lib/errcode"
	"github.com/ValentinKolb/ctxd/rpc/common"
	"github.com/ValentinKolb/ctxd/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	Logger = logger.GetLogger("rpc")
)

// reqIDGenerator hands out request ids in 1..MaxInt32. After MaxInt32 the
// counter wraps back to 1.
type reqIDGenerator struct {
	mu   sync.Mutex
	last int32
}

func (g *reqIDGenerator) next() int32 {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.last == math.MaxInt32 || g.last < 0 {
		g.last = 0
	}
	g.last++
	return g.last
}

// invokeRPCRequest sends a request and waits for its reply.
// Failures of the transport are returned as errcode.ErrOperationFailed unless
// they already carry a code (e.g. ErrPermissionDenied from the D-Bus transport).
// A reply with a non zero code is returned together with that code as error.
func invokeRPCRequest(t transport.IRPCClientTransport, req *common.Message) (*common.Message, error) {
	resp, err := t.Send(req)
	if err != nil {
		Logger.Warningf("%s request for %s (reqID=%d) failed: %v", req.ReqType, req.Subject, req.ReqID, err)
		return nil, errcode.Of(err)
	}
	if resp == nil {
		return nil, errcode.ErrOperationFailed
	}

	switch resp.MsgType {
	case common.MsgTReply:
		return resp, errcode.Code(resp.Code).Err()
	case common.MsgTError:
		Logger.Warningf("%s request for %s (reqID=%d) rejected: %s", req.ReqType, req.Subject, req.ReqID, resp.Err)
		code := errcode.Code(resp.Code)
		if code == errcode.ErrNone {
			code = errcode.ErrOperationFailed
		}
		return resp, code
	default:
		Logger.Errorf("unexpected message type %s in reply to %s", resp.MsgType, req.ReqType)
		return nil, errcode.ErrOperationFailed
	}
}

// encodeJSON turns an optional JSON value into the string carried by the
// envelope. nil and empty values become "{}".
func encodeJSON(v json.RawMessage) (string, error) {
	if len(v) == 0 {
		return common.EmptyJSON, nil
	}
	if !json.Valid(v) {
		return "", fmt.Errorf("invalid json: %w", errcode.ErrInvalidParameter)
	}
	return string(v), nil
}

// decodeJSON turns a JSON string of the envelope into a json.RawMessage.
// An empty string yields nil.
func decodeJSON(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}
