package client

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/ValentinKolb/ctxd/lib/errcode"
	"github.com/ValentinKolb/ctxd/lib/loop"
	"github.com/ValentinKolb/ctxd/rpc/common"
	"github.com/ValentinKolb/ctxd/rpc/transport"
	"github.com/puzpuzpuz/xsync/v3"
)

// Listener receives the asynchronous completions for one subject: the
// results of Read and every publication of a subscription.
type Listener interface {
	OnPublish(subject string, reqID int32, code errcode.Code, data json.RawMessage)
}

// ListenerFunc adapts a plain function to a Listener
type ListenerFunc func(subject string, reqID int32, code errcode.Code, data json.RawMessage)

func (f ListenerFunc) OnPublish(subject string, reqID int32, code errcode.Code, data json.RawMessage) {
	f(subject, reqID, code, data)
}

// RPCClient correlates requests to the context service with the completions
// the service pushes back. At most one listener is registered per subject.
type RPCClient struct {
	config    common.ClientConfig
	transport transport.IRPCClientTransport

	ids       reqIDGenerator
	listeners *xsync.MapOf[string, Listener]

	// completions are delivered to listeners on this loop
	loop   *loop.Loop
	closed atomic.Bool
}

// NewRPCClient connects the transport and returns a client using it
func NewRPCClient(config common.ClientConfig, t transport.IRPCClientTransport) (*RPCClient, error) {
	c := &RPCClient{
		config:    config,
		transport: t,
		listeners: xsync.NewMapOf[string, Listener](),
		loop:      loop.New("rpc-client"),
	}

	t.RegisterPushHandler(c.onPush)

	if err := t.Connect(config); err != nil {
		_ = c.loop.Stop()
		return nil, fmt.Errorf("failed to connect to context service: %w", err)
	}

	return c, nil
}

// --------------------------------------------------------------------------
// Listener registry
// --------------------------------------------------------------------------

// AddListener registers l for subject, replacing an existing listener
func (c *RPCClient) AddListener(subject string, l Listener) {
	if l == nil {
		return
	}
	Logger.Debugf("registering the listener for '%s'", subject)
	c.listeners.Store(subject, l)
}

// RemoveListener removes the listener of subject. Completions arriving later
// for that subject are dropped.
func (c *RPCClient) RemoveListener(subject string) {
	c.listeners.Delete(subject)
}

// onPush is called by the transport for every completion the service pushes
func (c *RPCClient) onPush(msg *common.Message) {
	if msg == nil || msg.MsgType != common.MsgTRespond {
		return
	}
	Logger.Debugf("[Respond] ReqId: %d, Subject: %s, Code: %d", msg.ReqID, msg.Subject, msg.Code)

	subject, reqID, code, data := msg.Subject, msg.ReqID, errcode.Code(msg.Code), decodeJSON(msg.Output)
	c.loop.Dispatch(func() {
		l, ok := c.listeners.Load(subject)
		if !ok {
			Logger.Warningf("no listener for subject '%s', dropping completion of request %d", subject, reqID)
			return
		}
		l.OnPublish(subject, reqID, code, data)
	})
}

// --------------------------------------------------------------------------
// Requests
// --------------------------------------------------------------------------

// IsSupported returns nil if the service has a provider for subject
func (c *RPCClient) IsSupported(subject string) error {
	if c.closed.Load() {
		return errcode.ErrOperationFailed
	}
	req := common.NewRequest(common.ReqSupportCheck, c.ids.next(), subject, "")
	_, err := invokeRPCRequest(c.transport, req)
	return err
}

// Subscribe starts a subscription and registers l for subject if it is not
// nil. The returned request id identifies the subscription in completions and
// in Unsubscribe.
func (c *RPCClient) Subscribe(subject string, option json.RawMessage, l Listener) (int32, json.RawMessage, error) {
	if l != nil {
		c.AddListener(subject, l)
	}
	return c.request(common.ReqSubscribe, subject, option)
}

// Unsubscribe ends the subscription reqID. Completions already in flight are
// still delivered.
func (c *RPCClient) Unsubscribe(subject string, reqID int32) error {
	if c.closed.Load() {
		return errcode.ErrOperationFailed
	}
	Logger.Infof("[Unsubscribe] ReqId: %d, Subject: %s", reqID, subject)

	req := common.NewRequest(common.ReqUnsubscribe, reqID, subject, "")
	_, err := invokeRPCRequest(c.transport, req)
	return err
}

// Read requests the current value of subject. The value arrives later at the
// listener of subject with the returned request id, the returned result is the
// provider's immediate acknowledgement.
func (c *RPCClient) Read(subject string, option json.RawMessage) (int32, json.RawMessage, error) {
	return c.request(common.ReqRead, subject, option)
}

// ReadSync reads the current value of subject and waits for it. The service
// bounds the wait by its own timeout.
func (c *RPCClient) ReadSync(subject string, option json.RawMessage) (int32, json.RawMessage, error) {
	if c.closed.Load() {
		return 0, nil, errcode.ErrOperationFailed
	}
	input, err := encodeJSON(option)
	if err != nil {
		return 0, nil, err
	}

	reqID := c.ids.next()
	Logger.Infof("[ReadSync] ReqId: %d, Subject: %s", reqID, subject)

	resp, err := invokeRPCRequest(c.transport, common.NewRequest(common.ReqReadSync, reqID, subject, input))
	if resp == nil {
		return reqID, nil, err
	}
	return reqID, decodeJSON(resp.Output), err
}

// Write sends data to subject without waiting for the outcome
func (c *RPCClient) Write(subject string, data json.RawMessage) error {
	if c.closed.Load() {
		return errcode.ErrOperationFailed
	}
	input, err := encodeJSON(data)
	if err != nil {
		return err
	}

	reqID := c.ids.next()
	Logger.Infof("[Write] ReqId: %d, Subject: %s", reqID, subject)

	if err := c.transport.SendNoReply(common.NewRequest(common.ReqWrite, reqID, subject, input)); err != nil {
		Logger.Warningf("write to %s (reqID=%d) failed: %v", subject, reqID, err)
		return errcode.Of(err)
	}
	return nil
}

// WriteWithReply sends data to subject and returns the result of the provider
func (c *RPCClient) WriteWithReply(subject string, data json.RawMessage) (json.RawMessage, error) {
	_, result, err := c.request(common.ReqWrite, subject, data)
	return result, err
}

// request sends a request that is answered with a result
func (c *RPCClient) request(reqType common.RequestType, subject string, input json.RawMessage) (int32, json.RawMessage, error) {
	if c.closed.Load() {
		return 0, nil, errcode.ErrOperationFailed
	}
	in, err := encodeJSON(input)
	if err != nil {
		return 0, nil, err
	}

	reqID := c.ids.next()
	Logger.Infof("[%s] ReqId: %d, Subject: %s", reqType, reqID, subject)

	resp, err := invokeRPCRequest(c.transport, common.NewRequest(reqType, reqID, subject, in))
	if resp == nil {
		return reqID, nil, err
	}
	return reqID, decodeJSON(resp.Result), err
}

// Close closes the transport and waits until all completions received so far
// were delivered
func (c *RPCClient) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.transport.Close()
	if stopErr := c.loop.Stop(); err == nil {
		err = stopErr
	}
	return err
}
