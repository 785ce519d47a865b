package dbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/ValentinKolb/ctxd/rpc/common"
	"github.com/ValentinKolb/ctxd/rpc/transport"
	godbus "github.com/godbus/dbus/v5"
)

// clientTransport talks to the context service over D-Bus
type clientTransport struct {
	bus         BusType
	config      common.ClientConfig
	pushHandler transport.PushHandleFunc

	mu    sync.RWMutex
	conn  *godbus.Conn
	obj   godbus.BusObject
	dest  string
	owner string // unique name of the service, the only accepted Respond sender
}

// NewDBusClientTransport creates a client transport on the given bus.
// The first endpoint of the client config is the service bus name.
func NewDBusClientTransport(bus BusType) transport.IRPCClientTransport {
	return &clientTransport{bus: bus}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (t *clientTransport) RegisterPushHandler(handler transport.PushHandleFunc) {
	t.pushHandler = handler
}

func (t *clientTransport) Connect(config common.ClientConfig) error {
	dest := DefaultBusName
	if len(config.Endpoints) > 0 && config.Endpoints[0] != "" {
		dest = config.Endpoints[0]
	}

	conn, err := connect(t.bus)
	if err != nil {
		return fmt.Errorf("failed to connect to %s bus: %w", t.bus, err)
	}

	if err := conn.Export(&respondObject{t: t}, ObjectPath, Interface); err != nil {
		conn.Close()
		return fmt.Errorf("failed to export %s: %w", ObjectPath, err)
	}

	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
	}
	t.config = config
	t.conn = conn
	t.dest = dest
	t.obj = conn.Object(dest, ObjectPath)
	t.owner = ""
	t.mu.Unlock()

	if _, err := t.lookupOwner(); err != nil {
		Logger.Warningf("Service %s is not on the bus yet: %v", dest, err)
	}

	Logger.Infof("Connected to %s on the %s bus as %v", dest, t.bus, conn.Names())
	return nil
}

func (t *clientTransport) Send(req *common.Message) (*common.Message, error) {
	t.mu.RLock()
	obj, timeout := t.obj, t.config.Timeout()
	t.mu.RUnlock()
	if obj == nil {
		return nil, transport.ErrNotConnected
	}

	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	call := obj.CallWithContext(ctx, Interface+"."+MethodRequest, 0,
		int32(req.ReqType), req.Cookie, req.ReqID, req.Subject, req.Input)
	if call.Err != nil {
		return nil, mapCallError(call.Err)
	}

	var (
		code           int32
		result, output string
	)
	if err := call.Store(&code, &result, &output); err != nil {
		return nil, fmt.Errorf("unexpected reply: %w", err)
	}
	return common.NewReply(code, result, output), nil
}

func (t *clientTransport) SendNoReply(req *common.Message) error {
	t.mu.RLock()
	obj := t.obj
	t.mu.RUnlock()
	if obj == nil {
		return transport.ErrNotConnected
	}

	call := obj.Go(Interface+"."+MethodRequest, godbus.FlagNoReplyExpected, nil,
		int32(req.ReqType), req.Cookie, req.ReqID, req.Subject, req.Input)
	return mapCallError(call.Err)
}

func (t *clientTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	t.obj = nil
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// lookupOwner resolves and caches the unique name owning the service name
func (t *clientTransport) lookupOwner() (string, error) {
	t.mu.RLock()
	conn, dest := t.conn, t.dest
	t.mu.RUnlock()
	if conn == nil {
		return "", transport.ErrNotConnected
	}

	var owner string
	if err := conn.BusObject().Call("org.freedesktop.DBus.GetNameOwner", 0, dest).Store(&owner); err != nil {
		return "", err
	}

	t.mu.Lock()
	t.owner = owner
	t.mu.Unlock()
	return owner, nil
}

// fromService reports whether sender currently owns the service name.
// The owner is looked up again once when it does not match, since the
// service may have restarted.
func (t *clientTransport) fromService(sender string) bool {
	t.mu.RLock()
	owner := t.owner
	t.mu.RUnlock()

	if owner != "" && owner == sender {
		return true
	}
	owner, err := t.lookupOwner()
	return err == nil && owner == sender
}

// respondObject is exported on ObjectPath
type respondObject struct {
	t *clientTransport
}

// Respond is called by godbus for org.ctxd.context.Respond
func (o *respondObject) Respond(sender godbus.Sender, reqID int32, subject string, code int32, output string) *godbus.Error {
	if !o.t.fromService(string(sender)) {
		Logger.Warningf("Ignoring respond from %s, not the context service", sender)
		return godbus.NewError(errNameAccessDenied, []interface{}{"sender is not the context service"})
	}

	if o.t.pushHandler == nil {
		Logger.Warningf("Dropping respond for %s, no push handler", subject)
		return nil
	}
	o.t.pushHandler(common.NewRespond(reqID, subject, code, output))
	return nil
}
