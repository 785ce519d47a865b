package dbus

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ValentinKolb/ctxd/lib/errcode"
	"github.com/ValentinKolb/ctxd/rpc/common"
	"github.com/ValentinKolb/ctxd/rpc/transport"
	godbus "github.com/godbus/dbus/v5"
	"github.com/puzpuzpuz/xsync/v3"
)

// peer is a client identified by its unique bus name
type peer struct {
	name string
	conn *godbus.Conn
}

func (p *peer) ID() string {
	return p.name
}

func (p *peer) Respond(reqID int32, subject string, code int32, output string) error {
	call := p.conn.Object(p.name, ObjectPath).Go(Interface+"."+MethodRespond, godbus.FlagNoReplyExpected, nil,
		reqID, subject, code, output)
	return mapCallError(call.Err)
}

// serverTransport serves the context bus on D-Bus
type serverTransport struct {
	bus          BusType
	handler      transport.ServerHandleFunc
	onDisconnect transport.DisconnectFunc

	mu      sync.Mutex
	conn    *godbus.Conn
	signals chan *godbus.Signal
	done    chan struct{}
	closed  bool

	peers *xsync.MapOf[string, *peer]
}

// NewDBusServerTransport creates a server transport on the given bus.
// The endpoint of the server config is the bus name to own.
func NewDBusServerTransport(bus BusType) transport.IRPCServerTransport {
	return &serverTransport{
		bus:   bus,
		done:  make(chan struct{}),
		peers: xsync.NewMapOf[string, *peer](),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCServerTransport)
// --------------------------------------------------------------------------

func (t *serverTransport) RegisterHandler(handler transport.ServerHandleFunc) {
	t.handler = handler
}

func (t *serverTransport) RegisterDisconnectHandler(handler transport.DisconnectFunc) {
	t.onDisconnect = handler
}

func (t *serverTransport) Listen(config common.ServerConfig) error {
	if t.handler == nil {
		return fmt.Errorf("no handler registered")
	}

	name := config.Endpoint
	if name == "" {
		name = DefaultBusName
	}

	conn, err := connect(t.bus)
	if err != nil {
		return fmt.Errorf("failed to connect to %s bus: %w", t.bus, err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return nil
	}
	t.conn = conn
	t.mu.Unlock()

	if err := conn.Export(&requestObject{t: t}, ObjectPath, Interface); err != nil {
		t.Close()
		return fmt.Errorf("failed to export %s: %w", ObjectPath, err)
	}

	reply, err := conn.RequestName(name, godbus.NameFlagDoNotQueue)
	if err != nil {
		t.Close()
		return fmt.Errorf("failed to request name %s: %w", name, err)
	}
	if reply != godbus.RequestNameReplyPrimaryOwner {
		t.Close()
		return fmt.Errorf("name %s is already taken", name)
	}

	if err := conn.AddMatchSignal(
		godbus.WithMatchInterface("org.freedesktop.DBus"),
		godbus.WithMatchMember("NameOwnerChanged"),
	); err != nil {
		t.Close()
		return fmt.Errorf("failed to watch name owners: %w", err)
	}

	t.mu.Lock()
	t.signals = make(chan *godbus.Signal, 16)
	conn.Signal(t.signals)
	t.mu.Unlock()

	Logger.Infof("Serving %s on the %s bus", name, t.bus)

	go t.watchPeers(t.signals)

	<-t.done
	return nil
}

func (t *serverTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	close(t.done)

	if t.conn == nil {
		return nil
	}
	// closing the connection also closes the signal channel of watchPeers
	return t.conn.Close()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// peerFor returns the peer for a unique bus name, creating it on first contact
func (t *serverTransport) peerFor(name string) *peer {
	p, _ := t.peers.LoadOrCompute(name, func() *peer {
		t.mu.Lock()
		defer t.mu.Unlock()
		return &peer{name: name, conn: t.conn}
	})
	return p
}

// watchPeers reports clients whose unique name vanished from the bus
func (t *serverTransport) watchPeers(signals <-chan *godbus.Signal) {
	for sig := range signals {
		if sig.Name != "org.freedesktop.DBus.NameOwnerChanged" || len(sig.Body) != 3 {
			continue
		}
		name, _ := sig.Body[0].(string)
		newOwner, _ := sig.Body[2].(string)
		if newOwner != "" || !strings.HasPrefix(name, ":") {
			continue
		}

		p, ok := t.peers.LoadAndDelete(name)
		if !ok {
			continue
		}
		Logger.Debugf("Peer %s left the bus", name)
		if t.onDisconnect != nil {
			t.onDisconnect(p)
		}
	}
}

// requestObject is exported on ObjectPath
type requestObject struct {
	t *serverTransport
}

// Request is called by godbus for org.ctxd.context.Request
func (o *requestObject) Request(sender godbus.Sender, reqType int32, cookie string, reqID int32, subject, input string) (int32, string, string, *godbus.Error) {
	req := &common.Message{
		MsgType: common.MsgTRequest,
		ReqType: common.RequestType(reqType),
		Cookie:  cookie,
		ReqID:   reqID,
		Subject: subject,
		Input:   input,
	}

	resp := o.t.handler(o.t.peerFor(string(sender)), req)
	if resp == nil {
		return int32(errcode.ErrOperationFailed), "", "", nil
	}
	return resp.Code, resp.Result, resp.Output, nil
}
