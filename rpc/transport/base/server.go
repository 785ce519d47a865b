package base

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/ctxd/lib/errcode"
	"github.com/ValentinKolb/ctxd/rpc/common"
	"github.com/ValentinKolb/ctxd/rpc/serializer"
	"github.com/ValentinKolb/ctxd/rpc/transport"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IServerConnector defines the interface for transport-specific server operations
type IServerConnector interface {
	// Listen creates a listener and returns it
	Listen(config common.ServerConfig) (net.Listener, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// serverConn is one accepted connection
type serverConn struct {
	conn    net.Conn
	writeMu sync.Mutex
	timeout time.Duration
}

// write sends one frame, serialized with other writers of the connection
func (c *serverConn) write(kind frameKind, frameID uint64, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return fmt.Errorf("failed to set write deadline: %w", err)
		}
	}
	return writeFrame(c.conn, kind, frameID, data)
}

// peer is one client. A client with a connection pool owns several connections,
// pushes may use any of them.
type peer struct {
	id         string
	serializer serializer.IRPCSerializer

	mu    sync.Mutex
	conns []*serverConn
}

func (p *peer) ID() string {
	return p.id
}

func (p *peer) Respond(reqID int32, subject string, code int32, output string) error {
	data, err := p.serializer.Serialize(*common.NewRespond(reqID, subject, code, output))
	if err != nil {
		return fmt.Errorf("failed to serialize respond: %w", err)
	}

	p.mu.Lock()
	conns := append([]*serverConn(nil), p.conns...)
	p.mu.Unlock()

	if len(conns) == 0 {
		return transport.ErrNotConnected
	}

	var lastErr error
	for _, c := range conns {
		if lastErr = c.write(framePush, 0, data); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// add attaches a connection
func (p *peer) add(c *serverConn) {
	p.mu.Lock()
	p.conns = append(p.conns, c)
	p.mu.Unlock()
}

// remove detaches a connection and returns how many are left
func (p *peer) remove(c *serverConn) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, other := range p.conns {
		if other == c {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			break
		}
	}
	return len(p.conns)
}

// serverTransport implements the core server transport functionality
type serverTransport struct {
	connector         IServerConnector
	serializer        serializer.IRPCSerializer
	handler           transport.ServerHandleFunc
	onDisconnect      transport.DisconnectFunc
	config            common.ServerConfig
	bufferPool        *sync.Pool
	bufferSize        int
	maxWorkersPerConn int

	listenerMu sync.Mutex
	listener   net.Listener
	closing    atomic.Bool

	peers *xsync.MapOf[string, *peer]
	conns *xsync.MapOf[*serverConn, struct{}]
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseServerTransport creates a new base server transport with a per-connection worker pool
func NewBaseServerTransport(connector IServerConnector, s serializer.IRPCSerializer, bufferSize int, maxWorkersPerConn int) transport.IRPCServerTransport {
	if maxWorkersPerConn < 1 {
		maxWorkersPerConn = 1
	}

	return &serverTransport{
		connector:         connector,
		serializer:        s,
		bufferSize:        bufferSize,
		maxWorkersPerConn: maxWorkersPerConn,
		bufferPool: &sync.Pool{
			New: func() interface{} {
				return make([]byte, bufferSize)
			},
		},
		peers: xsync.NewMapOf[string, *peer](),
		conns: xsync.NewMapOf[*serverConn, struct{}](),
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
	t.config = config

	listener, err := t.connector.Listen(config)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	t.listenerMu.Lock()
	t.listener = listener
	t.listenerMu.Unlock()

	if t.closing.Load() {
		listener.Close()
		return nil
	}

	Logger.Infof("Starting %s server on %s with %d workers per connection",
		t.connector.GetName(), config.Endpoint, t.maxWorkersPerConn)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if t.closing.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			Logger.Errorf("Accept error: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		go t.handleConnection(conn)
	}
}

func (t *serverTransport) Close() error {
	t.closing.Store(true)

	t.listenerMu.Lock()
	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}
	t.listenerMu.Unlock()

	t.conns.Range(func(c *serverConn, _ struct{}) bool {
		c.conn.Close()
		return true
	})
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// attach registers c for the client id, creating the peer on first use
func (t *serverTransport) attach(id string, c *serverConn) *peer {
	p, _ := t.peers.Compute(id, func(old *peer, loaded bool) (*peer, bool) {
		if !loaded {
			old = &peer{id: id, serializer: t.serializer}
		}
		old.add(c)
		return old, false
	})
	return p
}

// detach removes c from its peer. The peer is dropped and reported with its
// last connection.
func (t *serverTransport) detach(p *peer, c *serverConn) {
	var gone bool
	t.peers.Compute(p.id, func(old *peer, loaded bool) (*peer, bool) {
		if !loaded || old != p {
			return old, !loaded
		}
		if p.remove(c) == 0 {
			gone = true
			return old, true
		}
		return old, false
	})

	if gone {
		Logger.Debugf("Peer %s disconnected", p.id)
		if t.onDisconnect != nil {
			t.onDisconnect(p)
		}
	}
}

// handleConnection handles incoming requests for one connection
func (t *serverTransport) handleConnection(conn net.Conn) {
	c := &serverConn{
		conn:    conn,
		timeout: time.Duration(t.config.TimeoutSecond) * time.Second,
	}
	t.conns.Store(c, struct{}{})
	defer func() {
		t.conns.Delete(c)
		conn.Close()
	}()

	// the first frame of a pooled client names the client, anything else is
	// an anonymous client bound to this connection
	kind, frameID, data, err := readFrame(conn, nil)
	if err != nil {
		if err != io.EOF {
			Logger.Errorf("Error reading first frame: %v", err)
		}
		return
	}

	var p *peer
	if kind == frameHello && len(data) > 0 {
		p = t.attach(string(data), c)
	} else {
		p = t.attach(uuid.NewString(), c)
	}
	defer t.detach(p, c)

	// Create a semaphore to limit concurrent workers for this connection
	workerSemaphore := make(chan struct{}, t.maxWorkersPerConn)
	var wg sync.WaitGroup

	dispatch := func(kind frameKind, frameID uint64, data []byte, buf []byte) {
		if kind != frameRequest && kind != frameRequestNoReply {
			Logger.Warningf("Ignoring unexpected %s frame from %s", kind, p.id)
			if buf != nil {
				t.bufferPool.Put(buf)
			}
			return
		}

		workerSemaphore <- struct{}{}
		wg.Add(1)

		go func() {
			defer func() {
				if buf != nil {
					t.bufferPool.Put(buf)
				}
				<-workerSemaphore
				wg.Done()
			}()
			t.process(p, c, kind, frameID, data)
		}()
	}

	if kind != frameHello {
		dispatch(kind, frameID, data, nil)
	}

	// requests of idle clients may arrive at any time, there is no read deadline
	for {
		buf := t.bufferPool.Get().([]byte)
		kind, frameID, data, err := readFrame(conn, buf)
		if err != nil {
			t.bufferPool.Put(buf)
			if err == io.EOF || errors.Is(err, net.ErrClosed) {
				Logger.Debugf("Connection closed by client %s", p.id)
			} else {
				Logger.Errorf("Error handling request: %v", err)
			}
			break
		}
		dispatch(kind, frameID, data, buf)
	}

	// Wait for all workers to finish before dropping the connection
	wg.Wait()
}

// process decodes and handles one request and writes the reply if one is expected
func (t *serverTransport) process(p *peer, c *serverConn, kind frameKind, frameID uint64, data []byte) {
	start := time.Now()

	var resp *common.Message
	var req common.Message
	if err := t.serializer.Deserialize(data, &req); err != nil {
		Logger.Errorf("Failed to deserialize request from %s: %v", p.id, err)
		resp = common.NewErrorResponse(int32(errcode.ErrInvalidParameter), err.Error())
	} else {
		resp = t.handler(p, &req)
		Logger.Debugf("Processed %s request %d for %s took %s", req.ReqType, req.ReqID, p.id, time.Since(start))
	}

	if kind == frameRequestNoReply {
		return
	}
	if resp == nil {
		resp = common.NewErrorResponse(int32(errcode.ErrOperationFailed), "no response")
	}

	out, err := t.serializer.Serialize(*resp)
	if err != nil {
		Logger.Errorf("Failed to serialize response: %v", err)
		return
	}
	if err := c.write(frameReply, frameID, out); err != nil {
		Logger.Errorf("Failed to write response: %v", err)
	}
}
