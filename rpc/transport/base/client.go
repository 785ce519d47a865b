package base

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/ctxd/rpc/common"
	"github.com/ValentinKolb/ctxd/rpc/serializer"
	"github.com/ValentinKolb/ctxd/rpc/transport"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("transport/rpc")

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IClientConnector defines the interface for transport-specific connection operations
type IClientConnector interface {
	// Connect establishes a single connection to the endpoint
	Connect(endpoint string) (net.Conn, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// responseResult contains the result of a request
type responseResult struct {
	msg *common.Message
	err error
}

// clientConnection is one pooled connection. The reader goroutine owns
// reconnects; senders only dial when no connection exists at all.
type clientConnection struct {
	endpoint string
	parent   *clientTransport
	pending  *xsync.MapOf[uint64, chan responseResult]

	connMu  sync.Mutex // protects conn
	conn    net.Conn
	writeMu sync.Mutex // serializes frame writes
}

// clientTransport implements the core client transport functionality
// independent of the specific transport medium (unix, tcp, etc.)
type clientTransport struct {
	connector   IClientConnector
	serializer  serializer.IRPCSerializer
	clientID    string
	config      common.ClientConfig
	pushHandler transport.PushHandleFunc

	connections   []*clientConnection
	connectionsMu sync.RWMutex
	nextConnIndex atomic.Uint64
	nextFrameID   atomic.Uint64
	stopping      atomic.Bool
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseClientTransport creates a new base client transport with the specified connector
func NewBaseClientTransport(connector IClientConnector, s serializer.IRPCSerializer) transport.IRPCClientTransport {
	return &clientTransport{
		connector:  connector,
		serializer: s,
		clientID:   uuid.NewString(),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (t *clientTransport) RegisterPushHandler(handler transport.PushHandleFunc) {
	t.pushHandler = handler
}

func (t *clientTransport) Connect(config common.ClientConfig) error {
	if len(config.Endpoints) == 0 {
		return fmt.Errorf("no endpoints provided")
	}

	t.config = config
	t.stopping.Store(false)
	t.closeConnections()

	connectionsPerEP := 1
	if config.ConnectionsPerEndpoint > 0 {
		connectionsPerEP = config.ConnectionsPerEndpoint
	}

	connections := make([]*clientConnection, 0, len(config.Endpoints)*connectionsPerEP)
	connected := 0

	for _, endpoint := range config.Endpoints {
		for i := 0; i < connectionsPerEP; i++ {
			clientConn := &clientConnection{
				endpoint: endpoint,
				parent:   t,
				pending:  xsync.NewMapOf[uint64, chan responseResult](),
			}
			connections = append(connections, clientConn)

			if _, err := clientConn.ensure(); err != nil {
				Logger.Warningf("Failed to connect to %s (connection %d/%d): %v", endpoint, i+1, connectionsPerEP, err)
				continue
			}
			connected++
			Logger.Debugf("Connected to %s (connection %d/%d)", endpoint, i+1, connectionsPerEP)
		}
	}

	t.connectionsMu.Lock()
	t.connections = connections
	t.connectionsMu.Unlock()

	if connected == 0 {
		t.closeConnections()
		return fmt.Errorf("failed to connect to any endpoint")
	}

	Logger.Infof("Connected %d out of %d connections to %d endpoints using %s transport",
		connected, len(connections), len(config.Endpoints), t.connector.GetName())

	return nil
}

func (t *clientTransport) Send(req *common.Message) (*common.Message, error) {
	data, err := t.serializer.Serialize(*req)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize request: %w", err)
	}

	frameID := t.nextFrameID.Add(1)

	var result responseResult
	err = t.withRetry(func(c *clientConnection) error {
		respCh := make(chan responseResult, 1)
		c.pending.Store(frameID, respCh)

		if err := c.write(frameRequest, frameID, data); err != nil {
			c.pending.Delete(frameID)
			return err
		}

		var timeoutCh <-chan time.Time
		if t.config.TimeoutSecond > 0 {
			timer := time.NewTimer(t.config.Timeout())
			defer timer.Stop()
			timeoutCh = timer.C
		}

		// once written, the request is never repeated
		select {
		case result = <-respCh:
		case <-timeoutCh:
			c.pending.Delete(frameID)
			result = responseResult{err: transport.ErrTimeout}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result.msg, result.err
}

func (t *clientTransport) SendNoReply(req *common.Message) error {
	data, err := t.serializer.Serialize(*req)
	if err != nil {
		return fmt.Errorf("failed to serialize request: %w", err)
	}

	frameID := t.nextFrameID.Add(1)
	return t.withRetry(func(c *clientConnection) error {
		return c.write(frameRequestNoReply, frameID, data)
	})
}

func (t *clientTransport) Close() error {
	t.stopping.Store(true)
	t.closeConnections()
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// withRetry runs send on the next connection until it succeeds or the retry
// budget is used up. Only failures to hand the request to a connection are retried.
func (t *clientTransport) withRetry(send func(c *clientConnection) error) error {
	maxRetries := t.config.RetryCount
	if maxRetries < 1 {
		maxRetries = 1
	}

	backoffMs := 50
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		conn := t.getNextConnection()
		if conn == nil {
			return transport.ErrNotConnected
		}

		if lastErr = send(conn); lastErr == nil {
			return nil
		}
		Logger.Debugf("Request attempt %d/%d failed: %v", i+1, maxRetries, lastErr)

		if i+1 < maxRetries {
			// Exponential backoff with a small random jitter (+-10%)
			jitter := float64(backoffMs) * (0.9 + 0.2*rand.Float64())
			time.Sleep(time.Duration(jitter) * time.Millisecond)
			backoffMs *= 2
		}
	}

	return fmt.Errorf("failed to send request after %d attempts: %w", maxRetries, lastErr)
}

// getNextConnection selects the next connection via Round Robin
func (t *clientTransport) getNextConnection() *clientConnection {
	t.connectionsMu.RLock()
	defer t.connectionsMu.RUnlock()

	if len(t.connections) == 0 {
		return nil
	}
	if len(t.connections) == 1 {
		return t.connections[0]
	}
	return t.connections[t.nextConnIndex.Add(1)%uint64(len(t.connections))]
}

// closeConnections closes all connections and fails their pending requests
func (t *clientTransport) closeConnections() {
	t.connectionsMu.Lock()
	connections := t.connections
	t.connections = nil
	t.connectionsMu.Unlock()

	for _, c := range connections {
		c.connMu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()
		c.failPending(transport.ErrNotConnected)
	}
}

// ensure returns the live connection, dialing and starting a reader if there is none
func (c *clientConnection) ensure() (net.Conn, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != nil {
		return c.conn, nil
	}
	if c.parent.stopping.Load() {
		return nil, transport.ErrNotConnected
	}

	conn, err := c.parent.connector.Connect(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.endpoint, err)
	}

	// announce the client id so the service can group pooled connections
	if err := writeFrame(conn, frameHello, 0, []byte(c.parent.clientID)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to greet %s: %w", c.endpoint, err)
	}

	c.conn = conn
	go c.readLoop(conn)
	return conn, nil
}

// write sends one frame. A failed write closes the connection so that the
// reader notices and reconnects.
func (c *clientConnection) write(kind frameKind, frameID uint64, data []byte) error {
	conn, err := c.ensure()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.parent.config.TimeoutSecond > 0 {
		conn.SetWriteDeadline(time.Now().Add(c.parent.config.Timeout()))
	}
	if err := writeFrame(conn, kind, frameID, data); err != nil {
		conn.Close()
		return err
	}
	return nil
}

// failPending completes every waiting request with err
func (c *clientConnection) failPending(err error) {
	c.pending.Range(func(id uint64, ch chan responseResult) bool {
		if _, ok := c.pending.LoadAndDelete(id); ok {
			ch <- responseResult{err: err}
		}
		return true
	})
}

// readLoop reads replies and pushes until the connection fails
func (c *clientConnection) readLoop(conn net.Conn) {
	for {
		kind, frameID, data, err := readFrame(conn, nil)
		if err != nil {
			c.connMu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.connMu.Unlock()
			conn.Close()
			c.failPending(fmt.Errorf("connection lost: %w", err))

			if c.parent.stopping.Load() {
				return
			}
			Logger.Warningf("Connection to %s lost: %v", c.endpoint, err)
			c.reconnect()
			return
		}

		c.handleFrame(kind, frameID, data)
	}
}

// reconnect tries to restore the connection with exponential backoff.
// A successful attempt starts a new reader.
func (c *clientConnection) reconnect() {
	attempts := c.parent.config.RetryCount
	if attempts < 3 {
		attempts = 3
	}

	backoff := 50 * time.Millisecond
	for i := 0; i < attempts; i++ {
		time.Sleep(backoff)
		if c.parent.stopping.Load() {
			return
		}
		_, err := c.ensure()
		if err == nil {
			Logger.Infof("Reconnected to %s", c.endpoint)
			return
		}
		Logger.Debugf("Reconnect attempt %d/%d to %s failed: %v", i+1, attempts, c.endpoint, err)
		backoff *= 2
	}
	Logger.Errorf("Giving up on %s after %d reconnect attempts", c.endpoint, attempts)
}

// handleFrame routes a reply to its waiting request and a push to the push handler
func (c *clientConnection) handleFrame(kind frameKind, frameID uint64, data []byte) {
	switch kind {
	case frameReply:
		respCh, found := c.pending.LoadAndDelete(frameID)
		if !found {
			Logger.Warningf("Received reply for unknown frame ID %d", frameID)
			return
		}
		var msg common.Message
		if err := c.parent.serializer.Deserialize(data, &msg); err != nil {
			respCh <- responseResult{err: fmt.Errorf("failed to deserialize reply: %w", err)}
			return
		}
		respCh <- responseResult{msg: &msg}

	case framePush:
		var msg common.Message
		if err := c.parent.serializer.Deserialize(data, &msg); err != nil {
			Logger.Errorf("Failed to deserialize push: %v", err)
			return
		}
		if c.parent.pushHandler == nil {
			Logger.Warningf("Dropping push for %s, no push handler", msg.Subject)
			return
		}
		c.parent.pushHandler(&msg)

	default:
		Logger.Warningf("Ignoring unexpected %s frame", kind)
	}
}
