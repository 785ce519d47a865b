package ctxmgr

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/ctxd/lib/errcode"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("ctxmgr")

// DefaultReadTimeout bounds read_sync when no timeout is configured
const DefaultReadTimeout = 5 * time.Second

type subscription struct {
	option  json.RawMessage
	result  json.RawMessage
	members map[memberKey]Responder
}

type readWaiter struct {
	client Responder
	reqID  int32
	done   chan Reply // nil for asynchronous reads
}

// Manager routes client requests to providers and provider values back to
// clients.
type Manager struct {
	timeout   time.Duration
	providers *xsync.MapOf[string, Provider]

	// opMu serializes subscribe and unsubscribe including their provider calls
	opMu sync.Mutex

	mu      sync.Mutex
	subs    map[topicKey]*subscription
	members map[memberKey]topicKey
	reads   map[topicKey][]*readWaiter
}

// New creates a manager. readTimeout bounds read_sync requests.
func New(readTimeout time.Duration) *Manager {
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	return &Manager{
		timeout:   readTimeout,
		providers: xsync.NewMapOf[string, Provider](),
		subs:      make(map[topicKey]*subscription),
		members:   make(map[memberKey]topicKey),
		reads:     make(map[topicKey][]*readWaiter),
	}
}

// --------------------------------------------------------------------------
// Provider registry
// --------------------------------------------------------------------------

// RegisterProvider registers p for subject. Fails if the subject is taken.
func (m *Manager) RegisterProvider(subject string, p Provider) error {
	if subject == "" || p == nil {
		return errcode.ErrInvalidParameter
	}
	if _, loaded := m.providers.LoadOrStore(subject, p); loaded {
		return fmt.Errorf("provider for %s already registered: %w", subject, errcode.ErrInvalidParameter)
	}
	Logger.Infof("registered provider for '%s'", subject)
	return nil
}

// UnregisterProvider removes the provider of subject. Subscriptions and
// pending reads of the subject are dropped, pending synchronous reads fail.
func (m *Manager) UnregisterProvider(subject string) error {
	p, ok := m.providers.LoadAndDelete(subject)
	if !ok {
		return errcode.ErrInvalidParameter
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	var waiters []*readWaiter
	var options []json.RawMessage
	for key, sub := range m.subs {
		if key.subject != subject {
			continue
		}
		for member := range sub.members {
			delete(m.members, member)
		}
		delete(m.subs, key)
		options = append(options, sub.option)
	}
	for key, ws := range m.reads {
		if key.subject == subject {
			waiters = append(waiters, ws...)
			delete(m.reads, key)
		}
	}
	m.mu.Unlock()

	m.complete(subject, waiters, Reply{Code: errcode.ErrOperationFailed})
	for _, option := range options {
		if err := p.Unsubscribe(option); err != nil {
			Logger.Warningf("provider of '%s' failed to unsubscribe %s: %v", subject, option, err)
		}
	}
	Logger.Infof("unregistered provider for '%s'", subject)
	return nil
}

func (m *Manager) provider(subject string) (Provider, bool) {
	p, ok := m.providers.Load(subject)
	if !ok || !p.IsSupported() {
		return nil, false
	}
	return p, true
}

// --------------------------------------------------------------------------
// Requests
// --------------------------------------------------------------------------

// HandleRequest executes a client request and returns its synchronous reply.
// Read and subscribe complete later through the request's Client.
func (m *Manager) HandleRequest(req Request) Reply {
	metrics.GetOrCreateCounter(fmt.Sprintf(`ctxd_requests_total{op=%q}`, req.Op)).Inc()
	Logger.Debugf("[%s] ReqId: %d, Subject: %s", req.Op, req.ReqID, req.Subject)

	var reply Reply
	switch req.Op {
	case OpSupportCheck:
		reply = m.isSupported(req)
	case OpSubscribe:
		reply = m.subscribe(req)
	case OpUnsubscribe:
		reply = m.unsubscribe(req)
	case OpRead:
		reply = m.read(req)
	case OpReadSync:
		reply = m.readSync(req)
	case OpWrite:
		reply = m.write(req)
	default:
		reply = Reply{Code: errcode.ErrInvalidParameter}
	}

	if reply.Code != errcode.ErrNone {
		metrics.GetOrCreateCounter(fmt.Sprintf(`ctxd_request_errors_total{op=%q}`, req.Op)).Inc()
		Logger.Debugf("[%s] ReqId: %d, Subject: %s failed: %s", req.Op, req.ReqID, req.Subject, reply.Code)
	}
	return reply
}

func (m *Manager) isSupported(req Request) Reply {
	if _, ok := m.provider(req.Subject); !ok {
		return Reply{Code: errcode.ErrNotSupported}
	}
	return Reply{}
}

func (m *Manager) subscribe(req Request) Reply {
	p, ok := m.provider(req.Subject)
	if !ok {
		return Reply{Code: errcode.ErrNotSupported}
	}
	if req.Client == nil {
		return Reply{Code: errcode.ErrInvalidParameter}
	}
	option, err := canonical(req.Input)
	if err != nil {
		return Reply{Code: errcode.Of(err)}
	}
	key := topicKey{subject: req.Subject, option: option}
	member := memberKey{client: req.Client.ID(), reqID: req.ReqID}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if _, dup := m.members[member]; dup {
		m.mu.Unlock()
		return Reply{Code: errcode.ErrInvalidParameter}
	}
	sub, exists := m.subs[key]
	m.mu.Unlock()

	if !exists {
		result, err := p.Subscribe(json.RawMessage(option))
		if err != nil {
			return Reply{Code: errcode.Of(err)}
		}
		sub = &subscription{
			option:  json.RawMessage(option),
			result:  result,
			members: make(map[memberKey]Responder),
		}
	}

	m.mu.Lock()
	m.subs[key] = sub
	sub.members[member] = req.Client
	m.members[member] = key
	result := sub.result
	m.mu.Unlock()

	return Reply{Result: result}
}

func (m *Manager) unsubscribe(req Request) Reply {
	if req.Client == nil {
		return Reply{Code: errcode.ErrInvalidParameter}
	}
	member := memberKey{client: req.Client.ID(), reqID: req.ReqID}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	key, ok := m.members[member]
	if !ok || key.subject != req.Subject {
		m.mu.Unlock()
		return Reply{Code: errcode.ErrInvalidParameter}
	}
	sub := m.leave(key, member)
	m.mu.Unlock()

	if sub != nil {
		m.stop(key.subject, sub.option)
	}
	return Reply{}
}

// leave removes member from the subscription of key and returns the
// subscription if it has no members left. Requires m.mu.
func (m *Manager) leave(key topicKey, member memberKey) *subscription {
	delete(m.members, member)
	sub, ok := m.subs[key]
	if !ok {
		return nil
	}
	delete(sub.members, member)
	if len(sub.members) > 0 {
		return nil
	}
	delete(m.subs, key)
	return sub
}

// stop unsubscribes the provider of subject from option
func (m *Manager) stop(subject string, option json.RawMessage) {
	p, ok := m.providers.Load(subject)
	if !ok {
		return
	}
	if err := p.Unsubscribe(option); err != nil {
		Logger.Warningf("provider of '%s' failed to unsubscribe %s: %v", subject, option, err)
	}
}

func (m *Manager) read(req Request) Reply {
	if req.Client == nil {
		return Reply{Code: errcode.ErrInvalidParameter}
	}
	w := &readWaiter{client: req.Client, reqID: req.ReqID}
	return m.startRead(req, w)
}

func (m *Manager) readSync(req Request) Reply {
	w := &readWaiter{client: req.Client, reqID: req.ReqID, done: make(chan Reply, 1)}
	if reply := m.startRead(req, w); reply.Code != errcode.ErrNone {
		return reply
	}

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case reply := <-w.done:
		return Reply{Code: reply.Code, Output: reply.Output}
	case <-timer.C:
	}

	// the reply may have raced the timeout
	if m.dropWaiter(req.Subject, w) {
		Logger.Warningf("[read_sync] ReqId: %d, Subject: %s timed out after %s", req.ReqID, req.Subject, m.timeout)
		return Reply{Code: errcode.ErrOperationFailed}
	}
	reply := <-w.done
	return Reply{Code: reply.Code, Output: reply.Output}
}

// startRead registers w and asks the provider for a value if w is the first
// waiter of its (subject, option).
func (m *Manager) startRead(req Request, w *readWaiter) Reply {
	p, ok := m.provider(req.Subject)
	if !ok {
		return Reply{Code: errcode.ErrNotSupported}
	}
	option, err := canonical(req.Input)
	if err != nil {
		return Reply{Code: errcode.Of(err)}
	}
	key := topicKey{subject: req.Subject, option: option}

	m.mu.Lock()
	first := len(m.reads[key]) == 0
	m.reads[key] = append(m.reads[key], w)
	m.mu.Unlock()

	if !first {
		return Reply{}
	}

	result, err := p.Read(json.RawMessage(option))
	if err != nil {
		code := errcode.Of(err)

		m.mu.Lock()
		waiters := m.reads[key]
		delete(m.reads, key)
		m.mu.Unlock()

		// w itself gets the code as reply, other waiters that joined meanwhile
		// are completed with it
		others := waiters[:0]
		for _, other := range waiters {
			if other != w {
				others = append(others, other)
			}
		}
		m.complete(req.Subject, others, Reply{Code: code})
		return Reply{Code: code}
	}
	return Reply{Result: result}
}

// dropWaiter removes w from the pending reads. Returns false if w was already
// completed.
func (m *Manager) dropWaiter(subject string, w *readWaiter) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, waiters := range m.reads {
		if key.subject != subject {
			continue
		}
		for i, other := range waiters {
			if other != w {
				continue
			}
			waiters = append(waiters[:i], waiters[i+1:]...)
			if len(waiters) == 0 {
				delete(m.reads, key)
			} else {
				m.reads[key] = waiters
			}
			return true
		}
	}
	return false
}

func (m *Manager) write(req Request) Reply {
	p, ok := m.provider(req.Subject)
	if !ok {
		return Reply{Code: errcode.ErrNotSupported}
	}
	result, err := p.Write(req.Input)
	if err != nil {
		return Reply{Code: errcode.Of(err)}
	}
	return Reply{Result: result}
}

// --------------------------------------------------------------------------
// Publisher
// --------------------------------------------------------------------------

// Publish sends data to every subscriber of (subject, option). Publishing
// without subscribers is not an error.
func (m *Manager) Publish(subject string, option json.RawMessage, code errcode.Code, data json.RawMessage) error {
	opt, err := canonical(option)
	if err != nil {
		return err
	}
	key := topicKey{subject: subject, option: opt}

	m.mu.Lock()
	sub, ok := m.subs[key]
	var targets []*readWaiter
	if ok {
		targets = make([]*readWaiter, 0, len(sub.members))
		for member, client := range sub.members {
			targets = append(targets, &readWaiter{client: client, reqID: member.reqID})
		}
	}
	m.mu.Unlock()

	if len(targets) == 0 {
		Logger.Debugf("no subscribers for %s %s", subject, opt)
		return nil
	}

	metrics.GetOrCreateCounter(`ctxd_publish_total`).Inc()
	m.complete(subject, targets, Reply{Code: code, Output: data})
	return nil
}

// ReplyToRead completes every pending read of (subject, option)
func (m *Manager) ReplyToRead(subject string, option json.RawMessage, code errcode.Code, data json.RawMessage) error {
	opt, err := canonical(option)
	if err != nil {
		return err
	}
	key := topicKey{subject: subject, option: opt}

	m.mu.Lock()
	waiters := m.reads[key]
	delete(m.reads, key)
	m.mu.Unlock()

	if len(waiters) == 0 {
		Logger.Debugf("no pending reads for %s %s", subject, opt)
		return nil
	}
	m.complete(subject, waiters, Reply{Code: code, Output: data})
	return nil
}

// complete hands a value to waiters. Synchronous readers are woken, all others
// get a respond pushed. Must not be called with m.mu held.
func (m *Manager) complete(subject string, waiters []*readWaiter, reply Reply) {
	output := string(reply.Output)
	if output == "" {
		output = "{}"
	}
	for _, w := range waiters {
		if w.done != nil {
			w.done <- reply
			continue
		}
		if err := w.client.Respond(w.reqID, subject, int32(reply.Code), output); err != nil {
			Logger.Warningf("failed to respond to %s (reqID=%d, subject=%s): %v", w.client.ID(), w.reqID, subject, err)
		}
	}
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// RemoveClient drops all subscriptions and pending reads of a client that went
// away. Providers are unsubscribed where the client was the last subscriber.
func (m *Manager) RemoveClient(client Responder) {
	if client == nil {
		return
	}
	id := client.ID()

	m.opMu.Lock()
	defer m.opMu.Unlock()

	type stopped struct {
		subject string
		option  json.RawMessage
	}
	var stops []stopped

	m.mu.Lock()
	for member, key := range m.members {
		if member.client != id {
			continue
		}
		if sub := m.leave(key, member); sub != nil {
			stops = append(stops, stopped{subject: key.subject, option: sub.option})
		}
	}
	var syncWaiters []*readWaiter
	for key, waiters := range m.reads {
		kept := waiters[:0]
		for _, w := range waiters {
			switch {
			case w.client == nil || w.client.ID() != id:
				kept = append(kept, w)
			case w.done != nil:
				syncWaiters = append(syncWaiters, w)
			}
		}
		if len(kept) == 0 {
			delete(m.reads, key)
		} else {
			m.reads[key] = kept
		}
	}
	m.mu.Unlock()

	for _, w := range syncWaiters {
		w.done <- Reply{Code: errcode.ErrOperationFailed}
	}
	for _, s := range stops {
		m.stop(s.subject, s.option)
	}
	if len(stops) > 0 {
		Logger.Infof("client %s removed, %d subscription(s) stopped", id, len(stops))
	}
}

// Close stops all active subscriptions and fails pending synchronous reads.
// Providers stay registered.
func (m *Manager) Close() {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	subs := m.subs
	reads := m.reads
	m.subs = make(map[topicKey]*subscription)
	m.members = make(map[memberKey]topicKey)
	m.reads = make(map[topicKey][]*readWaiter)
	m.mu.Unlock()

	for _, waiters := range reads {
		for _, w := range waiters {
			if w.done != nil {
				w.done <- Reply{Code: errcode.ErrOperationFailed}
			}
		}
	}
	for key, sub := range subs {
		m.stop(key.subject, sub.option)
	}
}

// Subscriptions returns the number of active (subject, option) subscriptions
func (m *Manager) Subscriptions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}
