package ctxmgr

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/ctxd/lib/errcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider records provider calls. readErr / subErr are returned by Read
// and Subscribe.
type fakeProvider struct {
	ProviderBase
	mu          sync.Mutex
	subscribed  []string
	unsubscribe []string
	reads       int
	readErr     error
	subErr      error
	onRead      func(option json.RawMessage)
}

func (p *fakeProvider) Subscribe(option json.RawMessage) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subErr != nil {
		return nil, p.subErr
	}
	p.subscribed = append(p.subscribed, string(option))
	return json.RawMessage(`{"started":true}`), nil
}

func (p *fakeProvider) Unsubscribe(option json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unsubscribe = append(p.unsubscribe, string(option))
	return nil
}

func (p *fakeProvider) Read(option json.RawMessage) (json.RawMessage, error) {
	p.mu.Lock()
	p.reads++
	err, onRead := p.readErr, p.onRead
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if onRead != nil {
		onRead(option)
	}
	return json.RawMessage(`{"reading":true}`), nil
}

func (p *fakeProvider) Write(data json.RawMessage) (json.RawMessage, error) {
	return data, nil
}

func (p *fakeProvider) counts() (subs, unsubs, reads int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subscribed), len(p.unsubscribe), p.reads
}

type respond struct {
	reqID   int32
	subject string
	code    int32
	output  string
}

// fakeClient records pushed completions
type fakeClient struct {
	id       string
	responds chan respond
}

func newFakeClient(id string) *fakeClient {
	return &fakeClient{id: id, responds: make(chan respond, 16)}
}

func (c *fakeClient) ID() string { return c.id }

func (c *fakeClient) Respond(reqID int32, subject string, code int32, output string) error {
	c.responds <- respond{reqID: reqID, subject: subject, code: code, output: output}
	return nil
}

func (c *fakeClient) next(t *testing.T) respond {
	t.Helper()
	select {
	case r := <-c.responds:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for respond")
		return respond{}
	}
}

func (c *fakeClient) none(t *testing.T) {
	t.Helper()
	select {
	case r := <-c.responds:
		t.Fatalf("unexpected respond %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func newManager(t *testing.T) (*Manager, *fakeProvider) {
	t.Helper()
	m := New(time.Second)
	p := &fakeProvider{}
	require.NoError(t, m.RegisterProvider("test/subject", p))
	return m, p
}

func TestRegisterProvider(t *testing.T) {
	m := New(0)
	p := &fakeProvider{}

	require.NoError(t, m.RegisterProvider("a", p))
	assert.ErrorIs(t, m.RegisterProvider("a", p), errcode.ErrInvalidParameter)
	assert.ErrorIs(t, m.RegisterProvider("", p), errcode.ErrInvalidParameter)

	assert.Equal(t, errcode.ErrNone, m.HandleRequest(Request{Op: OpSupportCheck, Subject: "a"}).Code)
	assert.Equal(t, errcode.ErrNotSupported, m.HandleRequest(Request{Op: OpSupportCheck, Subject: "b"}).Code)

	require.NoError(t, m.UnregisterProvider("a"))
	assert.ErrorIs(t, m.UnregisterProvider("a"), errcode.ErrInvalidParameter)
	assert.Equal(t, errcode.ErrNotSupported, m.HandleRequest(Request{Op: OpSupportCheck, Subject: "a"}).Code)
}

func TestUnknownSubject(t *testing.T) {
	m := New(0)
	c := newFakeClient("c")

	for _, op := range []Op{OpSubscribe, OpRead, OpReadSync, OpWrite, OpSupportCheck} {
		reply := m.HandleRequest(Request{Op: op, ReqID: 1, Subject: "missing", Client: c})
		assert.Equal(t, errcode.ErrNotSupported, reply.Code, op.String())
	}
}

func TestSubscribeSharesProviderSubscription(t *testing.T) {
	m, p := newManager(t)
	a, b := newFakeClient("a"), newFakeClient("b")

	reply := m.HandleRequest(Request{Op: OpSubscribe, ReqID: 1, Subject: "test/subject", Input: json.RawMessage(`{"x":1,"y":2}`), Client: a})
	require.Equal(t, errcode.ErrNone, reply.Code)
	assert.JSONEq(t, `{"started":true}`, string(reply.Result))

	// same option with other key order and whitespace joins the subscription
	reply = m.HandleRequest(Request{Op: OpSubscribe, ReqID: 7, Subject: "test/subject", Input: json.RawMessage(`{ "y":2, "x":1 }`), Client: b})
	require.Equal(t, errcode.ErrNone, reply.Code)

	subs, _, _ := p.counts()
	assert.Equal(t, 1, subs)
	assert.Equal(t, 1, m.Subscriptions())

	require.NoError(t, m.Publish("test/subject", json.RawMessage(`{"y":2,"x":1}`), errcode.ErrNone, json.RawMessage(`{"v":42}`)))

	ra, rb := a.next(t), b.next(t)
	assert.Equal(t, int32(1), ra.reqID)
	assert.Equal(t, int32(7), rb.reqID)
	assert.Equal(t, `{"v":42}`, ra.output)
	assert.Equal(t, "test/subject", rb.subject)

	// first leaver keeps the provider subscription
	require.Equal(t, errcode.ErrNone, m.HandleRequest(Request{Op: OpUnsubscribe, ReqID: 1, Subject: "test/subject", Client: a}).Code)
	_, unsubs, _ := p.counts()
	assert.Equal(t, 0, unsubs)

	require.NoError(t, m.Publish("test/subject", json.RawMessage(`{"x":1,"y":2}`), errcode.ErrNone, json.RawMessage(`{"v":43}`)))
	assert.Equal(t, `{"v":43}`, b.next(t).output)
	a.none(t)

	// last leaver stops it
	require.Equal(t, errcode.ErrNone, m.HandleRequest(Request{Op: OpUnsubscribe, ReqID: 7, Subject: "test/subject", Client: b}).Code)
	_, unsubs, _ = p.counts()
	assert.Equal(t, 1, unsubs)
	assert.Equal(t, 0, m.Subscriptions())
}

func TestSubscribeDistinctOptions(t *testing.T) {
	m, p := newManager(t)
	c := newFakeClient("c")

	require.Equal(t, errcode.ErrNone, m.HandleRequest(Request{Op: OpSubscribe, ReqID: 1, Subject: "test/subject", Input: json.RawMessage(`{"x":1}`), Client: c}).Code)
	require.Equal(t, errcode.ErrNone, m.HandleRequest(Request{Op: OpSubscribe, ReqID: 2, Subject: "test/subject", Input: json.RawMessage(`{"x":2}`), Client: c}).Code)

	subs, _, _ := p.counts()
	assert.Equal(t, 2, subs)

	require.NoError(t, m.Publish("test/subject", json.RawMessage(`{"x":2}`), errcode.ErrNone, nil))
	r := c.next(t)
	assert.Equal(t, int32(2), r.reqID)
	assert.Equal(t, "{}", r.output)
	c.none(t)
}

func TestSubscribeErrors(t *testing.T) {
	m, p := newManager(t)
	c := newFakeClient("c")

	// duplicate request id of one client
	require.Equal(t, errcode.ErrNone, m.HandleRequest(Request{Op: OpSubscribe, ReqID: 1, Subject: "test/subject", Client: c}).Code)
	assert.Equal(t, errcode.ErrInvalidParameter, m.HandleRequest(Request{Op: OpSubscribe, ReqID: 1, Subject: "test/subject", Client: c}).Code)

	// invalid option
	assert.Equal(t, errcode.ErrInvalidParameter, m.HandleRequest(Request{Op: OpSubscribe, ReqID: 2, Subject: "test/subject", Input: json.RawMessage(`{`), Client: c}).Code)

	// provider failure is passed through and leaves no state
	p.mu.Lock()
	p.subErr = errcode.ErrPermissionDenied
	p.mu.Unlock()
	assert.Equal(t, errcode.ErrPermissionDenied, m.HandleRequest(Request{Op: OpSubscribe, ReqID: 3, Subject: "test/subject", Input: json.RawMessage(`{"z":1}`), Client: c}).Code)
	assert.Equal(t, 1, m.Subscriptions())
}

func TestUnsubscribeUnknownRequest(t *testing.T) {
	m, _ := newManager(t)
	c := newFakeClient("c")

	start := time.Now()
	reply := m.HandleRequest(Request{Op: OpUnsubscribe, ReqID: 99, Subject: "test/subject", Client: c})
	assert.Equal(t, errcode.ErrInvalidParameter, reply.Code)
	assert.Less(t, time.Since(start), time.Second)

	// request id of another subject
	require.Equal(t, errcode.ErrNone, m.HandleRequest(Request{Op: OpSubscribe, ReqID: 1, Subject: "test/subject", Client: c}).Code)
	assert.Equal(t, errcode.ErrInvalidParameter, m.HandleRequest(Request{Op: OpUnsubscribe, ReqID: 1, Subject: "other", Client: c}).Code)
}

func TestReadCompletedByReplyToRead(t *testing.T) {
	m, p := newManager(t)
	a, b := newFakeClient("a"), newFakeClient("b")

	first := m.HandleRequest(Request{Op: OpRead, ReqID: 3, Subject: "test/subject", Client: a})
	require.Equal(t, errcode.ErrNone, first.Code)
	assert.JSONEq(t, `{"reading":true}`, string(first.Result))
	second := m.HandleRequest(Request{Op: OpRead, ReqID: 4, Subject: "test/subject", Client: b})
	require.Equal(t, errcode.ErrNone, second.Code)
	assert.Empty(t, second.Result)

	// the second read joins the first one
	_, _, reads := p.counts()
	assert.Equal(t, 1, reads)
	a.none(t)

	require.NoError(t, m.ReplyToRead("test/subject", nil, errcode.ErrNone, json.RawMessage(`{"v":1}`)))
	assert.Equal(t, respond{reqID: 3, subject: "test/subject", output: `{"v":1}`}, a.next(t))
	assert.Equal(t, respond{reqID: 4, subject: "test/subject", output: `{"v":1}`}, b.next(t))

	// no waiter left
	require.NoError(t, m.ReplyToRead("test/subject", nil, errcode.ErrNone, json.RawMessage(`{"v":2}`)))
	a.none(t)
}

func TestReadProviderFailure(t *testing.T) {
	m, p := newManager(t)
	p.readErr = errcode.ErrNoData
	c := newFakeClient("c")

	assert.Equal(t, errcode.ErrNoData, m.HandleRequest(Request{Op: OpRead, ReqID: 1, Subject: "test/subject", Client: c}).Code)
	c.none(t)

	// no pending read stays behind
	p.mu.Lock()
	p.readErr = nil
	p.mu.Unlock()
	require.Equal(t, errcode.ErrNone, m.HandleRequest(Request{Op: OpRead, ReqID: 2, Subject: "test/subject", Client: c}).Code)
	_, _, reads := p.counts()
	assert.Equal(t, 2, reads)
}

func TestReadSync(t *testing.T) {
	m, p := newManager(t)
	p.onRead = func(option json.RawMessage) {
		go func() {
			_ = m.ReplyToRead("test/subject", option, errcode.ErrNone, json.RawMessage(`{"now":1}`))
		}()
	}

	reply := m.HandleRequest(Request{Op: OpReadSync, ReqID: 1, Subject: "test/subject"})
	require.Equal(t, errcode.ErrNone, reply.Code)
	assert.JSONEq(t, `{"now":1}`, string(reply.Output))
}

func TestReadSyncReplyFromWithinRead(t *testing.T) {
	m, p := newManager(t)
	p.onRead = func(option json.RawMessage) {
		_ = m.ReplyToRead("test/subject", option, errcode.ErrNoData, nil)
	}

	reply := m.HandleRequest(Request{Op: OpReadSync, ReqID: 1, Subject: "test/subject"})
	assert.Equal(t, errcode.ErrNoData, reply.Code)
}

func TestReadSyncTimeout(t *testing.T) {
	m := New(100 * time.Millisecond)
	require.NoError(t, m.RegisterProvider("slow", &fakeProvider{}))

	start := time.Now()
	reply := m.HandleRequest(Request{Op: OpReadSync, ReqID: 1, Subject: "slow"})
	assert.Equal(t, errcode.ErrOperationFailed, reply.Code)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	// the timed out waiter is gone, a late reply reaches nobody
	require.NoError(t, m.ReplyToRead("slow", nil, errcode.ErrNone, nil))
	m.mu.Lock()
	assert.Empty(t, m.reads)
	m.mu.Unlock()
}

func TestWrite(t *testing.T) {
	m, _ := newManager(t)

	reply := m.HandleRequest(Request{Op: OpWrite, ReqID: 1, Subject: "test/subject", Input: json.RawMessage(`{"a":"b"}`)})
	require.Equal(t, errcode.ErrNone, reply.Code)
	assert.JSONEq(t, `{"a":"b"}`, string(reply.Result))

	require.NoError(t, m.RegisterProvider("readonly", &ProviderBase{}))
	assert.Equal(t, errcode.ErrNotSupported, m.HandleRequest(Request{Op: OpWrite, Subject: "readonly"}).Code)
	assert.Equal(t, errcode.ErrNotSupported, m.HandleRequest(Request{Op: OpRead, Subject: "readonly", Client: newFakeClient("c")}).Code)
}

func TestRemoveClient(t *testing.T) {
	m, p := newManager(t)
	a, b := newFakeClient("a"), newFakeClient("b")

	require.Equal(t, errcode.ErrNone, m.HandleRequest(Request{Op: OpSubscribe, ReqID: 1, Subject: "test/subject", Input: json.RawMessage(`{"k":1}`), Client: a}).Code)
	require.Equal(t, errcode.ErrNone, m.HandleRequest(Request{Op: OpSubscribe, ReqID: 2, Subject: "test/subject", Input: json.RawMessage(`{"k":2}`), Client: a}).Code)
	require.Equal(t, errcode.ErrNone, m.HandleRequest(Request{Op: OpSubscribe, ReqID: 1, Subject: "test/subject", Input: json.RawMessage(`{"k":2}`), Client: b}).Code)
	require.Equal(t, errcode.ErrNone, m.HandleRequest(Request{Op: OpRead, ReqID: 3, Subject: "test/subject", Client: a}).Code)

	m.RemoveClient(a)

	// only the subscription a held alone is stopped
	_, unsubs, _ := p.counts()
	assert.Equal(t, 1, unsubs)
	assert.Equal(t, 1, m.Subscriptions())

	require.NoError(t, m.ReplyToRead("test/subject", nil, errcode.ErrNone, nil))
	require.NoError(t, m.Publish("test/subject", json.RawMessage(`{"k":2}`), errcode.ErrNone, nil))
	assert.Equal(t, int32(1), b.next(t).reqID)
	a.none(t)

	// request ids of a can be unsubscribed no more
	assert.Equal(t, errcode.ErrInvalidParameter, m.HandleRequest(Request{Op: OpUnsubscribe, ReqID: 2, Subject: "test/subject", Client: a}).Code)
}

func TestUnregisterProviderFailsPendingReads(t *testing.T) {
	m, p := newManager(t)
	c := newFakeClient("c")

	require.Equal(t, errcode.ErrNone, m.HandleRequest(Request{Op: OpSubscribe, ReqID: 1, Subject: "test/subject", Client: c}).Code)
	require.Equal(t, errcode.ErrNone, m.HandleRequest(Request{Op: OpRead, ReqID: 2, Subject: "test/subject", Client: c}).Code)

	require.NoError(t, m.UnregisterProvider("test/subject"))

	r := c.next(t)
	assert.Equal(t, int32(2), r.reqID)
	assert.Equal(t, int32(errcode.ErrOperationFailed), r.code)

	_, unsubs, _ := p.counts()
	assert.Equal(t, 1, unsubs)
	assert.Equal(t, 0, m.Subscriptions())
}

func TestClose(t *testing.T) {
	m := New(5 * time.Second)
	p := &fakeProvider{}
	require.NoError(t, m.RegisterProvider("s", p))
	require.Equal(t, errcode.ErrNone, m.HandleRequest(Request{Op: OpSubscribe, ReqID: 1, Subject: "s", Client: newFakeClient("c")}).Code)

	done := make(chan Reply, 1)
	go func() { done <- m.HandleRequest(Request{Op: OpReadSync, ReqID: 2, Subject: "s"}) }()

	// wait for the read to be pending
	require.Eventually(t, func() bool {
		_, _, reads := p.counts()
		return reads == 1
	}, time.Second, 5*time.Millisecond)

	m.Close()

	select {
	case reply := <-done:
		assert.Equal(t, errcode.ErrOperationFailed, reply.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("read_sync not released by Close")
	}
	_, unsubs, _ := p.counts()
	assert.Equal(t, 1, unsubs)
}

func TestCanonical(t *testing.T) {
	for _, tc := range []struct {
		in, want string
	}{
		{"", "{}"},
		{"null", "{}"},
		{" {} ", "{}"},
		{`{"b":1, "a":[1, 2]}`, `{"a":[1,2],"b":1}`},
		{`{"big":12345678901234567890}`, `{"big":12345678901234567890}`},
	} {
		got, err := canonical(json.RawMessage(tc.in))
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	for _, in := range []string{`{"a":`, `{} garbage`, `{}}`, `{} {}`, `1 2`} {
		_, err := canonical(json.RawMessage(in))
		assert.ErrorIs(t, err, errcode.ErrInvalidParameter, in)
	}

	// rejected before any provider is involved
	m, p := newManager(t)
	c := newFakeClient("c")
	reply := m.HandleRequest(Request{Op: OpSubscribe, ReqID: 1, Subject: "test/subject", Input: json.RawMessage(`{} garbage`), Client: c})
	assert.Equal(t, errcode.ErrInvalidParameter, reply.Code)
	subs, _, _ := p.counts()
	assert.Equal(t, 0, subs)
}
