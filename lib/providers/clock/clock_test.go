package clock

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/ctxd/lib/errcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	subject string
	option  string
	code    errcode.Code
	data    json.RawMessage
}

// publisher records values handed to the manager
type publisher struct {
	mu        sync.Mutex
	publishes []published
	replies   []published
}

func (p *publisher) Publish(subject string, option json.RawMessage, code errcode.Code, data json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publishes = append(p.publishes, published{subject, string(option), code, data})
	return nil
}

func (p *publisher) ReplyToRead(subject string, option json.RawMessage, code errcode.Code, data json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies = append(p.replies, published{subject, string(option), code, data})
	return nil
}

func (p *publisher) published() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.publishes)
}

func TestRead(t *testing.T) {
	pub := &publisher{}
	p := New(pub, "time/now", time.Second)
	p.now = func() time.Time { return time.UnixMilli(1700000000000).UTC() }

	result, err := p.Read(json.RawMessage("{}"))
	require.NoError(t, err)
	assert.Nil(t, result)
	require.Len(t, pub.replies, 1)

	var s Sample
	require.NoError(t, json.Unmarshal(pub.replies[0].data, &s))
	assert.Equal(t, int64(1700000000000), s.UnixMilli)
	assert.Equal(t, "2023-11-14T22:13:20Z", s.Time)
	assert.Equal(t, "time/now", pub.replies[0].subject)
}

func TestSubscribePublishesUntilUnsubscribed(t *testing.T) {
	pub := &publisher{}
	p := New(pub, "time/now", time.Second)
	defer p.Close()

	option := json.RawMessage(`{"interval_ms":10}`)
	result, err := p.Subscribe(option)
	require.NoError(t, err)
	assert.JSONEq(t, `{"interval_ms":10}`, string(result))

	_, err = p.Subscribe(option)
	assert.ErrorIs(t, err, errcode.ErrAlreadyStarted)

	require.Eventually(t, func() bool { return pub.published() >= 3 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, p.Unsubscribe(option))
	assert.ErrorIs(t, p.Unsubscribe(option), errcode.ErrNotStarted)

	// no more publications once the ticker goroutine noticed the stop
	time.Sleep(30 * time.Millisecond)
	n := pub.published()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, pub.published())

	pub.mu.Lock()
	assert.Equal(t, `{"interval_ms":10}`, pub.publishes[0].option)
	pub.mu.Unlock()
}

func TestSubscribeInvalidOption(t *testing.T) {
	p := New(&publisher{}, "time/now", time.Second)
	defer p.Close()

	_, err := p.Subscribe(json.RawMessage(`{"interval_ms":1}`))
	assert.ErrorIs(t, err, errcode.ErrOutOfRange)

	_, err = p.Subscribe(json.RawMessage(`{"interval_ms":"x"}`))
	assert.ErrorIs(t, err, errcode.ErrInvalidParameter)

	result, err := p.Subscribe(json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"interval_ms":1000}`, string(result))
}

func TestWriteNotSupported(t *testing.T) {
	p := New(&publisher{}, "time/now", time.Second)
	_, err := p.Write(json.RawMessage(`{}`))
	assert.ErrorIs(t, err, errcode.ErrNotSupported)
}
