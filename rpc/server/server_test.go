package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/ValentinKolb/ctxd/lib/ctxmgr"
	"github.com/ValentinKolb/ctxd/lib/errcode"
	"github.com/ValentinKolb/ctxd/rpc/client"
	"github.com/ValentinKolb/ctxd/rpc/common"
	"github.com/ValentinKolb/ctxd/rpc/serializer"
	"github.com/ValentinKolb/ctxd/rpc/server"
	"github.com/ValentinKolb/ctxd/rpc/transport/unix"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type completion struct {
	subject string
	reqID   int32
	code    errcode.Code
	data    json.RawMessage
}

type listener chan completion

func (l listener) OnPublish(subject string, reqID int32, code errcode.Code, data json.RawMessage) {
	l <- completion{subject, reqID, code, data}
}

func (l listener) next(t *testing.T) completion {
	t.Helper()
	select {
	case c := <-l:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for completion")
		return completion{}
	}
}

// startService runs a server with a clock and a custom subject on a unix socket
func startService(t *testing.T) (*server.RPCServer, string) {
	t.Helper()

	dir := t.TempDir()
	config := common.ServerConfig{
		Endpoint:       filepath.Join(dir, "ctxd.sock"),
		TimeoutSecond:  1,
		DBPath:         filepath.Join(dir, "ctx.db"),
		ClockSubject:   "time/now",
		ClockInterval:  20 * time.Millisecond,
		CustomSubjects: []string{"app/notes"},
	}

	s, err := server.NewRPCServer(config, unix.NewUnixDefaultServerTransport(serializer.NewBinarySerializer()))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Serve() }()
	t.Cleanup(func() {
		assert.NoError(t, s.Close())
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("server did not stop")
		}
	})

	require.Eventually(t, func() bool {
		c, err := client.NewRPCClient(clientConfig(config.Endpoint), unix.NewUnixClientTransport(serializer.NewBinarySerializer()))
		if err != nil {
			return false
		}
		c.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	return s, config.Endpoint
}

func clientConfig(socket string) common.ClientConfig {
	return common.ClientConfig{
		Endpoints:              []string{socket},
		TimeoutSecond:          2,
		RetryCount:             1,
		ConnectionsPerEndpoint: 2,
	}
}

func connect(t *testing.T, socket string) *client.RPCClient {
	t.Helper()
	c, err := client.NewRPCClient(clientConfig(socket), unix.NewUnixClientTransport(serializer.NewBinarySerializer()))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestIsSupported(t *testing.T) {
	_, socket := startService(t)
	c := connect(t, socket)

	assert.NoError(t, c.IsSupported("time/now"))
	assert.NoError(t, c.IsSupported("app/notes"))
	assert.ErrorIs(t, c.IsSupported("unknown"), errcode.ErrNotSupported)
}

func TestSubscribeClock(t *testing.T) {
	s, socket := startService(t)
	c := connect(t, socket)
	l := make(listener, 64)

	reqID, result, err := c.Subscribe("time/now", json.RawMessage(`{"interval_ms":20}`), l)
	require.NoError(t, err)
	assert.JSONEq(t, `{"interval_ms":20}`, string(result))

	for i := 0; i < 2; i++ {
		got := l.next(t)
		assert.Equal(t, reqID, got.reqID)
		assert.Equal(t, "time/now", got.subject)
		assert.Equal(t, errcode.ErrNone, got.code)
		assert.Contains(t, string(got.data), "unix_ms")
	}

	require.NoError(t, c.Unsubscribe("time/now", reqID))
	assert.Equal(t, 0, s.Manager().Subscriptions())
}

func TestUnsubscribeWithoutSubscribe(t *testing.T) {
	_, socket := startService(t)
	c := connect(t, socket)

	start := time.Now()
	err := c.Unsubscribe("time/now", 12345)
	assert.ErrorIs(t, err, errcode.ErrInvalidParameter)
	assert.Less(t, time.Since(start), time.Second)
}

func TestReadSyncClock(t *testing.T) {
	_, socket := startService(t)
	c := connect(t, socket)

	reqID, output, err := c.ReadSync("time/now", nil)
	require.NoError(t, err)
	assert.Greater(t, reqID, int32(0))
	assert.Contains(t, string(output), "unix_ms")
}

func TestCustomSubjectWriteAndRead(t *testing.T) {
	_, socket := startService(t)
	c := connect(t, socket)
	l := make(listener, 16)

	subID, _, err := c.Subscribe("app/notes", nil, l)
	require.NoError(t, err)

	_, err = c.WriteWithReply("app/notes", json.RawMessage(`{"text":"hello"}`))
	require.NoError(t, err)

	got := l.next(t)
	assert.Equal(t, subID, got.reqID)
	assert.JSONEq(t, `{"text":"hello"}`, string(mustField(t, got.data, "data")))

	// fire and forget write
	require.NoError(t, c.Write("app/notes", json.RawMessage(`{"text":"world"}`)))
	got = l.next(t)
	assert.JSONEq(t, `{"text":"world"}`, string(mustField(t, got.data, "data")))

	// asynchronous read is completed through the same listener
	readID, ack, err := c.Read("app/notes", json.RawMessage(`{"limit":2}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"limit":2}`, string(ack))
	got = l.next(t)
	assert.Equal(t, readID, got.reqID)
	assert.Equal(t, errcode.ErrNone, got.code)

	var out struct {
		Records []json.RawMessage `json:"records"`
	}
	require.NoError(t, json.Unmarshal(got.data, &out))
	assert.Len(t, out.Records, 2)

	_, err = c.WriteWithReply("app/notes", json.RawMessage(`not json`))
	assert.Error(t, err)
}

func TestCustomProviderRegisteredAtRuntime(t *testing.T) {
	s, socket := startService(t)
	c := connect(t, socket)

	type echo struct{ ctxmgr.ProviderBase }
	require.NoError(t, s.Manager().RegisterProvider("test/echo", &echo{}))

	assert.NoError(t, c.IsSupported("test/echo"))
	_, _, err := c.Subscribe("test/echo", nil, nil)
	assert.ErrorIs(t, err, errcode.ErrNotSupported)
}

func TestDisconnectDropsSubscriptions(t *testing.T) {
	s, socket := startService(t)

	c, err := client.NewRPCClient(clientConfig(socket), unix.NewUnixClientTransport(serializer.NewBinarySerializer()))
	require.NoError(t, err)

	_, _, err = c.Subscribe("time/now", json.RawMessage(`{"interval_ms":50}`), make(listener, 64))
	require.NoError(t, err)
	assert.Equal(t, 1, s.Manager().Subscriptions())

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return s.Manager().Subscriptions() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func mustField(t *testing.T, data json.RawMessage, field string) json.RawMessage {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &m))
	return m[field]
}

func TestWorkerStatsExported(t *testing.T) {
	s, socket := startService(t)
	c := connect(t, socket)
	l := make(listener, 4)

	_, _, err := c.Subscribe("app/notes", nil, l)
	require.NoError(t, err)
	require.NoError(t, c.Write("app/notes", json.RawMessage(`{"text":"counted"}`)))
	l.next(t)

	require.Eventually(t, func() bool {
		stats := s.WorkerStats()
		return stats[server.WorkerDB].Processed > 0 && stats[server.WorkerDBDispatch].Processed > 0
	}, 2*time.Second, 10*time.Millisecond)

	var buf bytes.Buffer
	s.WritePrometheus(&buf)
	assert.Contains(t, buf.String(), `ctxd_worker_processed{worker="db"}`)
	assert.Contains(t, buf.String(), `ctxd_worker_pending{worker="db-dispatch"}`)
	assert.NotContains(t, buf.String(), `ctxd_worker_processed{worker="db"} 0`+"\n")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.LogStats(ctx, 5*time.Millisecond) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("LogStats did not return after cancel")
	}
}
