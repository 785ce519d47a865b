package dbus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/ValentinKolb/ctxd/lib/errcode"
	"github.com/ValentinKolb/ctxd/rpc/common"
	"github.com/ValentinKolb/ctxd/rpc/transport"
	godbus "github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapCallError(t *testing.T) {
	assert.NoError(t, mapCallError(nil))
	assert.ErrorIs(t, mapCallError(context.DeadlineExceeded), transport.ErrTimeout)

	denied := mapCallError(godbus.Error{Name: errNameAccessDenied, Body: []interface{}{"no"}})
	assert.Equal(t, errcode.ErrPermissionDenied, errcode.Of(denied))

	denied = mapCallError(fmt.Errorf("call: %w", godbus.NewError(errNameAccessDenied, nil)))
	assert.Equal(t, errcode.ErrPermissionDenied, errcode.Of(denied))

	other := mapCallError(godbus.Error{Name: "org.freedesktop.DBus.Error.ServiceUnknown"})
	assert.Equal(t, errcode.ErrOperationFailed, errcode.Of(other))

	plain := errors.New("boom")
	assert.Same(t, plain, mapCallError(plain))
}

// TestSessionBusRoundTrip needs a running session bus
func TestSessionBusRoundTrip(t *testing.T) {
	if os.Getenv("DBUS_SESSION_BUS_ADDRESS") == "" {
		t.Skip("no session bus available")
	}

	name := "org.ctxd.test.c" + uuid.NewString()[:8]

	peers := make(chan transport.Peer, 1)
	srv := NewDBusServerTransport(SessionBus)
	srv.RegisterHandler(func(p transport.Peer, req *common.Message) *common.Message {
		select {
		case peers <- p:
		default:
		}
		return common.NewReply(0, `{"subject":"`+req.Subject+`"}`, req.Input)
	})
	go srv.Listen(common.ServerConfig{Endpoint: name})
	defer srv.Close()

	pushes := make(chan *common.Message, 1)
	c := NewDBusClientTransport(SessionBus)
	c.RegisterPushHandler(func(msg *common.Message) { pushes <- msg })
	require.NoError(t, c.Connect(common.ClientConfig{Endpoints: []string{name}, TimeoutSecond: 2}))
	defer c.Close()

	var resp *common.Message
	require.Eventually(t, func() bool {
		var err error
		resp, err = c.Send(common.NewRequest(common.ReqRead, 5, "time/now", `{"a":1}`))
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)

	assert.Equal(t, int32(0), resp.Code)
	assert.Equal(t, `{"subject":"time/now"}`, resp.Result)
	assert.Equal(t, `{"a":1}`, resp.Output)

	p := <-peers
	require.NoError(t, p.Respond(5, "time/now", 0, `{"t":1}`))

	select {
	case msg := <-pushes:
		assert.Equal(t, int32(5), msg.ReqID)
		assert.Equal(t, `{"t":1}`, msg.Output)
	case <-time.After(2 * time.Second):
		t.Fatal("respond not received")
	}
}
