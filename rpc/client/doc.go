// Package client implements the client side of the context bus.
//
// RPCClient allocates request ids, sends request envelopes over a transport
// and routes the completions the service pushes back to the listener
// registered for their subject.
//
// Key Components:
//
//   - NewRPCClient: Connects a transport and returns a client using it.
//
//   - Listener: Receives completions for one subject. Results of Read and
//     publications of a subscription arrive here, on the client's own loop and
//     never on a transport goroutine.
//
// Usage Example:
//
//	config := common.ClientConfig{
//	  Endpoints:     []string{"/tmp/ctxd.sock"},
//	  TimeoutSecond: 5,
//	}
//
//	c, _ := client.NewRPCClient(config, unix.NewUnixClientTransport(serializer.NewBinarySerializer()))
//	defer c.Close()
//
//	reqID, _, err := c.Subscribe("time/now", nil, client.ListenerFunc(
//	  func(subject string, reqID int32, code errcode.Code, data json.RawMessage) {
//	    fmt.Println(subject, string(data))
//	  }))
//	...
//	c.Unsubscribe("time/now", reqID)
//
// Errors:
//
//	All methods return errcode.Code values (possibly wrapped). A failing
//	transport is reported as errcode.ErrOperationFailed.
//
// Thread Safety:
//
//	RPCClient is safe for concurrent use.
package client
