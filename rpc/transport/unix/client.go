package unix

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/ValentinKolb/ctxd/rpc/serializer"
	"github.com/ValentinKolb/ctxd/rpc/transport"
	"github.com/ValentinKolb/ctxd/rpc/transport/base"
)

const dialTimeout = 2 * time.Second

// socketDialer dials the daemon's socket file. A missing file is reported
// as such instead of the generic "connection refused".
type socketDialer struct{}

func (d *socketDialer) GetName() string {
	return "unix"
}

func (d *socketDialer) Connect(endpoint string) (net.Conn, error) {
	if _, err := os.Stat(endpoint); err != nil {
		return nil, fmt.Errorf("context daemon socket %s: %w", endpoint, err)
	}
	return net.DialTimeout("unix", endpoint, dialTimeout)
}

// NewUnixClientTransport creates a client bus over Unix domain sockets
func NewUnixClientTransport(s serializer.IRPCSerializer) transport.IRPCClientTransport {
	return base.NewBaseClientTransport(&socketDialer{}, s)
}
