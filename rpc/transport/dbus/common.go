package dbus

import (
	"context"
	"errors"
	"fmt"

	"github.com/ValentinKolb/ctxd/lib/errcode"
	"github.com/ValentinKolb/ctxd/rpc/transport"
	godbus "github.com/godbus/dbus/v5"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("transport/dbus")

const (
	// DefaultBusName is the well-known name of the context service
	DefaultBusName = "org.ctxd.context"

	// ObjectPath is exported by the service and by every client
	ObjectPath godbus.ObjectPath = "/org/ctxd/context"

	// Interface holds the Request and Respond methods
	Interface = "org.ctxd.context"

	MethodRequest = "Request"
	MethodRespond = "Respond"

	errNameAccessDenied = "org.freedesktop.DBus.Error.AccessDenied"
)

// BusType selects the message bus
type BusType string

const (
	SessionBus BusType = "session"
	SystemBus  BusType = "system"
)

// connect opens a private connection to the selected bus
func connect(bus BusType) (*godbus.Conn, error) {
	switch bus {
	case SystemBus:
		return godbus.ConnectSystemBus()
	case SessionBus, "":
		return godbus.ConnectSessionBus()
	default:
		return nil, fmt.Errorf("unknown bus type %q", bus)
	}
}

// mapCallError converts a D-Bus call error to the error reported to callers
func mapCallError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return transport.ErrTimeout
	}

	var dbusErr godbus.Error
	if errors.As(err, &dbusErr) && dbusErr.Name == errNameAccessDenied {
		return fmt.Errorf("%w: %v", errcode.ErrPermissionDenied, dbusErr)
	}
	var dbusErrPtr *godbus.Error
	if errors.As(err, &dbusErrPtr) && dbusErrPtr.Name == errNameAccessDenied {
		return fmt.Errorf("%w: %v", errcode.ErrPermissionDenied, dbusErrPtr)
	}
	return err
}
