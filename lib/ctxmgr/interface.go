package ctxmgr

import (
	"encoding/json"

	"github.com/ValentinKolb/ctxd/lib/errcode"
)

// Provider serves one subject. Errors should be errcode.Code values, any other
// error is reported to clients as errcode.ErrOperationFailed.
//
// The manager calls Subscribe once for the first subscriber of an option and
// Unsubscribe once when the last subscriber of that option left. Values are
// delivered later through the Publisher the provider was created with.
type Provider interface {
	// IsSupported reports whether the subject is available on this system
	IsSupported() bool
	// Subscribe starts publishing for option, the result is sent to the subscriber
	Subscribe(option json.RawMessage) (json.RawMessage, error)
	// Unsubscribe stops publishing for option
	Unsubscribe(option json.RawMessage) error
	// Read starts reading the current value, completed by Publisher.ReplyToRead.
	// The result is sent to the reader right away.
	Read(option json.RawMessage) (json.RawMessage, error)
	// Write applies data and returns the result
	Write(data json.RawMessage) (json.RawMessage, error)
}

// ProviderBase is embedded by providers that only implement some operations
type ProviderBase struct{}

func (ProviderBase) IsSupported() bool { return true }

func (ProviderBase) Subscribe(json.RawMessage) (json.RawMessage, error) {
	return nil, errcode.ErrNotSupported
}

func (ProviderBase) Unsubscribe(json.RawMessage) error { return errcode.ErrNotSupported }

func (ProviderBase) Read(json.RawMessage) (json.RawMessage, error) {
	return nil, errcode.ErrNotSupported
}

func (ProviderBase) Write(json.RawMessage) (json.RawMessage, error) {
	return nil, errcode.ErrNotSupported
}

// Publisher is the manager side used by providers to deliver values
type Publisher interface {
	// Publish sends data to every subscriber of (subject, option)
	Publish(subject string, option json.RawMessage, code errcode.Code, data json.RawMessage) error
	// ReplyToRead completes every pending read of (subject, option)
	ReplyToRead(subject string, option json.RawMessage, code errcode.Code, data json.RawMessage) error
}

// Responder is the client a request came from. transport.Peer implements it.
type Responder interface {
	// ID identifies the client
	ID() string
	// Respond pushes an asynchronous completion to the client
	Respond(reqID int32, subject string, code int32, output string) error
}

// --------------------------------------------------------------------------
// Requests
// --------------------------------------------------------------------------

// Op is the operation of a Request
type Op int

const (
	OpSubscribe Op = iota + 1
	OpUnsubscribe
	OpRead
	OpReadSync
	OpWrite
	OpSupportCheck
)

func (o Op) String() string {
	switch o {
	case OpSubscribe:
		return "subscribe"
	case OpUnsubscribe:
		return "unsubscribe"
	case OpRead:
		return "read"
	case OpReadSync:
		return "read_sync"
	case OpWrite:
		return "write"
	case OpSupportCheck:
		return "support_check"
	default:
		return "unknown"
	}
}

// Request is one client request. Input is the option, or the data of a write.
type Request struct {
	Op      Op
	ReqID   int32
	Subject string
	Input   json.RawMessage
	Client  Responder
}

// Reply is the synchronous answer to a Request. Result is set by subscribe and
// write, Output by read_sync.
type Reply struct {
	Code   errcode.Code
	Result json.RawMessage
	Output json.RawMessage
}
