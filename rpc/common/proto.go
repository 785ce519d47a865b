package common

import (
	"encoding/json"
	"fmt"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message is the envelope exchanged on the context bus.
// Which fields are used depends on the type of message:
//
//	request: ReqType, Cookie, ReqID, Subject, Input
//	reply:   Code, Result, Output
//	respond: ReqID, Subject, Code, Output (server initiated completion)
//	error:   Code, Err
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// Request fields
	ReqType RequestType `json:"req_type,omitempty"`
	Cookie  string      `json:"cookie,omitempty"` // Deprecated, always empty
	ReqID   int32       `json:"req_id,omitempty"` // Used for: requests and respond
	Subject string      `json:"subject,omitempty"`
	Input   string      `json:"input,omitempty"` // JSON option or data of the request

	// Reply and respond fields
	Code   int32  `json:"code,omitempty"`   // errcode.Code of the operation
	Result string `json:"result,omitempty"` // JSON, used for: reply
	Output string `json:"output,omitempty"` // JSON, used for: reply, respond

	// Err carries a transport level error description
	Err string `json:"err,omitempty"`
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewRequest creates a request envelope. An empty input is sent as "{}".
func NewRequest(reqType RequestType, reqID int32, subject, input string) *Message {
	if input == "" {
		input = EmptyJSON
	}
	return &Message{
		MsgType: MsgTRequest,
		ReqType: reqType,
		ReqID:   reqID,
		Subject: subject,
		Input:   input,
	}
}

// NewReply creates the synchronous reply to a request
func NewReply(code int32, result, output string) *Message {
	return &Message{
		MsgType: MsgTReply,
		Code:    code,
		Result:  result,
		Output:  output,
	}
}

// NewRespond creates an asynchronous completion pushed to a client
func NewRespond(reqID int32, subject string, code int32, output string) *Message {
	return &Message{
		MsgType: MsgTRespond,
		ReqID:   reqID,
		Subject: subject,
		Code:    code,
		Output:  output,
	}
}

// NewErrorResponse creates an error reply with a transport level description
func NewErrorResponse(code int32, err string) *Message {
	return &Message{
		MsgType: MsgTError,
		Code:    code,
		Err:     err,
	}
}

// EmptyJSON is the payload sent when a request carries no option or data
const EmptyJSON = "{}"

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the kind of envelope
type MessageType uint8

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	switch t {
	case MsgTRequest:
		return "request"
	case MsgTReply:
		return "reply"
	case MsgTRespond:
		return "respond"
	case MsgTError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalJSON serializes a MessageType as a string
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON parses a MessageType from its string form
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	switch s {
	case "request":
		*t = MsgTRequest
	case "reply":
		*t = MsgTReply
	case "respond":
		*t = MsgTRespond
	case "error":
		*t = MsgTError
	case "unknown":
		*t = MsgTUnknown
	default:
		return fmt.Errorf("unknown message type: %s", s)
	}

	return nil
}

const (
	MsgTUnknown MessageType = iota
	MsgTRequest             // Client to service request
	MsgTReply               // Service reply to a request
	MsgTRespond             // Service initiated completion for a request id
	MsgTError               // Indicates an error occurred
)

// --------------------------------------------------------------------------
// Request Type Definition
// --------------------------------------------------------------------------

// RequestType is the operation of a request. The values are wire-stable.
type RequestType int32

const (
	ReqSubscribe    RequestType = 1
	ReqUnsubscribe  RequestType = 2
	ReqRead         RequestType = 3
	ReqReadSync     RequestType = 4
	ReqWrite        RequestType = 5
	ReqSupportCheck RequestType = 6
)

// String returns the string representation of a RequestType.
func (t RequestType) String() string {
	switch t {
	case ReqSubscribe:
		return "subscribe"
	case ReqUnsubscribe:
		return "unsubscribe"
	case ReqRead:
		return "read"
	case ReqReadSync:
		return "read_sync"
	case ReqWrite:
		return "write"
	case ReqSupportCheck:
		return "support_check"
	default:
		return fmt.Sprintf("request(%d)", int32(t))
	}
}

// Valid reports whether t is one of the known request types
func (t RequestType) Valid() bool {
	return t >= ReqSubscribe && t <= ReqSupportCheck
}
