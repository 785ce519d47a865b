package ctxmgr

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ValentinKolb/ctxd/lib/errcode"
)

// canonical returns option in a normalized form: object keys sorted, no
// insignificant whitespace. Empty options and null are the empty object.
func canonical(option json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(option)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "{}", nil
	}

	var v any
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("invalid option: %w", errcode.ErrInvalidParameter)
	}
	// exactly one value
	if _, err := dec.Token(); err != io.EOF {
		return "", fmt.Errorf("invalid option, trailing data: %w", errcode.ErrInvalidParameter)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("invalid option: %w", errcode.ErrInvalidParameter)
	}
	return string(out), nil
}

// topicKey identifies all requests for the same (subject, option)
type topicKey struct {
	subject string
	option  string
}

// memberKey identifies one request of one client
type memberKey struct {
	client string
	reqID  int32
}
