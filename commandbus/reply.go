package commandbus

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/glimte/cqrsbus-go/contracts"
)

// ErrTimeout is returned when no reply arrived in time
var ErrTimeout = errors.New("command reply timeout")

// timeoutMessage is the message of a reply synthesized on timeout
var timeoutMessage = json.RawMessage(`"timeout"`)

var closedMessage = json.RawMessage(`"closed"`)

// Reply completes a cloud call
type Reply struct {
	Failed  bool
	Message json.RawMessage
}

// Decode unmarshals the reply message into v
func (r Reply) Decode(v any) error {
	if len(r.Message) == 0 {
		return nil
	}
	return json.Unmarshal(r.Message, v)
}

// Err returns nil for successful replies. Timeouts yield ErrTimeout; fallbacks
// yield a *RemoteError.
func (r Reply) Err() error {
	if !r.Failed {
		return nil
	}
	switch {
	case bytes.Equal(r.Message, timeoutMessage):
		return ErrTimeout
	case bytes.Equal(r.Message, closedMessage):
		return ErrClosed
	}

	var body contracts.FallbackBody
	if err := json.Unmarshal(r.Message, &body); err == nil && body.Message != "" {
		return &RemoteError{Message: body.Message, Errors: body.Errors}
	}
	return &RemoteError{Message: strings.Trim(string(r.Message), `"`)}
}

// RemoteError is a failure reported by the remote side of a call
type RemoteError struct {
	Message string
	Errors  []contracts.FieldError
}

func (e *RemoteError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("remote command failed: %s", e.Message)
	}
	return fmt.Sprintf("remote command failed: %s (%d field errors)", e.Message, len(e.Errors))
}
