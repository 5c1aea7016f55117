package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type plainCommand struct {
	ID int `json:"id"`
}

type richCommand struct{}

func (richCommand) CommandName() string { return "Rich" }
func (richCommand) SchemaFile() string  { return "rich-schema" }
func (richCommand) HandlerName() string { return "RichHandler" }
func (richCommand) RoutingKey() string  { return "rich-service" }

func TestMetaOf(t *testing.T) {
	t.Run("falls back to the given name", func(t *testing.T) {
		meta := MetaOf(plainCommand{}, "plainCommand")

		assert.Equal(t, "plainCommand", meta.Name)
		assert.Empty(t, meta.SchemaFile)
		assert.False(t, meta.HasRoute())
	})

	t.Run("reads every metadata interface", func(t *testing.T) {
		meta := MetaOf(richCommand{}, "richCommand")

		assert.Equal(t, "Rich", meta.Name)
		assert.Equal(t, "rich-schema", meta.SchemaFile)
		assert.Equal(t, "RichHandler", meta.HandlerName)
		assert.Equal(t, "rich-service", meta.RoutingKey)
		assert.True(t, meta.HasRoute())
	})
}

func TestRemoteCommand(t *testing.T) {
	t.Run("marshals to its payload", func(t *testing.T) {
		cmd, err := NewRemoteCommand("CreateOrder", "orders", "create-order", map[string]int{"id": 7})
		require.NoError(t, err)

		data, err := json.Marshal(cmd)
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":7}`, string(data))
		assert.True(t, MetaOf(cmd, "RemoteCommand").HasRoute())
	})

	t.Run("empty payload marshals to an empty object", func(t *testing.T) {
		data, err := json.Marshal(RemoteCommand{Handler: "x", Key: "y"})
		require.NoError(t, err)
		assert.Equal(t, "{}", string(data))
	})
}

func TestQueueMessage(t *testing.T) {
	t.Run("reads the canonical arguments field", func(t *testing.T) {
		var msg QueueMessage
		err := json.Unmarshal([]byte(`{"command":"OrderCreated","agruments":{"id":42}}`), &msg)

		require.NoError(t, err)
		assert.Equal(t, "OrderCreated", msg.Command)
		assert.JSONEq(t, `{"id":42}`, string(msg.Arguments))
	})

	t.Run("accepts the corrected spelling", func(t *testing.T) {
		var msg QueueMessage
		err := json.Unmarshal([]byte(`{"command":"OrderCreated","arguments":{"id":1}}`), &msg)

		require.NoError(t, err)
		assert.JSONEq(t, `{"id":1}`, string(msg.Arguments))
	})

	t.Run("publishes with the canonical field", func(t *testing.T) {
		data, err := json.Marshal(Payload{App: "svc", Command: "OrderCreated", Arguments: map[string]int{"id": 42}})

		require.NoError(t, err)
		assert.JSONEq(t, `{"app":"svc","command":"OrderCreated","agruments":{"id":42}}`, string(data))
	})
}

func TestDecodeCloudPayload(t *testing.T) {
	t.Run("decodes a response", func(t *testing.T) {
		body := `{"sessionId":"s1","sender":"abc","direction":"response","handler":"def","message":{"ok":true}}`

		p, err := DecodeCloudPayload([]byte(body))

		require.NoError(t, err)
		assert.Equal(t, "s1", p.SessionID)
		assert.Equal(t, DirectionResponse, p.Direction)
		assert.JSONEq(t, `{"ok":true}`, string(p.Message))
	})

	t.Run("missing direction defaults to request", func(t *testing.T) {
		p, err := DecodeCloudPayload([]byte(`{"sessionId":"s1","handler":"x"}`))

		require.NoError(t, err)
		assert.Equal(t, DirectionRequest, p.Direction)
	})

	t.Run("rejects unknown direction", func(t *testing.T) {
		_, err := DecodeCloudPayload([]byte(`{"sessionId":"s1","direction":"sideways"}`))
		assert.Error(t, err)
	})

	t.Run("rejects missing session", func(t *testing.T) {
		_, err := DecodeCloudPayload([]byte(`{"direction":"request"}`))
		assert.Error(t, err)
	})

	t.Run("rejects malformed json", func(t *testing.T) {
		_, err := DecodeCloudPayload([]byte(`{`))
		assert.Error(t, err)
	})
}

func TestErrors(t *testing.T) {
	t.Run("InvalidCommandError matches ErrInvalidCommand", func(t *testing.T) {
		err := fmt.Errorf("wrapped: %w", NewInvalidCommand("CreateOrder", []FieldError{
			{Field: "amount", Message: "required field is missing", Code: "REQUIRED_FIELD_MISSING"},
		}))

		assert.True(t, errors.Is(err, ErrInvalidCommand))

		var invalid *InvalidCommandError
		require.ErrorAs(t, err, &invalid)
		assert.Len(t, invalid.Errors, 1)
		assert.Contains(t, err.Error(), "amount: required field is missing")
	})

	t.Run("CommandError unwraps", func(t *testing.T) {
		err := &CommandError{Op: "register", Command: "CreateOrder", Err: ErrHandlerExisted}

		assert.ErrorIs(t, err, ErrHandlerExisted)
		assert.Equal(t, "register CreateOrder: command handler already registered", err.Error())
	})
}
