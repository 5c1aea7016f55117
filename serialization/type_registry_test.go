package serialization

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type OrderCreated struct {
	ID int `json:"id"`
}

type OrderCancelled struct {
	ID     int    `json:"id"`
	Reason string `json:"reason"`
}

func TestDefaultTypeRegistry(t *testing.T) {
	t.Run("Register indexes a value type", func(t *testing.T) {
		r := NewTypeRegistry()

		require.NoError(t, r.Register("OrderCreated", OrderCreated{}))

		typ, err := r.Get("OrderCreated")
		require.NoError(t, err)
		assert.Equal(t, reflect.TypeOf(OrderCreated{}), typ)
		assert.True(t, r.IsRegistered("OrderCreated"))
	})

	t.Run("Register is idempotent for the same type", func(t *testing.T) {
		r := NewTypeRegistry()

		require.NoError(t, r.Register("OrderCreated", OrderCreated{}))
		assert.NoError(t, r.Register("OrderCreated", &OrderCreated{}))
	})

	t.Run("Register rejects a name bound to another type", func(t *testing.T) {
		r := NewTypeRegistry()

		require.NoError(t, r.Register("Order", OrderCreated{}))
		err := r.Register("Order", OrderCancelled{})

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "already registered")
	})

	t.Run("Register validates input", func(t *testing.T) {
		r := NewTypeRegistry()

		assert.Error(t, r.Register("", OrderCreated{}))
		assert.Error(t, r.Register("x", nil))
	})

	t.Run("CreateInstance decodes arguments into a value", func(t *testing.T) {
		r := NewTypeRegistry()
		require.NoError(t, r.Register("OrderCreated", OrderCreated{}))

		cmd, err := r.CreateInstance("OrderCreated", json.RawMessage(`{"id":42}`))

		require.NoError(t, err)
		assert.Equal(t, OrderCreated{ID: 42}, cmd)
	})

	t.Run("CreateInstance keeps pointer prototypes as pointers", func(t *testing.T) {
		r := NewTypeRegistry()
		require.NoError(t, r.Register("OrderCancelled", &OrderCancelled{}))

		cmd, err := r.CreateInstance("OrderCancelled", json.RawMessage(`{"id":1,"reason":"late"}`))

		require.NoError(t, err)
		assert.Equal(t, &OrderCancelled{ID: 1, Reason: "late"}, cmd)
	})

	t.Run("CreateInstance tolerates missing arguments", func(t *testing.T) {
		r := NewTypeRegistry()
		require.NoError(t, r.Register("OrderCreated", OrderCreated{}))

		cmd, err := r.CreateInstance("OrderCreated", json.RawMessage(`null`))
		require.NoError(t, err)
		assert.Equal(t, OrderCreated{}, cmd)

		cmd, err = r.CreateInstance("OrderCreated", nil)
		require.NoError(t, err)
		assert.Equal(t, OrderCreated{}, cmd)
	})

	t.Run("CreateInstance fails for unknown names and bad json", func(t *testing.T) {
		r := NewTypeRegistry()
		require.NoError(t, r.Register("OrderCreated", OrderCreated{}))

		_, err := r.CreateInstance("Missing", nil)
		assert.Error(t, err)

		_, err = r.CreateInstance("OrderCreated", json.RawMessage(`{"id":"x"}`))
		assert.Error(t, err)
	})

	t.Run("ListTypes and Unregister", func(t *testing.T) {
		r := NewTypeRegistry()
		require.NoError(t, r.Register("b", OrderCreated{}))
		require.NoError(t, r.Register("a", OrderCancelled{}))

		assert.Equal(t, []string{"a", "b"}, r.ListTypes())

		r.Unregister("a")
		assert.Equal(t, []string{"b"}, r.ListTypes())
	})
}
