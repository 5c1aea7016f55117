package commandbus

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/cqrsbus-go/contracts"
	"github.com/glimte/cqrsbus-go/schema"
)

func floatPtr(f float64) *float64 { return &f }

func shipOrderSchema() *schema.Schema {
	return &schema.Schema{
		Type: "object",
		Properties: map[string]*schema.PropertyDef{
			"id": {Type: "integer", Minimum: floatPtr(1)},
		},
		Required: []string{"id"},
	}
}

func TestSchemaBus(t *testing.T) {
	ctx := context.Background()
	noop := HandlerFunc(func(context.Context, any) (any, error) { return "shipped", nil })

	t.Run("missing schema fails registration", func(t *testing.T) {
		bus := NewSchemaBus(WithLogger(quietLogger()))

		err := bus.Register(ShipOrder{}, noop)
		assert.ErrorIs(t, err, contracts.ErrValidatorNotFound)
		assert.Empty(t, bus.Workers())
	})

	t.Run("validates against the declared schema", func(t *testing.T) {
		schemas := schema.NewMessageValidator()
		require.NoError(t, schemas.RegisterSchema("Ship-Order", shipOrderSchema()))

		bus := NewSchemaBus(WithLogger(quietLogger()), WithSchemas(schemas))
		require.NoError(t, bus.Register(ShipOrder{}, noop))
		assert.Same(t, schemas, bus.Schemas())

		result, err := bus.Execute(ctx, ShipOrder{ID: 3})
		require.NoError(t, err)
		assert.Equal(t, "shipped", result)

		_, err = bus.Execute(ctx, ShipOrder{ID: 0})
		var invalid *contracts.InvalidCommandError
		require.ErrorAs(t, err, &invalid)
		require.Len(t, invalid.Errors, 1)
		assert.Equal(t, "id", invalid.Errors[0].Field)
		assert.Equal(t, "MINIMUM_VIOLATION", invalid.Errors[0].Code)
	})

	t.Run("explicit validator wins over the schema", func(t *testing.T) {
		bus := NewSchemaBus(WithLogger(quietLogger()))
		accept := schema.CommandValidatorFunc(func(context.Context, any) (bool, []schema.ValidationError) { return true, nil })

		require.NoError(t, bus.Register(ShipOrder{}, noop, WithValidator(accept)))
		_, err := bus.Execute(ctx, ShipOrder{})
		assert.NoError(t, err)
	})

	t.Run("commands without a schema are not validated", func(t *testing.T) {
		bus := NewSchemaBus(WithLogger(quietLogger()))

		require.NoError(t, bus.Register(CreateOrder{}, noop))
		_, err := bus.Execute(ctx, CreateOrder{})
		assert.NoError(t, err)
	})
}

func TestWireID(t *testing.T) {
	t.Run("is the md5 of handler and schema", func(t *testing.T) {
		sum := md5.Sum([]byte("shiporder-ship-order"))
		assert.Equal(t, hex.EncodeToString(sum[:]), WireID("ShipOrder", "ship-order"))
	})

	t.Run("ignores case", func(t *testing.T) {
		assert.Equal(t, WireID("ShipOrder", "ship-order"), WireID("SHIPORDER", "Ship-Order"))
		assert.NotEqual(t, WireID("ShipOrder", "ship-order"), WireID("ShipOrder", "ship-order-v2"))
	})

	t.Run("registered workers are addressed by it", func(t *testing.T) {
		bus := NewBus(WithLogger(quietLogger()))
		require.NoError(t, bus.Register(ShipOrder{}, HandlerFunc(func(context.Context, any) (any, error) { return nil, nil })))

		w, ok := bus.workers.lookupID(WireID("shiporder", "SHIP-ORDER"))
		require.True(t, ok)
		assert.Equal(t, "ShipOrder", w.Name)
	})

	t.Run("falls back to the command name", func(t *testing.T) {
		assert.Equal(t, WireID("OrderCancelled", ""), wireIDOf(contracts.CommandMeta{Name: "OrderCancelled"}))
	})

	t.Run("anonymous ids are unique", func(t *testing.T) {
		assert.NotEqual(t, anonymousID(), anonymousID())
		assert.Len(t, anonymousID(), 32)
	})
}
