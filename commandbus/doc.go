// Package commandbus dispatches commands to handlers registered by command type.
//
// Four buses build on each other:
//   - Bus runs handlers in process and applies middleware
//   - SchemaBus validates commands against the schema file they declare
//   - BrokerBus consumes commands from a queue private to the instance, bound
//     to the project's topic and direct exchanges
//   - CloudBus calls handlers hosted by other services and correlates their
//     replies by session id, with timeouts and single-use anonymous workers
//
// Commands are plain structs. They may implement contracts.Named,
// contracts.SchemaBound and contracts.Routable to control their name, schema
// and remote address.
//
//	bus := commandbus.NewBus(commandbus.WithLogger(logger))
//	_ = bus.Register(CreateOrder{}, commandbus.Typed(func(ctx context.Context, cmd CreateOrder) (any, error) {
//	    return orders.Create(ctx, cmd)
//	}))
//	result, err := bus.Execute(ctx, CreateOrder{ID: 42})
//
// The broker-backed buses connect in the background. Wait for them before
// publishing:
//
//	cloud, _ := commandbus.NewCloudBus(broker, commandbus.CloudBusConfig{App: "orders", Exchange: "springCloudBus"})
//	if err := cloud.WaitReady(ctx); err != nil {
//	    return err
//	}
//	reply, err := cloud.Call(ctx, ShipOrder{ID: 42}, 5*time.Second)
package commandbus
