package commandbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/cqrsbus-go/contracts"
	"github.com/glimte/cqrsbus-go/messaging"
	"github.com/glimte/cqrsbus-go/schema"
	"github.com/glimte/cqrsbus-go/transports/memory"
)

const cloudExchange = "springCloudBus"

type shipment struct {
	Tracking string `json:"tracking"`
}

func startCloudBus(t *testing.T, broker messaging.Broker, app, instanceID string, opts ...Option) *CloudBus {
	t.Helper()

	opts = append([]Option{WithLogger(quietLogger()), WithInstanceID(instanceID), fastRetry()}, opts...)
	bus, err := NewCloudBus(broker, CloudBusConfig{App: app, Exchange: cloudExchange}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, bus.WaitReady(ctx))
	return bus
}

// shippingService hosts ShipOrder and fails for odd ids above 100
func shippingService(t *testing.T, broker messaging.Broker) *CloudBus {
	t.Helper()

	schemas := schema.NewMessageValidator()
	require.NoError(t, schemas.RegisterSchema("ship-order", shipOrderSchema()))

	server := startCloudBus(t, broker, "shipping", "S1", WithSchemas(schemas))
	require.NoError(t, server.Register(ShipOrder{}, Typed(func(ctx context.Context, cmd ShipOrder) (any, error) {
		if cmd.ID > 100 && cmd.ID%2 == 1 {
			return nil, errors.New("warehouse offline")
		}
		return shipment{Tracking: fmt.Sprintf("T-%d", cmd.ID)}, nil
	})))
	return server
}

func anonymousWorkers(b *CloudBus) int {
	b.bus.workers.mu.RLock()
	defer b.bus.workers.mu.RUnlock()

	n := 0
	for _, w := range b.bus.workers.byWireID {
		if w.Anonymous {
			n++
		}
	}
	return n
}

func pendingWorker(b *CloudBus, sessionID string) *Worker {
	b.pending.mu.Lock()
	defer b.pending.mu.Unlock()

	if call, ok := b.pending.calls[sessionID]; ok {
		return call.worker
	}
	return nil
}

func TestCloudBusCall(t *testing.T) {
	ctx := context.Background()
	broker := newMemoryBroker(t, memory.Config{})
	shippingService(t, broker)
	client := startCloudBus(t, broker, "orders", "C1")

	t.Run("returns the remote result", func(t *testing.T) {
		reply, err := client.Call(ctx, ShipOrder{ID: 3}, time.Second)
		require.NoError(t, err)
		assert.False(t, reply.Failed)

		var got shipment
		require.NoError(t, reply.Decode(&got))
		assert.Equal(t, "T-3", got.Tracking)
		assert.Equal(t, 0, anonymousWorkers(client))
	})

	t.Run("remote validation failures come back as a fallback", func(t *testing.T) {
		reply, err := client.Call(ctx, ShipOrder{ID: 0}, time.Second)
		assert.True(t, reply.Failed)

		var remote *RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Equal(t, "Invalid command", remote.Message)
		require.Len(t, remote.Errors, 1)
		assert.Equal(t, "id", remote.Errors[0].Field)
		assert.Equal(t, 0, anonymousWorkers(client))
	})

	t.Run("handler errors come back as a fallback", func(t *testing.T) {
		_, err := client.Call(ctx, ShipOrder{ID: 101}, time.Second)

		var remote *RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Equal(t, "warehouse offline", remote.Message)
	})

	t.Run("unknown remote handlers are not found", func(t *testing.T) {
		cmd, err := contracts.NewRemoteCommand("Missing", "shipping", "missing", map[string]int{"id": 1})
		require.NoError(t, err)

		_, err = client.Call(ctx, cmd, time.Second)
		var remote *RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Equal(t, "Command not found", remote.Message)
	})

	t.Run("remote commands address handlers by name", func(t *testing.T) {
		cmd, err := contracts.NewRemoteCommand("shiporder", "shipping", "SHIP-ORDER", map[string]int{"id": 4})
		require.NoError(t, err)

		reply, err := client.Call(ctx, cmd, time.Second)
		require.NoError(t, err)

		var got shipment
		require.NoError(t, reply.Decode(&got))
		assert.Equal(t, "T-4", got.Tracking)
	})

	t.Run("times out once when nobody answers", func(t *testing.T) {
		cmd, err := contracts.NewRemoteCommand("ShipOrder", "nowhere", "ship-order", map[string]int{"id": 1})
		require.NoError(t, err)

		reply, err := client.Call(ctx, cmd, 20*time.Millisecond)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.True(t, reply.Failed)
		assert.JSONEq(t, `"timeout"`, string(reply.Message))
		assert.Equal(t, 0, anonymousWorkers(client))
		assert.Equal(t, 0, client.pending.len())
	})

	t.Run("abandons the call when the context ends", func(t *testing.T) {
		cmd, err := contracts.NewRemoteCommand("ShipOrder", "nowhere", "ship-order", map[string]int{"id": 1})
		require.NoError(t, err)

		callCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		_, err = client.Call(callCtx, cmd, time.Minute)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, 0, client.pending.len())
		assert.Equal(t, 0, anonymousWorkers(client))
	})
}

func TestCloudBusSharedServiceQueue(t *testing.T) {
	ctx := context.Background()
	broker := newMemoryBroker(t, memory.Config{})

	schemas := schema.NewMessageValidator()
	require.NoError(t, schemas.RegisterSchema("ship-order", shipOrderSchema()))

	var mu sync.Mutex
	served := make(map[string]int)
	for _, instance := range []string{"S1", "S2"} {
		instance := instance
		server := startCloudBus(t, broker, "shipping", instance, WithSchemas(schemas))
		require.NoError(t, server.Register(ShipOrder{}, Typed(func(ctx context.Context, cmd ShipOrder) (any, error) {
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			served[instance]++
			mu.Unlock()
			return shipment{Tracking: instance}, nil
		})))
	}
	client := startCloudBus(t, broker, "orders", "C1")

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_, err := client.Call(ctx, ShipOrder{ID: id}, 2*time.Second)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 20, served["S1"]+served["S2"])
	assert.NotZero(t, served["S1"])
	assert.NotZero(t, served["S2"])
}

func TestCloudBusReplies(t *testing.T) {
	ctx := context.Background()
	broker := newMemoryBroker(t, memory.Config{})
	client := startCloudBus(t, broker, "orders", "C1")

	respond := func(sessionID, handler, message string) {
		body, err := json.Marshal(contracts.CloudPayload{
			SessionID: sessionID,
			Sender:    "remote",
			Direction: contracts.DirectionResponse,
			Handler:   handler,
			Message:   json.RawMessage(message),
		})
		require.NoError(t, err)
		require.NoError(t, broker.Publish(ctx, messaging.Publishing{Router: cloudExchange, RoutingKey: "orders.C1", Body: body}))
	}

	unanswered := func() *contracts.RemoteCommand {
		cmd, err := contracts.NewRemoteCommand("ShipOrder", "nowhere", "ship-order", map[string]int{"id": 1})
		require.NoError(t, err)
		return cmd
	}

	t.Run("the first response wins", func(t *testing.T) {
		var mu sync.Mutex
		var replies []Reply

		sessionID, err := client.execute(ctx, unanswered(), WithTimeout(time.Minute), WithCallback(func(r Reply) {
			mu.Lock()
			defer mu.Unlock()
			replies = append(replies, r)
		}))
		require.NoError(t, err)

		w := pendingWorker(client, sessionID)
		require.NotNil(t, w)
		assert.True(t, w.Anonymous)

		respond(sessionID, w.ID, `{"n":1}`)
		respond(sessionID, w.ID, `{"n":2}`)

		assert.Eventually(t, func() bool { return broker.Stats().Acked >= 2 }, time.Second, 5*time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		require.Len(t, replies, 1)
		assert.JSONEq(t, `{"n":1}`, string(replies[0].Message))
		assert.Equal(t, 0, anonymousWorkers(client))
	})

	t.Run("late replies after a timeout are dropped", func(t *testing.T) {
		var mu sync.Mutex
		var replies []Reply

		sessionID, err := client.execute(ctx, unanswered(), WithTimeout(50*time.Millisecond), WithCallback(func(r Reply) {
			mu.Lock()
			defer mu.Unlock()
			replies = append(replies, r)
		}))
		require.NoError(t, err)
		w := pendingWorker(client, sessionID)
		require.NotNil(t, w)

		assert.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(replies) == 1
		}, time.Second, 5*time.Millisecond)

		acked := broker.Stats().Acked
		respond(sessionID, w.ID, `{"n":1}`)
		assert.Eventually(t, func() bool { return broker.Stats().Acked == acked+1 }, time.Second, 5*time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, replies, 1)
		assert.ErrorIs(t, replies[0].Err(), ErrTimeout)
	})

	t.Run("fallbacks resolve the call", func(t *testing.T) {
		replies := make(chan Reply, 1)
		sessionID, err := client.execute(ctx, unanswered(), WithTimeout(time.Minute), WithCallback(func(r Reply) { replies <- r }))
		require.NoError(t, err)
		w := pendingWorker(client, sessionID)
		require.NotNil(t, w)

		body, err := json.Marshal(contracts.CloudPayload{
			SessionID: sessionID,
			Direction: contracts.DirectionFallback,
			Handler:   w.ID,
			Message:   json.RawMessage(`{"message":"Command not found"}`),
		})
		require.NoError(t, err)
		require.NoError(t, broker.Publish(ctx, messaging.Publishing{Router: cloudExchange, RoutingKey: "orders.C1", Body: body}))

		select {
		case r := <-replies:
			assert.True(t, r.Failed)
		case <-time.After(time.Second):
			t.Fatal("fallback not delivered")
		}
		assert.Equal(t, 0, anonymousWorkers(client))
	})

	t.Run("undecodable messages are rejected", func(t *testing.T) {
		nacked := broker.Stats().Nacked
		require.NoError(t, broker.Publish(ctx, messaging.Publishing{Router: cloudExchange, RoutingKey: "orders.C1", Body: []byte(`{"direction":"sideways","sessionId":"s"}`)}))

		assert.Eventually(t, func() bool { return broker.Stats().Nacked == nacked+1 }, time.Second, 5*time.Millisecond)
	})
}

func TestCloudBusExecute(t *testing.T) {
	ctx := context.Background()

	t.Run("fire and forget reaches the handler", func(t *testing.T) {
		broker := newMemoryBroker(t, memory.Config{})
		server := startCloudBus(t, broker, "shipping", "S1")
		client := startCloudBus(t, broker, "orders", "C1")

		got := make(chan ShipOrder, 1)
		require.NoError(t, server.Register(ShipOrder{}, Typed(func(ctx context.Context, cmd ShipOrder) (any, error) {
			got <- cmd
			return nil, nil
		}), WithValidator(schema.CommandValidatorFunc(func(context.Context, any) (bool, []schema.ValidationError) {
			return true, nil
		}))))

		require.NoError(t, client.Execute(ctx, ShipOrder{ID: 9}))

		select {
		case cmd := <-got:
			assert.Equal(t, 9, cmd.ID)
		case <-time.After(time.Second):
			t.Fatal("handler not called")
		}
		assert.Equal(t, 0, client.pending.len())
		assert.Equal(t, 0, anonymousWorkers(client))
	})

	t.Run("commands need a route", func(t *testing.T) {
		broker := newMemoryBroker(t, memory.Config{})
		client := startCloudBus(t, broker, "orders", "C1")

		cmd, err := contracts.NewRemoteCommand("", "", "", nil)
		require.NoError(t, err)
		assert.ErrorIs(t, client.Execute(ctx, cmd), contracts.ErrCloudHandlerNotFound)

		assert.ErrorIs(t, client.Execute(ctx, CreateOrder{}), contracts.ErrHandlerNotFound)
		assert.Error(t, client.Execute(ctx, (*ShipOrder)(nil)))
	})

	t.Run("unknown handlers fall back without a sender", func(t *testing.T) {
		broker := newMemoryBroker(t, memory.Config{})
		startCloudBus(t, broker, "shipping", "S1")

		replies := make(chan []byte, 1)
		require.NoError(t, broker.Subscribe(ctx, messaging.SubscribeOptions{
			Queue:   "watch",
			AutoAck: true,
			OnMessage: func(ctx context.Context, d messaging.Delivery) {
				replies <- d.Body()
			},
		}))
		require.NoError(t, broker.Bind(ctx, messaging.BindOptions{Source: cloudExchange, Destination: "watch", Pattern: "watch"}))

		body, err := json.Marshal(contracts.CloudPayload{
			SessionID: "s-1",
			Sender:    "watcher",
			Direction: contracts.DirectionRequest,
			Handler:   "unknown",
			Message:   json.RawMessage(`{}`),
		})
		require.NoError(t, err)
		require.NoError(t, broker.Publish(ctx, messaging.Publishing{Router: cloudExchange, RoutingKey: "shipping", ReplyTo: "watch", Body: body}))

		select {
		case raw := <-replies:
			p, err := contracts.DecodeCloudPayload(raw)
			require.NoError(t, err)
			assert.Equal(t, contracts.DirectionFallback, p.Direction)
			assert.Equal(t, "s-1", p.SessionID)
			assert.Empty(t, p.Sender)
			assert.Equal(t, "watcher", p.Handler)
			assert.JSONEq(t, `{"message":"Command not found"}`, string(p.Message))
		case <-time.After(time.Second):
			t.Fatal("fallback not published")
		}
	})

	t.Run("close resolves pending calls", func(t *testing.T) {
		broker := newMemoryBroker(t, memory.Config{})
		client := startCloudBus(t, broker, "orders", "C1")

		cmd, err := contracts.NewRemoteCommand("ShipOrder", "nowhere", "ship-order", nil)
		require.NoError(t, err)

		replies := make(chan Reply, 1)
		require.NoError(t, client.Execute(ctx, cmd, WithTimeout(time.Minute), WithCallback(func(r Reply) { replies <- r })))
		require.NoError(t, client.Close(ctx))

		select {
		case r := <-replies:
			assert.ErrorIs(t, r.Err(), ErrClosed)
		case <-time.After(time.Second):
			t.Fatal("pending call not resolved")
		}
		assert.ErrorIs(t, client.Execute(ctx, cmd), ErrClosed)
	})
}

func TestCloudBusSetup(t *testing.T) {
	t.Run("default app name derives from the instance", func(t *testing.T) {
		broker := newMemoryBroker(t, memory.Config{})
		bus, err := NewCloudBus(broker, CloudBusConfig{Exchange: cloudExchange}, WithLogger(quietLogger()), WithInstanceID("I1"))
		require.NoError(t, err)
		defer bus.Close(context.Background())

		assert.Equal(t, "cqrsbus-"+hashHex("I1"), bus.Topology().ServiceQueue)
		assert.Equal(t, "cqrsbus-"+hashHex("I1")+".I1", bus.Topology().ReplyQueue)
	})

	t.Run("binds both queues", func(t *testing.T) {
		broker := newMemoryBroker(t, memory.Config{})
		startCloudBus(t, broker, "orders", "C1")

		assert.ElementsMatch(t, []messaging.BindOptions{
			{Source: cloudExchange, Destination: "orders", Pattern: "orders"},
			{Source: cloudExchange, Destination: "orders.C1", Pattern: "orders.C1"},
		}, broker.Bindings(cloudExchange))
	})

	t.Run("wire ids are unique", func(t *testing.T) {
		broker := newMemoryBroker(t, memory.Config{})
		bus := startCloudBus(t, broker, "orders", "C1")
		noop := HandlerFunc(func(context.Context, any) (any, error) { return nil, nil })

		require.NoError(t, bus.Register(CancelOrder{}, noop))
		err := bus.Register(OrderCancelled{}, noop)
		assert.ErrorIs(t, err, contracts.ErrHandlerExisted)

		workers := bus.Workers()
		require.Len(t, workers, 1)
		assert.Equal(t, reflect.TypeOf(CancelOrder{}), workers[0].Type)

		w, ok := bus.Worker(workers[0].ID)
		require.True(t, ok)
		assert.Same(t, workers[0], w)
	})

	t.Run("rejects bad configuration", func(t *testing.T) {
		broker := newMemoryBroker(t, memory.Config{})

		_, err := NewCloudBus(broker, CloudBusConfig{App: "orders"})
		assert.Error(t, err)

		_, err = NewCloudBus(broker, CloudBusConfig{App: "orders", Exchange: cloudExchange, Kind: "weird"})
		assert.Error(t, err)
	})

	t.Run("register keeps the wire index in sync", func(t *testing.T) {
		broker := newMemoryBroker(t, memory.Config{})
		bus := startCloudBus(t, broker, "orders", "C1")
		noop := HandlerFunc(func(context.Context, any) (any, error) { return nil, nil })
		accept := WithValidator(schema.CommandValidatorFunc(func(context.Context, any) (bool, []schema.ValidationError) { return true, nil }))

		require.NoError(t, bus.Register(ShipOrder{}, noop, accept))
		w, ok := bus.Worker(WireID("ShipOrder", "ship-order"))
		require.True(t, ok)
		assert.Equal(t, "ShipOrder", w.Name)
		assert.Len(t, bus.Workers(), 1)

		require.NoError(t, bus.Unregister(ShipOrder{}))
		_, ok = bus.Worker(WireID("ShipOrder", "ship-order"))
		assert.False(t, ok)
	})
}
