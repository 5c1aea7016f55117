package commandbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glimte/cqrsbus-go/contracts"
	"github.com/glimte/cqrsbus-go/schema"
)

// Bus dispatches commands to the handler registered for their type, in process
type Bus struct {
	workers    *registry
	logger     *slog.Logger
	middleware []MiddlewareFunc
}

// NewBus creates a new command bus
func NewBus(opts ...Option) *Bus {
	return newBus(newOptions(opts))
}

func newBus(o *options) *Bus {
	return &Bus{
		workers:    newRegistry(),
		logger:     o.logger,
		middleware: o.middleware,
	}
}

// Register binds handler to the type of cmd. cmd is a prototype: a value or a
// pointer, possibly nil, of the command type. Handlers receive commands in the
// same form as the prototype.
func (b *Bus) Register(cmd any, handler Handler, opts ...RegisterOption) error {
	_, err := b.register(cmd, handler, opts...)
	return err
}

func (b *Bus) register(cmd any, handler Handler, opts ...RegisterOption) (*Worker, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	t, pointer, err := commandType(cmd)
	if err != nil {
		return nil, err
	}

	reg := &registration{}
	for _, opt := range opts {
		opt(reg)
	}

	meta := staticMeta(t)
	w := &Worker{
		ID:        wireIDOf(meta),
		Name:      meta.Name,
		Type:      t,
		Pointer:   pointer,
		Meta:      meta,
		Handler:   handler,
		Validator: reg.validator,
	}

	if err := b.workers.add(w); err != nil {
		return nil, &contracts.CommandError{Op: "register", Command: meta.Name, Err: err}
	}

	b.logger.Info("registered command handler",
		"command", w.Name,
		"workerId", w.ID,
		"validated", w.Validator != nil,
	)

	return w, nil
}

// Unregister removes the worker of the type of cmd
func (b *Bus) Unregister(cmd any) error {
	_, err := b.unregister(cmd)
	return err
}

func (b *Bus) unregister(cmd any) (*Worker, error) {
	t, _, err := commandType(cmd)
	if err != nil {
		return nil, err
	}

	w, ok := b.workers.remove(t)
	if !ok {
		return nil, &contracts.CommandError{Op: "unregister", Command: t.Name(), Err: contracts.ErrHandlerNotFound}
	}

	b.logger.Info("unregistered command handler", "command", w.Name)
	return w, nil
}

// Workers lists registered workers ordered by name
func (b *Bus) Workers() []*Worker {
	return b.workers.list()
}

// Validate resolves the worker of cmd and runs its validator
func (b *Bus) Validate(ctx context.Context, cmd any) (*Worker, error) {
	t, _, err := commandType(cmd)
	if err != nil {
		return nil, err
	}

	w, ok := b.workers.lookupType(t)
	if !ok {
		return nil, &contracts.CommandError{Op: "validate", Command: t.Name(), Err: contracts.ErrHandlerNotFound}
	}

	if err := b.check(ctx, w, cmd); err != nil {
		return nil, err
	}
	return w, nil
}

// check runs the worker validator on cmd
func (b *Bus) check(ctx context.Context, w *Worker, cmd any) error {
	if w.Validator == nil {
		return nil
	}

	valid, errs := w.Validator.Validate(ctx, cmd)
	if valid {
		return nil
	}
	return contracts.NewInvalidCommand(w.Name, schema.Convert(errs))
}

// Execute validates cmd and runs its handler. The handler's result and error
// are returned unchanged.
func (b *Bus) Execute(ctx context.Context, cmd any) (any, error) {
	w, err := b.Validate(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return b.invoke(ctx, w, w.coerce(cmd))
}

// invoke runs the worker handler through the middleware chain
func (b *Bus) invoke(ctx context.Context, w *Worker, cmd any) (any, error) {
	var h Handler = w.Handler
	for i := len(b.middleware) - 1; i >= 0; i-- {
		h = chain(b.middleware[i], h)
	}
	return h.Handle(context.WithValue(ctx, workerKey{}, w), cmd)
}

func chain(mw MiddlewareFunc, next Handler) Handler {
	return HandlerFunc(func(ctx context.Context, cmd any) (any, error) {
		return mw(ctx, cmd, next)
	})
}

// IsNotFound reports whether err means no handler is registered for a command
func IsNotFound(err error) bool {
	return errors.Is(err, contracts.ErrHandlerNotFound) || errors.Is(err, contracts.ErrCloudHandlerNotFound)
}
