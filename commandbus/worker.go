package commandbus

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/glimte/cqrsbus-go/contracts"
	"github.com/glimte/cqrsbus-go/schema"
)

// Handler processes a command and returns its result
type Handler interface {
	Handle(ctx context.Context, cmd any) (any, error)
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, cmd any) (any, error)

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, cmd any) (any, error) {
	return f(ctx, cmd)
}

// Typed adapts a function taking a concrete command type. Register it with a
// prototype of the same type: a value prototype for T = OrderCreated, a pointer
// for T = *OrderCreated.
func Typed[T any](fn func(ctx context.Context, cmd T) (any, error)) HandlerFunc {
	return func(ctx context.Context, cmd any) (any, error) {
		typed, ok := cmd.(T)
		if !ok {
			var want T
			return nil, fmt.Errorf("expected command %T, got %T", want, cmd)
		}
		return fn(ctx, typed)
	}
}

// MiddlewareFunc runs around a handler invocation
type MiddlewareFunc func(ctx context.Context, cmd any, next Handler) (any, error)

// Worker binds a command type to its handler
type Worker struct {
	ID        string
	Name      string
	Type      reflect.Type // Command type with pointer indirection removed
	Pointer   bool         // Handler expects a pointer
	Meta      contracts.CommandMeta
	Handler   Handler
	Validator schema.CommandValidator
	Anonymous bool
}

// coerce returns cmd in the form the handler expects, pointer or value
func (w *Worker) coerce(cmd any) any {
	if w.Type == nil {
		return cmd
	}

	v := reflect.ValueOf(cmd)
	isPointer := v.Kind() == reflect.Ptr
	switch {
	case isPointer == w.Pointer:
		return cmd
	case isPointer:
		if v.IsNil() {
			return reflect.Zero(w.Type).Interface()
		}
		return v.Elem().Interface()
	default:
		p := reflect.New(w.Type)
		p.Elem().Set(v)
		return p.Interface()
	}
}

// RegisterOption configures a single registration
type RegisterOption func(*registration)

type registration struct {
	validator schema.CommandValidator
}

// WithValidator validates commands of the registered type with v
func WithValidator(v schema.CommandValidator) RegisterOption {
	return func(r *registration) {
		r.validator = v
	}
}

// commandType returns the type of cmd with pointer indirection removed
func commandType(cmd any) (reflect.Type, bool, error) {
	if cmd == nil {
		return nil, false, fmt.Errorf("command cannot be nil")
	}

	t := reflect.TypeOf(cmd)
	if t.Kind() != reflect.Ptr {
		return t, false, nil
	}
	return t.Elem(), true, nil
}

// staticMeta reads the metadata declared by a command type
func staticMeta(t reflect.Type) contracts.CommandMeta {
	return contracts.MetaOf(reflect.New(t).Interface(), t.Name())
}

// registry owns worker records and indexes them by command type and by wire id.
// Only buses dispatching by wire id set uniqueIDs; elsewhere the first worker
// with an id keeps the wire id slot.
type registry struct {
	mu        sync.RWMutex
	byType    map[reflect.Type]*Worker
	byWireID  map[string]*Worker
	uniqueIDs bool
}

func newRegistry() *registry {
	return &registry{
		byType:   make(map[reflect.Type]*Worker),
		byWireID: make(map[string]*Worker),
	}
}

func (r *registry) add(w *Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byType[w.Type]; exists {
		return contracts.ErrHandlerExisted
	}
	other, taken := r.byWireID[w.ID]
	if taken && r.uniqueIDs {
		return fmt.Errorf("%w: wire id %s is taken by %s", contracts.ErrHandlerExisted, w.ID, other.Name)
	}

	r.byType[w.Type] = w
	if !taken {
		r.byWireID[w.ID] = w
	}
	return nil
}

func (r *registry) remove(t reflect.Type) (*Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, exists := r.byType[t]
	if !exists {
		return nil, false
	}
	delete(r.byType, t)
	if r.byWireID[w.ID] == w {
		delete(r.byWireID, w.ID)
	}
	return w, true
}

func (r *registry) lookupType(t reflect.Type) (*Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.byType[t]
	return w, ok
}

func (r *registry) lookupID(id string) (*Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.byWireID[id]
	return w, ok
}

// addAnonymous puts an anonymous worker in the wire id index only
func (r *registry) addAnonymous(w *Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byWireID[w.ID] = w
}

// evict removes an anonymous worker from the wire id index. It reports whether
// this call removed it.
func (r *registry) evict(w *Worker) bool {
	if w == nil || !w.Anonymous {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byWireID[w.ID] != w {
		return false
	}
	delete(r.byWireID, w.ID)
	return true
}

func (r *registry) list() []*Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	workers := make([]*Worker, 0, len(r.byType))
	for _, w := range r.byType {
		workers = append(workers, w)
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].Name < workers[j].Name })
	return workers
}
