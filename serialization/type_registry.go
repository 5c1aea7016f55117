package serialization

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// TypeRegistry maps wire command names to Go types so inbound messages can be
// turned back into command instances
type TypeRegistry interface {
	// Register registers the type of prototype under a name
	Register(typeName string, prototype any) error

	// Get retrieves the type registered under a name
	Get(typeName string) (reflect.Type, error)

	// CreateInstance decodes raw arguments into a new instance of the named type
	CreateInstance(typeName string, arguments json.RawMessage) (any, error)

	// IsRegistered checks if a name is registered
	IsRegistered(typeName string) bool

	// ListTypes returns all registered names
	ListTypes() []string
}

type registeredType struct {
	typ     reflect.Type
	pointer bool
}

// DefaultTypeRegistry is the default implementation of TypeRegistry
type DefaultTypeRegistry struct {
	types map[string]registeredType
	mu    sync.RWMutex
}

// NewTypeRegistry creates a new type registry
func NewTypeRegistry() *DefaultTypeRegistry {
	return &DefaultTypeRegistry{
		types: make(map[string]registeredType),
	}
}

// Register registers the type of prototype under a name. Instances are created
// as pointers when the prototype is a pointer.
func (r *DefaultTypeRegistry) Register(typeName string, prototype any) error {
	if typeName == "" {
		return fmt.Errorf("type name cannot be empty")
	}
	if prototype == nil {
		return fmt.Errorf("prototype cannot be nil")
	}

	t := reflect.TypeOf(prototype)
	pointer := t.Kind() == reflect.Ptr
	if pointer {
		t = t.Elem()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.types[typeName]; exists {
		if existing.typ == t {
			return nil
		}
		return fmt.Errorf("type name %s already registered to %v", typeName, existing.typ)
	}

	r.types[typeName] = registeredType{typ: t, pointer: pointer}
	return nil
}

// Unregister removes a name
func (r *DefaultTypeRegistry) Unregister(typeName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.types, typeName)
}

// Get retrieves the type registered under a name
func (r *DefaultTypeRegistry) Get(typeName string) (reflect.Type, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rt, exists := r.types[typeName]
	if !exists {
		return nil, fmt.Errorf("type %s not registered", typeName)
	}
	return rt.typ, nil
}

// CreateInstance decodes raw arguments into a new instance of the named type.
// Empty or null arguments produce the zero value.
func (r *DefaultTypeRegistry) CreateInstance(typeName string, arguments json.RawMessage) (any, error) {
	r.mu.RLock()
	rt, exists := r.types[typeName]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("type %s not registered", typeName)
	}

	ptr := reflect.New(rt.typ)
	if trimmed := bytes.TrimSpace(arguments); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, ptr.Interface()); err != nil {
			return nil, fmt.Errorf("failed to decode arguments of %s: %w", typeName, err)
		}
	}

	if rt.pointer {
		return ptr.Interface(), nil
	}
	return ptr.Elem().Interface(), nil
}

// IsRegistered checks if a name is registered
func (r *DefaultTypeRegistry) IsRegistered(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.types[typeName]
	return exists
}

// ListTypes returns all registered names in sorted order
func (r *DefaultTypeRegistry) ListTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.types))
	for typeName := range r.types {
		names = append(names, typeName)
	}
	sort.Strings(names)
	return names
}
