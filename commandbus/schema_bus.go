package commandbus

import (
	"fmt"

	"github.com/glimte/cqrsbus-go/contracts"
	"github.com/glimte/cqrsbus-go/schema"
)

// SchemaBus is a Bus that validates commands against the schema they declare
// through contracts.SchemaBound
type SchemaBus struct {
	*Bus
	schemas *schema.MessageValidator
}

// NewSchemaBus creates a schema validating bus. Schemas come from WithSchemas,
// or an empty store is created.
func NewSchemaBus(opts ...Option) *SchemaBus {
	return newSchemaBus(newOptions(opts))
}

func newSchemaBus(o *options) *SchemaBus {
	schemas := o.schemas
	if schemas == nil {
		schemas = schema.NewMessageValidator()
	}
	return &SchemaBus{
		Bus:     newBus(o),
		schemas: schemas,
	}
}

// Schemas returns the schema store
func (b *SchemaBus) Schemas() *schema.MessageValidator {
	return b.schemas
}

// Register binds handler to the type of cmd. When the type declares a schema
// file its validator is resolved from the store, unless WithValidator is given.
func (b *SchemaBus) Register(cmd any, handler Handler, opts ...RegisterOption) error {
	_, err := b.register(cmd, handler, opts...)
	return err
}

func (b *SchemaBus) register(cmd any, handler Handler, opts ...RegisterOption) (*Worker, error) {
	reg := &registration{}
	for _, opt := range opts {
		opt(reg)
	}

	if reg.validator == nil {
		t, _, err := commandType(cmd)
		if err != nil {
			return nil, err
		}

		if meta := staticMeta(t); meta.SchemaFile != "" {
			v, ok := b.schemas.ValidatorFor(meta.SchemaFile)
			if !ok {
				return nil, &contracts.CommandError{
					Op:      "register",
					Command: meta.Name,
					Err:     fmt.Errorf("%w: schema %s", contracts.ErrValidatorNotFound, meta.SchemaFile),
				}
			}
			opts = append(opts, WithValidator(v))
		}
	}

	return b.Bus.register(cmd, handler, opts...)
}
