package contracts

import (
	"encoding/json"
)

// RemoteCommand addresses a handler hosted by another service when no Go type for
// the command exists locally. It marshals to its raw payload.
type RemoteCommand struct {
	Handler string          `json:"-"`
	Key     string          `json:"-"`
	Schema  string          `json:"-"`
	Payload json.RawMessage `json:"-"`
}

// NewRemoteCommand creates a remote command, marshalling args as its payload
func NewRemoteCommand(handler, routingKey, schemaFile string, args any) (*RemoteCommand, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	return &RemoteCommand{
		Handler: handler,
		Key:     routingKey,
		Schema:  schemaFile,
		Payload: payload,
	}, nil
}

// HandlerName returns the remote handler name
func (c RemoteCommand) HandlerName() string {
	return c.Handler
}

// RoutingKey returns the routing key of the remote service
func (c RemoteCommand) RoutingKey() string {
	return c.Key
}

// SchemaFile returns the schema file identifier of the remote handler
func (c RemoteCommand) SchemaFile() string {
	return c.Schema
}

// MarshalJSON emits the raw payload
func (c RemoteCommand) MarshalJSON() ([]byte, error) {
	if len(c.Payload) == 0 {
		return []byte("{}"), nil
	}
	return c.Payload, nil
}

// UnmarshalJSON stores the raw payload
func (c *RemoteCommand) UnmarshalJSON(data []byte) error {
	c.Payload = append(c.Payload[:0], data...)
	return nil
}
