package contracts

// Named lets a command choose the name it is indexed and addressed by.
// Commands that do not implement it are named after their Go type.
type Named interface {
	CommandName() string
}

// SchemaBound is implemented by commands whose payload is described by a schema file.
// The identifier is also part of the command's wire id.
type SchemaBound interface {
	SchemaFile() string
}

// Routable carries the protocol metadata needed to send a command to a remote
// handler over the cloud bus.
type Routable interface {
	// HandlerName identifies the remote handler
	HandlerName() string

	// RoutingKey is the routing key of the service hosting the handler
	RoutingKey() string
}

// CommandMeta is the static metadata of a command type
type CommandMeta struct {
	Name        string
	SchemaFile  string
	HandlerName string
	RoutingKey  string
}

// HasRoute reports whether the metadata is enough to address a remote handler
func (m CommandMeta) HasRoute() bool {
	return m.HandlerName != "" && m.RoutingKey != ""
}

// MetaOf extracts the metadata declared by cmd. fallbackName is used when the
// command does not implement Named.
func MetaOf(cmd any, fallbackName string) CommandMeta {
	meta := CommandMeta{Name: fallbackName}

	if n, ok := cmd.(Named); ok && n.CommandName() != "" {
		meta.Name = n.CommandName()
	}
	if s, ok := cmd.(SchemaBound); ok {
		meta.SchemaFile = s.SchemaFile()
	}
	if r, ok := cmd.(Routable); ok {
		meta.HandlerName = r.HandlerName()
		meta.RoutingKey = r.RoutingKey()
	}

	return meta
}
