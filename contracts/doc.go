// Package contracts defines what flows through a command bus.
//
// It contains:
//   - Metadata interfaces a command may implement: Named, SchemaBound, Routable
//   - RemoteCommand for addressing handlers without a local Go type
//   - Wire payloads of the queue-routed bus (Payload, QueueMessage) and the
//     cloud bus (CloudPayload, Direction)
//   - The error taxonomy shared by all buses
package contracts
