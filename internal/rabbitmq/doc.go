// Package rabbitmq wraps amqp091-go for the RabbitMQ transport.
//
// This package includes:
//   - ConnectionManager: owns the AMQP connection and re-dials it after a broker-side close
//   - ChannelPool: reuses channels of the managed connection
//   - Publisher: publishes with broker confirms
//   - Consumer: runs one consumer per queue on a dedicated channel
//   - TopologyManager: declares exchanges, queues and bindings
//
// Channels do not survive a reconnect. Listeners registered with
// AddStateListener are told when the connection comes back so they can
// declare their topology and consumers again.
package rabbitmq
