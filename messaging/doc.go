// Package messaging defines the transport contract the command buses run on.
//
// A Broker declares routers (exchanges) of a RouterKind, binds queues to them
// with routing key patterns, publishes messages through a router and delivers
// the messages of a subscribed queue to a DeliveryHandler. Publishing to the
// empty router name uses the default router, which routes to the queue named
// by the routing key.
//
// Acknowledgement is controlled by AckMode. With AckOnSuccess a failed handler
// is passed to an ErrorHandler, which picks the ErrorAction that Settle applies
// to the delivery:
//
//	action := errorHandler.HandleError(ctx, command, err)
//	if err := messaging.Settle(delivery, action); err != nil {
//		logger.Warn("failed to settle delivery", "error", err)
//	}
//
// The failed delivery and its queue travel in ctx; DeliveryFromContext lets a
// handler republish or dead-letter the message itself.
//
// Implementations live under transports/: memory for tests and single
// processes, redis and rabbitmq for deployments.
package messaging
