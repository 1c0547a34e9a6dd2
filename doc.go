// Package bunnybus is an opinionated publish/subscribe client for AMQP
// 0-9-1 brokers.
//
// Applications publish typed events identified by a routing key and
// subscribe queues with a set of event handlers; the bus transparently
// manages broker connections and channels, subscription lifecycles,
// message acknowledgement, requeue semantics, error-queue routing, and
// ordered dispatch of messages to handlers.
//
// Key pieces:
//   - BunnyBus: the facade — Publish, Send, Subscribe, Unsubscribe, Get,
//     Requeue, queue administration, Stop
//   - Resolver: single-use ack/reject/requeue capabilities handed to
//     each handler invocation
//   - SubscriptionManager: the in-memory subscription registry with
//     queue blocking
//   - dispatch.SerialDispatcher: per-partition FIFO handler scheduling
//   - events.Bus: the typed lifecycle event surface
//
// Example usage:
//
//	bus := bunnybus.New(bunnybus.WithServer("rabbit.internal", 5672))
//
//	err := bus.Subscribe(ctx, "orders", bunnybus.Handlers{
//		"order.created.#": func(ctx context.Context, msg *bunnybus.ConsumedMessage, res *bunnybus.Resolver) error {
//			// process msg.Payload
//			return res.Ack(ctx)
//		},
//	})
//
//	err = bus.Publish(ctx, map[string]any{
//		"event": "order.created.web",
//		"id":    "o-1001",
//	})
//
// Delivery is at-least-once: handlers should be idempotent. Messages a
// subscription refuses to process land on the queue's durable
// "<queue>_error" sidecar with a reason header.
package bunnybus
