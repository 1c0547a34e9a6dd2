package bunnybus

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ten-ans/bunnybus/events"
	"github.com/ten-ans/bunnybus/internal/rabbitmq"
	"github.com/ten-ans/bunnybus/message"
)

// Subscribe registers a handler set on a queue and starts consuming.
// The queue and its "<queue>_error" sidecar are asserted durable, the
// queue is bound to the global exchange for every handler pattern, and
// deliveries flow through the partition dispatcher to the matching
// handler.
func (b *BunnyBus) Subscribe(ctx context.Context, queue string, handlers Handlers, options ...SubscribeOption) error {
	if b.closing.Load() {
		return ErrStopped
	}
	if queue == "" {
		return errors.New("bunnybus: queue name is required")
	}
	if len(handlers) == 0 {
		return errors.New("bunnybus: at least one handler is required")
	}

	if b.subscriptions.IsBlocked(queue) {
		return fmt.Errorf("%w: %s", ErrSubscriptionBlocked, queue)
	}
	if b.subscriptions.Contains(queue, true) {
		return fmt.Errorf("%w: %s", ErrSubscriptionExists, queue)
	}

	opts := SubscribeOptions{
		MaxRetryCount:     b.cfg.MaxRetryCount,
		ValidatePublisher: b.cfg.ValidatePublisher,
	}
	for _, opt := range options {
		opt(&opts)
	}

	// A stale descriptor left by an earlier unsubscribe is replaced.
	if !b.subscriptions.Create(queue, handlers, opts) {
		b.subscriptions.Remove(queue)
		b.subscriptions.Create(queue, handlers, opts)
	}

	if err := b.startConsumer(ctx, queue); err != nil {
		b.subscriptions.Remove(queue)
		return err
	}

	b.bus.Emit(events.Event{Kind: events.QueueSubscribed, Name: queue})
	return nil
}

// Unsubscribe cancels the queue's broker consumer and clears its
// consumer tag. Unsubscribing a queue with no active subscription is a
// no-op.
func (b *BunnyBus) Unsubscribe(ctx context.Context, queue string) error {
	if !b.cancelConsumer(queue) {
		return nil
	}
	b.bus.Emit(events.Event{Kind: events.QueueUnsubscribed, Name: queue})
	return nil
}

// cancelConsumer cancels the broker consumer for a queue if one is
// registered. It reports whether a consumer was cancelled.
func (b *BunnyBus) cancelConsumer(queue string) bool {
	sub := b.subscriptions.Get(queue)
	if sub == nil || sub.ConsumerTag == "" {
		return false
	}

	chName := QueueChannelName(queue)
	if ch, err := b.channels.GetChannel(chName); err == nil {
		if err := ch.Cancel(sub.ConsumerTag, false); err != nil {
			b.logWarn("consumer cancel failed",
				"queue", queue,
				"consumerTag", sub.ConsumerTag,
				"error", err,
			)
		}
	}

	b.channels.RemoveConsumer(chName, sub.ConsumerTag)
	b.subscriptions.Clear(queue)
	return true
}

// startConsumer establishes the consumer channel, asserts topology,
// binds handler patterns, and begins consuming. The recovery
// coordinator reuses it to re-establish consumers after channel loss.
func (b *BunnyBus) startConsumer(ctx context.Context, queue string) error {
	sub := b.subscriptions.Get(queue)
	if sub == nil {
		return fmt.Errorf("bunnybus: no subscription for queue %q", queue)
	}

	chName := QueueChannelName(queue)
	cc, err := b.channels.Create(ctx, chName, DefaultConnectionName, b.cfg.connectionOptions(), rabbitmq.ChannelOptions{
		PrefetchLimit: b.cfg.PrefetchLimit,
	})
	if err != nil {
		return err
	}
	ch := cc.Channel()
	if ch == nil {
		return rabbitmq.ErrChannelNotReady
	}

	if err := ch.ExchangeDeclare(b.cfg.GlobalExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("assert global exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, sub.Options.QueueArguments); err != nil {
		return fmt.Errorf("assert queue %q: %w", queue, err)
	}
	if _, err := ch.QueueDeclare(ErrorQueueName(queue), true, false, false, false, nil); err != nil {
		return fmt.Errorf("assert error queue %q: %w", ErrorQueueName(queue), err)
	}
	for pattern := range sub.Handlers {
		if err := ch.QueueBind(queue, pattern, b.cfg.GlobalExchange, false, nil); err != nil {
			return fmt.Errorf("bind %q to %q: %w", queue, pattern, err)
		}
	}

	tag := "bunnybus-" + uuid.NewString()
	deliveries, err := ch.Consume(queue, tag, b.cfg.AutoAcknowledgement, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %q: %w", queue, err)
	}

	b.subscriptions.Tag(queue, tag)
	b.channels.AddConsumer(chName, tag, queue)

	go b.consumeLoop(queue, deliveries)

	b.logger.Info("consuming queue",
		"queue", queue,
		"consumerTag", tag,
		"handlers", len(sub.Handlers),
	)
	return nil
}

// consumeLoop feeds deliveries into the pipeline until the stream
// closes, which happens on consumer cancel or channel loss.
func (b *BunnyBus) consumeLoop(queue string, deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		b.handleDelivery(queue, d)
	}
	b.logger.Debug("consumer stream ended", "queue", queue)
}

// handleDelivery decodes a delivery, resolves its handler, and enqueues
// the invocation on the partition dispatcher.
func (b *BunnyBus) handleDelivery(queue string, d amqp.Delivery) {
	sub := b.subscriptions.Get(queue)
	if sub == nil {
		// Raced with unsubscribe; put the delivery back.
		if !b.cfg.AutoAcknowledgement {
			if err := d.Nack(false, true); err != nil {
				b.logWarn("nack failed", "queue", queue, "error", err)
			}
		}
		return
	}

	payload, err := message.Decode(d.Body)
	if err != nil {
		b.rejectDelivery(b.ctx, queue, d, ReasonDecodeFailed)
		return
	}

	if sub.Options.ValidatePublisher {
		if _, ok := d.Headers[message.HeaderBunnyBus]; !ok {
			b.rejectDelivery(b.ctx, queue, d, ReasonInvalidPublisher)
			return
		}
	}

	routeKey := routeKeyOf(d, payload)
	handler := resolveHandler(sub.Handlers, routeKey)
	if handler == nil {
		b.rejectDelivery(b.ctx, queue, d, ReasonNoHandler)
		return
	}

	msg := &ConsumedMessage{
		Queue:    queue,
		RouteKey: routeKey,
		Payload:  payload,
		Body:     d.Body,
		Headers:  d.Headers,
		Meta:     sub.Options.Meta,
	}
	res := b.newResolver(queue, d, sub.Options)

	b.dispatcher.Push(queue, func() error {
		err := b.invokeHandler(handler, msg, res)
		if err != nil && !res.Resolved() {
			if rejectErr := res.Reject(b.ctx, err.Error()); rejectErr != nil {
				b.logError("implicit reject failed",
					"queue", queue,
					"error", rejectErr,
				)
			}
		}
		return err
	}, payload)
}

// invokeHandler runs a handler, converting a panic into an error so the
// dispatcher drain continues.
func (b *BunnyBus) invokeHandler(handler Handler, msg *ConsumedMessage, res *Resolver) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(b.ctx, msg, res)
}

// newResolver builds the single-use acknowledgement capabilities for
// one delivery.
func (b *BunnyBus) newResolver(queue string, d amqp.Delivery, opts SubscribeOptions) *Resolver {
	return &Resolver{
		ackFn: func(ctx context.Context) error {
			if b.cfg.AutoAcknowledgement {
				return nil
			}
			return d.Ack(false)
		},
		rejectFn: func(ctx context.Context, reason string) error {
			return b.rejectDeliveryBody(ctx, queue, d, reason)
		},
		requeueFn: func(ctx context.Context) error {
			if opts.MaxRetryCount > 0 && message.RetryCount(d.Headers) >= opts.MaxRetryCount {
				return b.rejectDeliveryBody(ctx, queue, d, ReasonMaxRetryExceeded)
			}
			headers := message.RequeueHeaders(d.Headers)
			if err := b.publishToQueue(ctx, queue, d.Body, headers); err != nil {
				return err
			}
			return b.ackDelivery(queue, d)
		},
	}
}

// rejectDelivery is the pipeline-side reject used before a handler is
// involved.
func (b *BunnyBus) rejectDelivery(ctx context.Context, queue string, d amqp.Delivery, reason string) {
	if err := b.rejectDeliveryBody(ctx, queue, d, reason); err != nil {
		b.logError("error-queue reject failed",
			"queue", queue,
			"reason", reason,
			"error", err,
		)
	}
}

// rejectDeliveryBody publishes the original payload to the error queue
// with erroredAt and reason headers, then acks the original.
func (b *BunnyBus) rejectDeliveryBody(ctx context.Context, queue string, d amqp.Delivery, reason string) error {
	headers := message.ErrorHeaders(d.Headers, reason)
	if err := b.publishToQueue(ctx, b.errorQueueName(queue), d.Body, headers); err != nil {
		return err
	}
	return b.ackDelivery(queue, d)
}

func (b *BunnyBus) ackDelivery(queue string, d amqp.Delivery) error {
	if b.cfg.AutoAcknowledgement {
		return nil
	}
	if err := d.Ack(false); err != nil {
		b.logWarn("ack failed", "queue", queue, "error", err)
		return err
	}
	return nil
}

// routeKeyOf derives the event key for handler resolution: the routeKey
// header wins, then the payload's event field, then the delivery's
// routing key.
func routeKeyOf(d amqp.Delivery, payload map[string]any) string {
	if key, ok := d.Headers[message.HeaderRouteKey].(string); ok && key != "" {
		return key
	}
	if key := message.EventRoute(payload); key != "" {
		return key
	}
	return d.RoutingKey
}

// resolveHandler picks the handler for an event key: an exact pattern
// match wins, otherwise the most specific matching wildcard pattern.
func resolveHandler(handlers Handlers, routeKey string) Handler {
	if handler, ok := handlers[routeKey]; ok {
		return handler
	}

	var best Handler
	bestScore := -1
	bestPattern := ""
	for pattern, handler := range handlers {
		if !strings.ContainsAny(pattern, "*#") {
			continue
		}
		if !message.MatchRoute(pattern, routeKey) {
			continue
		}
		score := message.Specificity(pattern)
		if score > bestScore || (score == bestScore && pattern < bestPattern) {
			best = handler
			bestScore = score
			bestPattern = pattern
		}
	}
	return best
}
