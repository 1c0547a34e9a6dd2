package bunnybus

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ten-ans/bunnybus/dispatch"
	"github.com/ten-ans/bunnybus/events"
	"github.com/ten-ans/bunnybus/internal/rabbitmq"
	"github.com/ten-ans/bunnybus/message"
)

// BunnyBus is the publish/subscribe facade over an AMQP 0-9-1 broker.
// Applications publish typed events by routing key and subscribe queues
// with handler sets; the bus manages connections, channels, subscription
// lifecycles, acknowledgement, requeue semantics, error-queue routing,
// and ordered dispatch underneath.
type BunnyBus struct {
	cfg    Config
	logger *slog.Logger
	dialer rabbitmq.Dialer

	bus           *events.Bus
	connections   *rabbitmq.ConnectionManager
	channels      *rabbitmq.ChannelManager
	subscriptions *SubscriptionManager
	dispatcher    *dispatch.SerialDispatcher

	ctx     context.Context
	cancel  context.CancelFunc
	closing atomic.Bool

	recovering recoveryState
}

// New creates a BunnyBus. No broker I/O happens until the first publish
// or subscribe.
func New(options ...Option) *BunnyBus {
	b := &BunnyBus{
		cfg:    DefaultConfig(),
		logger: slog.Default(),
		dialer: rabbitmq.AMQPDialer,
		bus:    events.NewBus(),
	}

	for _, opt := range options {
		opt(b)
	}
	if b.cfg.Silence {
		b.logger = silentLogger()
	}

	b.connections = rabbitmq.NewConnectionManager(b.bus,
		rabbitmq.WithDialer(b.dialer),
		rabbitmq.WithConnectionLogger(b.logger),
	)
	b.channels = rabbitmq.NewChannelManager(b.connections, b.bus,
		rabbitmq.WithChannelLogger(b.logger),
	)
	b.subscriptions = NewSubscriptionManager(b.bus)
	b.dispatcher = dispatch.NewSerialDispatcher(
		b.cfg.SerialDispatchPartitionKeySelectors,
		dispatch.WithLogger(b.logger),
	)

	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.recovering.inFlight = make(map[string]bool)
	b.bus.Subscribe(b.onTransportEvent, events.ConnectionClosed, events.ChannelClosed)

	return b
}

// Events returns the bus's event surface.
func (b *BunnyBus) Events() *events.Bus {
	return b.bus
}

// Subscriptions returns the subscription registry.
func (b *BunnyBus) Subscriptions() *SubscriptionManager {
	return b.subscriptions
}

// Config returns the effective configuration.
func (b *BunnyBus) Config() Config {
	return b.cfg
}

// Publish routes a message through the global topic exchange under the
// routing key derived from options or the message's "event" field.
func (b *BunnyBus) Publish(ctx context.Context, payload map[string]any, options ...PublishOption) error {
	if b.closing.Load() {
		return ErrStopped
	}

	var opts PublishOptions
	for _, opt := range options {
		opt(&opts)
	}

	routeKey := opts.RouteKey
	if routeKey == "" {
		routeKey = message.EventRoute(payload)
	}
	if routeKey == "" {
		return ErrNoRouteKey
	}

	ch, err := b.publisherChannel(ctx)
	if err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(b.cfg.GlobalExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("assert global exchange: %w", err)
	}

	body, err := message.Encode(payload)
	if err != nil {
		return err
	}
	headers := message.PublishHeaders(routeKey, opts.Source, opts.Headers)

	err = ch.PublishWithContext(ctx, b.cfg.GlobalExchange, routeKey, false, false, amqp.Publishing{
		ContentType:  message.ContentType,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %q: %w", routeKey, err)
	}

	b.bus.Emit(events.Event{Kind: events.MessagePublished, Name: routeKey})
	return nil
}

// Send publishes a message straight to a queue through the default
// exchange, bypassing the topic exchange.
func (b *BunnyBus) Send(ctx context.Context, payload map[string]any, queue string, options ...PublishOption) error {
	if b.closing.Load() {
		return ErrStopped
	}

	var opts PublishOptions
	for _, opt := range options {
		opt(&opts)
	}

	routeKey := opts.RouteKey
	if routeKey == "" {
		routeKey = message.EventRoute(payload)
	}
	if routeKey == "" {
		routeKey = queue
	}

	ch, err := b.publisherChannel(ctx)
	if err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("assert queue %q: %w", queue, err)
	}

	body, err := message.Encode(payload)
	if err != nil {
		return err
	}
	headers := message.PublishHeaders(routeKey, opts.Source, opts.Headers)

	err = ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  message.ContentType,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("send to %q: %w", queue, err)
	}

	b.bus.Emit(events.Event{Kind: events.MessagePublished, Name: routeKey})
	return nil
}

// Get pulls a single message from a queue. The second return is false
// when the queue is empty. The delivery is not acknowledged; resolve it
// with Delivery.Ack or hand it to Requeue.
func (b *BunnyBus) Get(ctx context.Context, queue string) (amqp.Delivery, bool, error) {
	ch, err := b.adminChannel(ctx)
	if err != nil {
		return amqp.Delivery{}, false, err
	}
	return ch.Get(queue, false)
}

// Requeue republishes a delivery to its queue with the transaction id
// and creation timestamp preserved, the retry counter incremented, and
// requeuedAt stamped, then acknowledges the original. The admin channel
// it publishes on is re-established transparently if it was lost
// between receive and requeue. The handler Resolver's Requeue performs
// the same steps itself and does not call this method.
func (b *BunnyBus) Requeue(ctx context.Context, d amqp.Delivery, queue string) error {
	headers := message.RequeueHeaders(d.Headers)
	if err := b.publishToQueue(ctx, queue, d.Body, headers); err != nil {
		return err
	}

	if err := d.Ack(false); err != nil {
		// The receiving channel died after the republish; the broker will
		// redeliver the original and the requeued copy supersedes it.
		b.logWarn("requeue ack failed", "queue", queue, "error", err)
	}
	return nil
}

// QueueMessageCount reports the message count of a queue via a passive
// declare.
func (b *BunnyBus) QueueMessageCount(ctx context.Context, queue string) (int, error) {
	q, err := b.CheckQueue(ctx, queue)
	if err != nil {
		return 0, err
	}
	return q.Messages, nil
}

// Stop cancels every consumer, drains in-flight handler invocations
// until ctx expires, then closes all channels and connections.
func (b *BunnyBus) Stop(ctx context.Context) error {
	if !b.closing.CompareAndSwap(false, true) {
		return nil
	}

	for _, sub := range b.subscriptions.List() {
		b.cancelConsumer(sub.Queue)
	}

	drained := make(chan struct{})
	go func() {
		b.dispatcher.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		b.logWarn("stop timed out waiting for dispatch drain")
	}

	b.cancel()

	var firstErr error
	for _, name := range b.channels.Names() {
		if err := b.channels.Close(name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, name := range b.connections.Names() {
		if err := b.connections.Close(name); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	b.logger.Info("bunnybus stopped")
	return firstErr
}

// publisherChannel returns the live publish channel, establishing the
// connection and channel as needed.
func (b *BunnyBus) publisherChannel(ctx context.Context) (rabbitmq.Channel, error) {
	return b.namedChannel(ctx, PublisherChannelName, 0)
}

// adminChannel returns the live admin channel used for queue
// administration and pull-mode gets.
func (b *BunnyBus) adminChannel(ctx context.Context) (rabbitmq.Channel, error) {
	return b.namedChannel(ctx, AdminChannelName, 0)
}

func (b *BunnyBus) namedChannel(ctx context.Context, name string, prefetch int) (rabbitmq.Channel, error) {
	cc, err := b.channels.Create(ctx, name, DefaultConnectionName, b.cfg.connectionOptions(), rabbitmq.ChannelOptions{PrefetchLimit: prefetch})
	if err != nil {
		return nil, err
	}
	ch := cc.Channel()
	if ch == nil {
		return nil, rabbitmq.ErrChannelNotReady
	}
	return ch, nil
}

// publishToQueue asserts a durable queue and publishes directly to it
// through the default exchange, re-establishing the channel when
// necessary.
func (b *BunnyBus) publishToQueue(ctx context.Context, queue string, body []byte, headers amqp.Table) error {
	ch, err := b.adminChannel(ctx)
	if err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("assert queue %q: %w", queue, err)
	}
	return ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  message.ContentType,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         body,
	})
}

// errorQueueName resolves the error queue for a subscribed queue,
// falling back to the shared error bus when no queue is known.
func (b *BunnyBus) errorQueueName(queue string) string {
	if queue == "" {
		return b.cfg.ErrorQueue
	}
	return ErrorQueueName(queue)
}

// logWarn and logError log and mirror the record onto the event bus.
func (b *BunnyBus) logWarn(msg string, args ...any) {
	b.logger.Warn(msg, args...)
	b.bus.Emit(events.Event{Kind: events.LogWarn, Message: msg})
}

func (b *BunnyBus) logError(msg string, args ...any) {
	b.logger.Error(msg, args...)
	b.bus.Emit(events.Event{Kind: events.LogError, Message: msg})
}
