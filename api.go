package bunnybus

import (
	"context"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConsumedMessage is a decoded delivery handed to a handler.
type ConsumedMessage struct {
	Queue    string
	RouteKey string
	Payload  map[string]any
	Body     []byte
	Headers  amqp.Table

	// Meta is the subscription's meta reference, shared across every
	// delivery the subscription receives.
	Meta map[string]any
}

// Handler processes one consumed message. The handler must resolve the
// delivery exactly once through the Resolver; a returned error (or a
// panic) is treated as an implicit reject with the error text as reason.
type Handler func(ctx context.Context, msg *ConsumedMessage, res *Resolver) error

// Handlers maps routing patterns to handlers. Patterns use AMQP topic
// semantics: "*" matches one word, "#" matches zero or more.
type Handlers map[string]Handler

// Resolver carries the single-use acknowledgement capabilities for one
// delivery. Exactly one of Ack, Reject, or Requeue may complete; later
// calls return ErrAlreadyResolved.
type Resolver struct {
	resolved atomic.Bool

	ackFn     func(ctx context.Context) error
	rejectFn  func(ctx context.Context, reason string) error
	requeueFn func(ctx context.Context) error
}

// Ack acknowledges the delivery, removing it from the queue.
func (r *Resolver) Ack(ctx context.Context) error {
	if !r.resolved.CompareAndSwap(false, true) {
		return ErrAlreadyResolved
	}
	return r.ackFn(ctx)
}

// Reject routes the delivery to the error queue with a reason header,
// then acknowledges the original so it leaves the main queue.
func (r *Resolver) Reject(ctx context.Context, reason string) error {
	if !r.resolved.CompareAndSwap(false, true) {
		return ErrAlreadyResolved
	}
	return r.rejectFn(ctx, reason)
}

// Requeue republishes the delivery to its queue with the transaction id
// and creation timestamp preserved, the retry counter incremented, and a
// requeuedAt stamp, then acknowledges the original. When MaxRetryCount
// is set and the delivery's retry counter has already reached it, so a
// requeue would push the counter past the bound, the delivery is
// rejected with ReasonMaxRetryExceeded instead.
func (r *Resolver) Requeue(ctx context.Context) error {
	if !r.resolved.CompareAndSwap(false, true) {
		return ErrAlreadyResolved
	}
	return r.requeueFn(ctx)
}

// Resolved reports whether the delivery has been resolved.
func (r *Resolver) Resolved() bool {
	return r.resolved.Load()
}

// SubscribeOptions are the per-subscription meta options.
type SubscribeOptions struct {
	// MaxRetryCount bounds requeues per message; 0 means unbounded.
	MaxRetryCount int

	// ValidatePublisher rejects messages without a bunnyBus header.
	ValidatePublisher bool

	// QueueArguments are extra arguments for the queue declaration.
	QueueArguments amqp.Table

	// Meta is an opaque reference passed to every handler invocation.
	Meta map[string]any
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*SubscribeOptions)

// WithMaxRetryCount bounds requeues per message for this subscription.
func WithMaxRetryCount(count int) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.MaxRetryCount = count
	}
}

// WithValidatePublisher rejects messages without a bunnyBus header.
func WithValidatePublisher(validate bool) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.ValidatePublisher = validate
	}
}

// WithQueueArguments sets extra arguments for the queue declaration.
func WithQueueArguments(args amqp.Table) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.QueueArguments = args
	}
}

// WithMeta sets the opaque reference passed to handler invocations.
func WithMeta(meta map[string]any) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.Meta = meta
	}
}

// PublishOptions configure a single publish.
type PublishOptions struct {
	// RouteKey overrides the routing key derived from the message's
	// "event" field.
	RouteKey string

	// Source tags the producer in the message headers.
	Source string

	// Headers are merged into the message headers.
	Headers amqp.Table
}

// PublishOption configures a publish.
type PublishOption func(*PublishOptions)

// WithRouteKey overrides the derived routing key.
func WithRouteKey(key string) PublishOption {
	return func(o *PublishOptions) {
		o.RouteKey = key
	}
}

// WithSource tags the producer in the message headers.
func WithSource(source string) PublishOption {
	return func(o *PublishOptions) {
		o.Source = source
	}
}

// WithHeaders merges extra headers into the message headers.
func WithHeaders(headers amqp.Table) PublishOption {
	return func(o *PublishOptions) {
		o.Headers = headers
	}
}
