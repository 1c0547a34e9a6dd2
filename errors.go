package bunnybus

import (
	"errors"

	"github.com/ten-ans/bunnybus/internal/rabbitmq"
)

var (
	// ErrNoRouteKey is returned by Publish when neither the publish
	// options nor the message's "event" field carry a routing key.
	ErrNoRouteKey = errors.New("bunnybus: no route key found in message or options")

	// ErrSubscriptionExists is returned by Subscribe when the queue
	// already has an active subscription.
	ErrSubscriptionExists = errors.New("bunnybus: subscription already exists")

	// ErrSubscriptionBlocked is returned by Subscribe when the queue has
	// been blocked.
	ErrSubscriptionBlocked = errors.New("bunnybus: subscription is blocked")

	// ErrAlreadyResolved is returned by a Resolver when a delivery has
	// already been acked, rejected, or requeued.
	ErrAlreadyResolved = errors.New("bunnybus: delivery already resolved")

	// ErrStopped is returned by operations invoked after Stop.
	ErrStopped = errors.New("bunnybus: bus is stopped")

	// ErrConnectionRetryExceeded surfaces after connection creation has
	// exhausted its retry budget.
	ErrConnectionRetryExceeded = rabbitmq.ErrRetryExceeded
)

// Well-known reject reasons written into the error-queue reason header.
const (
	ReasonDecodeFailed     = "Could not decode JSON"
	ReasonNoHandler        = "No handler found"
	ReasonMaxRetryExceeded = "Exceeded max retry count"
	ReasonInvalidPublisher = "Message came from non-BunnyBus publisher"
)
