package bunnybus

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// CreateExchange declares a durable exchange of the given kind.
func (b *BunnyBus) CreateExchange(ctx context.Context, name, kind string) error {
	ch, err := b.adminChannel(ctx)
	if err != nil {
		return err
	}
	return ch.ExchangeDeclare(name, kind, true, false, false, false, nil)
}

// DeleteExchange deletes an exchange.
func (b *BunnyBus) DeleteExchange(ctx context.Context, name string) error {
	ch, err := b.adminChannel(ctx)
	if err != nil {
		return err
	}
	return ch.ExchangeDelete(name, false, false)
}

// CreateQueue declares a durable queue.
func (b *BunnyBus) CreateQueue(ctx context.Context, name string, args amqp.Table) (amqp.Queue, error) {
	ch, err := b.adminChannel(ctx)
	if err != nil {
		return amqp.Queue{}, err
	}
	return ch.QueueDeclare(name, true, false, false, false, args)
}

// DeleteQueue deletes a queue and returns the number of purged messages.
func (b *BunnyBus) DeleteQueue(ctx context.Context, name string) (int, error) {
	ch, err := b.adminChannel(ctx)
	if err != nil {
		return 0, err
	}
	return ch.QueueDelete(name, false, false, false)
}

// PurgeQueue removes every ready message from a queue and returns the
// purge count.
func (b *BunnyBus) PurgeQueue(ctx context.Context, name string) (int, error) {
	ch, err := b.adminChannel(ctx)
	if err != nil {
		return 0, err
	}
	return ch.QueuePurge(name, false)
}

// CheckQueue asserts that a queue exists without modifying it.
func (b *BunnyBus) CheckQueue(ctx context.Context, name string) (amqp.Queue, error) {
	ch, err := b.adminChannel(ctx)
	if err != nil {
		return amqp.Queue{}, err
	}
	return ch.QueueDeclarePassive(name, true, false, false, false, nil)
}

// CheckExchange asserts that a topic exchange exists without modifying
// it.
func (b *BunnyBus) CheckExchange(ctx context.Context, name string) error {
	ch, err := b.adminChannel(ctx)
	if err != nil {
		return err
	}
	return ch.ExchangeDeclarePassive(name, "topic", true, false, false, false, nil)
}
