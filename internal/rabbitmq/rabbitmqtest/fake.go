// Package rabbitmqtest provides in-memory fakes of the transport
// surfaces for tests.
package rabbitmqtest

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ten-ans/bunnybus/internal/rabbitmq"
)

// FakeConnection is an in-memory rabbitmq.Connection.
type FakeConnection struct {
	mu       sync.Mutex
	closed   bool
	closeChs []chan *amqp.Error
	channels []*FakeChannel
	chanErr  error
}

// NewFakeConnection creates an open fake connection.
func NewFakeConnection() *FakeConnection {
	return &FakeConnection{}
}

// Dialer returns a rabbitmq.Dialer that always hands out this
// connection.
func (c *FakeConnection) Dialer() rabbitmq.Dialer {
	return func(uri string, cfg amqp.Config) (rabbitmq.Connection, error) {
		c.mu.Lock()
		c.closed = false
		c.mu.Unlock()
		return c, nil
	}
}

// SetChannelErr makes subsequent Channel calls fail.
func (c *FakeConnection) SetChannelErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chanErr = err
}

// Channel implements rabbitmq.Connection.
func (c *FakeConnection) Channel() (rabbitmq.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chanErr != nil {
		return nil, c.chanErr
	}
	ch := NewFakeChannel()
	c.channels = append(c.channels, ch)
	return ch, nil
}

// NotifyClose implements rabbitmq.Connection.
func (c *FakeConnection) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeChs = append(c.closeChs, ch)
	return ch
}

// Close implements rabbitmq.Connection.
func (c *FakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closed = true
	for _, ch := range c.closeChs {
		close(ch)
	}
	c.closeChs = nil
	return nil
}

// IsClosed implements rabbitmq.Connection.
func (c *FakeConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Drop simulates a broker-side connection close.
func (c *FakeConnection) Drop(err *amqp.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, ch := range c.closeChs {
		if err != nil {
			ch <- err
		}
		close(ch)
	}
	c.closeChs = nil
}

// Channels returns every channel opened on the connection, in order.
func (c *FakeConnection) Channels() []*FakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*FakeChannel(nil), c.channels...)
}

// Publishes aggregates the publish records of every channel.
func (c *FakeConnection) Publishes() []Publish {
	var all []Publish
	for _, ch := range c.Channels() {
		all = append(all, ch.Publishes()...)
	}
	return all
}

// Binding records a queue binding on a FakeChannel.
type Binding struct {
	Queue    string
	Key      string
	Exchange string
}

// Publish records a published message on a FakeChannel.
type Publish struct {
	Exchange string
	Key      string
	Msg      amqp.Publishing
}

// FakeChannel is an in-memory rabbitmq.Channel recording every call.
type FakeChannel struct {
	mu       sync.Mutex
	closed   bool
	closeChs []chan *amqp.Error

	prefetch  int
	exchanges map[string]string
	queues    map[string]amqp.Table
	bindings  []Binding
	published []Publish
	consumers map[string]chan amqp.Delivery
	cancelled []string
	pending   map[string][]amqp.Delivery

	publishErr error
}

// NewFakeChannel creates an open fake channel.
func NewFakeChannel() *FakeChannel {
	return &FakeChannel{
		exchanges: make(map[string]string),
		queues:    make(map[string]amqp.Table),
		consumers: make(map[string]chan amqp.Delivery),
		pending:   make(map[string][]amqp.Delivery),
	}
}

// SetPublishErr makes subsequent publishes fail.
func (c *FakeChannel) SetPublishErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishErr = err
}

// PublishWithContext implements rabbitmq.Channel.
func (c *FakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, Publish{Exchange: exchange, Key: key, Msg: msg})
	return nil
}

// Qos implements rabbitmq.Channel.
func (c *FakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prefetch = prefetchCount
	return nil
}

// Consume implements rabbitmq.Channel.
func (c *FakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	deliveries := make(chan amqp.Delivery, 16)
	c.consumers[consumer] = deliveries
	return deliveries, nil
}

// Cancel implements rabbitmq.Channel.
func (c *FakeChannel) Cancel(consumer string, noWait bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = append(c.cancelled, consumer)
	if deliveries, ok := c.consumers[consumer]; ok {
		close(deliveries)
		delete(c.consumers, consumer)
	}
	return nil
}

// Get implements rabbitmq.Channel.
func (c *FakeChannel) Get(queue string, autoAck bool) (amqp.Delivery, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := c.pending[queue]
	if len(pending) == 0 {
		return amqp.Delivery{}, false, nil
	}
	d := pending[0]
	c.pending[queue] = pending[1:]
	return d, true, nil
}

// ExchangeDeclare implements rabbitmq.Channel.
func (c *FakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exchanges[name] = kind
	return nil
}

// ExchangeDeclarePassive implements rabbitmq.Channel.
func (c *FakeChannel) ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return nil
}

// ExchangeDelete implements rabbitmq.Channel.
func (c *FakeChannel) ExchangeDelete(name string, ifUnused, noWait bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.exchanges, name)
	return nil
}

// QueueDeclare implements rabbitmq.Channel.
func (c *FakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues[name] = args
	return amqp.Queue{Name: name}, nil
}

// QueueDeclarePassive implements rabbitmq.Channel.
func (c *FakeChannel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return amqp.Queue{Name: name, Messages: len(c.pending[name])}, nil
}

// QueueBind implements rabbitmq.Channel.
func (c *FakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings = append(c.bindings, Binding{Queue: name, Key: key, Exchange: exchange})
	return nil
}

// QueueDelete implements rabbitmq.Channel.
func (c *FakeChannel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.pending[name])
	delete(c.queues, name)
	delete(c.pending, name)
	return n, nil
}

// QueuePurge implements rabbitmq.Channel.
func (c *FakeChannel) QueuePurge(name string, noWait bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.pending[name])
	c.pending[name] = nil
	return n, nil
}

// NotifyClose implements rabbitmq.Channel.
func (c *FakeChannel) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeChs = append(c.closeChs, ch)
	return ch
}

// Close implements rabbitmq.Channel.
func (c *FakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closed = true
	for _, ch := range c.closeChs {
		close(ch)
	}
	c.closeChs = nil
	return nil
}

// IsClosed implements rabbitmq.Channel.
func (c *FakeChannel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Drop simulates a broker-side channel close, ending every consumer
// stream.
func (c *FakeChannel) Drop(err *amqp.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, ch := range c.closeChs {
		if err != nil {
			ch <- err
		}
		close(ch)
	}
	c.closeChs = nil
	for tag, deliveries := range c.consumers {
		close(deliveries)
		delete(c.consumers, tag)
	}
}

// Deliver pushes a delivery to the consumer registered under tag.
func (c *FakeChannel) Deliver(tag string, d amqp.Delivery) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	deliveries, ok := c.consumers[tag]
	if !ok {
		return false
	}
	deliveries <- d
	return true
}

// AddPending queues a message for pull-mode Get.
func (c *FakeChannel) AddPending(queue string, d amqp.Delivery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[queue] = append(c.pending[queue], d)
}

// Prefetch returns the last Qos prefetch count.
func (c *FakeChannel) Prefetch() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prefetch
}

// Exchanges returns the declared exchanges by kind.
func (c *FakeChannel) Exchanges() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := make(map[string]string, len(c.exchanges))
	for name, kind := range c.exchanges {
		snapshot[name] = kind
	}
	return snapshot
}

// Queues returns the declared queue names.
func (c *FakeChannel) Queues() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.queues))
	for name := range c.queues {
		names = append(names, name)
	}
	return names
}

// Bindings returns the recorded bindings.
func (c *FakeChannel) Bindings() []Binding {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Binding(nil), c.bindings...)
}

// Publishes returns the recorded publishes.
func (c *FakeChannel) Publishes() []Publish {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Publish(nil), c.published...)
}

// ConsumerTags returns the tags of the live consumers.
func (c *FakeChannel) ConsumerTags() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	tags := make([]string, 0, len(c.consumers))
	for tag := range c.consumers {
		tags = append(tags, tag)
	}
	return tags
}

// Cancelled returns the tags passed to Cancel.
func (c *FakeChannel) Cancelled() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.cancelled...)
}

// Acknowledger is an in-memory amqp.Acknowledger recording ack, nack,
// and reject calls.
type Acknowledger struct {
	mu      sync.Mutex
	acks    []uint64
	nacks   []uint64
	rejects []uint64
	ackErr  error
}

// NewAcknowledger creates an Acknowledger.
func NewAcknowledger() *Acknowledger {
	return &Acknowledger{}
}

// SetAckErr makes subsequent Ack calls fail.
func (a *Acknowledger) SetAckErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ackErr = err
}

// Ack implements amqp.Acknowledger.
func (a *Acknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ackErr != nil {
		return a.ackErr
	}
	a.acks = append(a.acks, tag)
	return nil
}

// Nack implements amqp.Acknowledger.
func (a *Acknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks = append(a.nacks, tag)
	return nil
}

// Reject implements amqp.Acknowledger.
func (a *Acknowledger) Reject(tag uint64, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rejects = append(a.rejects, tag)
	return nil
}

// Acks returns the acked delivery tags.
func (a *Acknowledger) Acks() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint64(nil), a.acks...)
}

// Nacks returns the nacked delivery tags.
func (a *Acknowledger) Nacks() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint64(nil), a.nacks...)
}
