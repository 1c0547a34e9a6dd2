package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ten-ans/bunnybus/events"
)

// ChannelOptions configures a managed channel.
type ChannelOptions struct {
	PrefetchLimit int
}

// ChannelContext is the named descriptor for one AMQP channel. It keeps
// the owning connection's name as a relation, not an ownership pointer;
// the connection is resolved through the ConnectionManager on demand.
// The consumer roster survives channel loss so recovery can re-establish
// every consumer the channel hosted.
type ChannelContext struct {
	Name           string
	ConnectionName string
	Options        ChannelOptions

	mu        sync.Mutex
	ch        Channel
	consumers map[string]string // consumer tag -> queue
}

// Channel returns the live channel handle, or nil.
func (c *ChannelContext) Channel() Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch
}

// Live reports whether the context holds an open channel.
func (c *ChannelContext) Live() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch != nil && !c.ch.IsClosed()
}

// Consumers returns a snapshot of the consumer roster.
func (c *ChannelContext) Consumers() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	roster := make(map[string]string, len(c.consumers))
	for tag, queue := range c.consumers {
		roster[tag] = queue
	}
	return roster
}

func (c *ChannelContext) clear(old Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch == old {
		c.ch = nil
	}
}

// ChannelManager is the named channel registry layered over the
// ConnectionManager.
type ChannelManager struct {
	connections *ConnectionManager
	logger      *slog.Logger
	bus         *events.Bus

	mu       sync.Mutex
	contexts map[string]*ChannelContext
}

// ChannelManagerOption configures the ChannelManager.
type ChannelManagerOption func(*ChannelManager)

// WithChannelLogger sets the logger.
func WithChannelLogger(logger *slog.Logger) ChannelManagerOption {
	return func(m *ChannelManager) {
		m.logger = logger
	}
}

// NewChannelManager creates a channel manager over connections.
func NewChannelManager(connections *ConnectionManager, bus *events.Bus, options ...ChannelManagerOption) *ChannelManager {
	m := &ChannelManager{
		connections: connections,
		logger:      slog.Default(),
		bus:         bus,
		contexts:    make(map[string]*ChannelContext),
	}

	for _, opt := range options {
		opt(m)
	}

	return m
}

// Create returns the named channel, opening it if necessary. The owning
// connection is created through the ConnectionManager when missing. The
// call is idempotent under the per-channel lock.
func (m *ChannelManager) Create(ctx context.Context, name, connectionName string, connOpts *ConnectionOptions, opts ChannelOptions) (*ChannelContext, error) {
	m.mu.Lock()
	cc, ok := m.contexts[name]
	if !ok {
		cc = &ChannelContext{
			Name:           name,
			ConnectionName: connectionName,
			Options:        opts,
			consumers:      make(map[string]string),
		}
		m.contexts[name] = cc
	}
	m.mu.Unlock()

	cc.mu.Lock()
	defer cc.mu.Unlock()

	if cc.ch != nil && !cc.ch.IsClosed() {
		return cc, nil
	}
	cc.ch = nil

	connCtx, err := m.connections.Create(ctx, cc.ConnectionName, connOpts)
	if err != nil {
		return nil, err
	}
	conn := connCtx.Connection()
	if conn == nil {
		return nil, &ChannelError{Op: "create", Name: name, Err: ErrConnectionNotReady, Timestamp: time.Now()}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "create", Name: name, Err: err, Timestamp: time.Now()}
	}

	if cc.Options.PrefetchLimit > 0 {
		if err := ch.Qos(cc.Options.PrefetchLimit, 0, false); err != nil {
			ch.Close()
			return nil, &ChannelError{Op: "qos", Name: name, Err: err, Timestamp: time.Now()}
		}
	}

	cc.ch = ch
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	go m.watch(cc, ch, closed)

	m.logger.Debug("channel opened",
		"channel", name,
		"connection", cc.ConnectionName,
		"prefetch", cc.Options.PrefetchLimit,
	)
	m.bus.Emit(events.Event{Kind: events.ChannelCreated, Name: name})

	return cc, nil
}

// watch clears the live handle when the channel closes and relays the
// event onto the bus. The descriptor and its consumer roster stay in
// place for the recovery coordinator. The close channel is registered by
// Create before watch starts, so a close right after Create is seen.
func (m *ChannelManager) watch(cc *ChannelContext, ch Channel, closed <-chan *amqp.Error) {
	err := <-closed
	cc.clear(ch)

	if err != nil {
		m.logger.Warn("channel closed by broker",
			"channel", cc.Name,
			"error", err,
		)
	}
	m.bus.Emit(events.Event{Kind: events.ChannelClosed, Name: cc.Name, Err: closeErr(err)})
}

func closeErr(err *amqp.Error) error {
	if err == nil {
		return nil
	}
	return err
}

// Contains reports whether a context with the given name exists.
func (m *ChannelManager) Contains(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.contexts[name]
	return ok
}

// Get returns the named context, or nil.
func (m *ChannelManager) Get(name string) *ChannelContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.contexts[name]
}

// GetChannel returns the live channel for a name.
func (m *ChannelManager) GetChannel(name string) (Channel, error) {
	cc := m.Get(name)
	if cc == nil {
		return nil, ErrUnknownChannel
	}
	ch := cc.Channel()
	if ch == nil || ch.IsClosed() {
		return nil, ErrChannelNotReady
	}
	return ch, nil
}

// Close closes the named channel, preserving the descriptor and its
// consumer roster. Closing an already closed channel is success.
func (m *ChannelManager) Close(name string) error {
	cc := m.Get(name)
	if cc == nil {
		return nil
	}

	cc.mu.Lock()
	ch := cc.ch
	cc.ch = nil
	cc.mu.Unlock()

	if ch == nil {
		return nil
	}
	if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return &ChannelError{Op: "close", Name: name, Err: err, Timestamp: time.Now()}
	}
	return nil
}

// Remove closes and forgets the named channel.
func (m *ChannelManager) Remove(name string) error {
	err := m.Close(name)

	m.mu.Lock()
	delete(m.contexts, name)
	m.mu.Unlock()

	return err
}

// AddConsumer records a consumer registration on the channel roster.
func (m *ChannelManager) AddConsumer(name, consumerTag, queue string) bool {
	cc := m.Get(name)
	if cc == nil {
		return false
	}

	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.consumers[consumerTag] = queue
	return true
}

// RemoveConsumer drops a consumer registration from the channel roster.
func (m *ChannelManager) RemoveConsumer(name, consumerTag string) bool {
	cc := m.Get(name)
	if cc == nil {
		return false
	}

	cc.mu.Lock()
	defer cc.mu.Unlock()
	if _, ok := cc.consumers[consumerTag]; !ok {
		return false
	}
	delete(cc.consumers, consumerTag)
	return true
}

// Names returns a snapshot of the registered channel names.
func (m *ChannelManager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.contexts))
	for name := range m.contexts {
		names = append(names, name)
	}
	return names
}

// OnConnection returns the names of channels owned by a connection.
func (m *ChannelManager) OnConnection(connectionName string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var names []string
	for name, cc := range m.contexts {
		if cc.ConnectionName == connectionName {
			names = append(names, name)
		}
	}
	return names
}
