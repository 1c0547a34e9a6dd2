package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ten-ans/bunnybus/events"
	"github.com/ten-ans/bunnybus/internal/reliability"
)

// Channel is the subset of the AMQP channel surface bunnybus uses.
// *amqp.Channel satisfies it.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeDelete(name string, ifUnused, noWait bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	QueuePurge(name string, noWait bool) (int, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
	IsClosed() bool
}

// Connection is the subset of the AMQP connection surface bunnybus uses.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
	IsClosed() bool
}

// Dialer establishes a broker connection for a URI. It exists so the
// managers can be exercised against a fake transport.
type Dialer func(uri string, cfg amqp.Config) (Connection, error)

// AMQPDialer dials a real AMQP 0-9-1 broker.
func AMQPDialer(uri string, cfg amqp.Config) (Connection, error) {
	conn, err := amqp.DialConfig(uri, cfg)
	if err != nil {
		return nil, err
	}
	return &liveConnection{conn}, nil
}

type liveConnection struct {
	*amqp.Connection
}

func (c *liveConnection) Channel() (Channel, error) {
	return c.Connection.Channel()
}

// ConnectionOptions describes how to reach the broker.
type ConnectionOptions struct {
	SSL        bool
	User       string
	Password   string
	Server     string
	Port       int
	VHost      string
	Heartbeat  time.Duration
	RetryCount int           // additional dial attempts after the first
	RetryDelay time.Duration // fixed delay between attempts
}

// URI renders the options as an AMQP connection URI.
func (o ConnectionOptions) URI() string {
	scheme := "amqp"
	if o.SSL {
		scheme = "amqps"
	}
	return fmt.Sprintf("%s://%s:%s@%s:%d/%s", scheme, o.User, o.Password, o.Server, o.Port, o.VHost)
}

// amqpConfig derives the client config. The per-attempt dial timeout is
// derived from the heartbeat interval.
func (o ConnectionOptions) amqpConfig() amqp.Config {
	heartbeat := o.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 2 * time.Second
	}
	return amqp.Config{
		Heartbeat: heartbeat,
		Dial:      amqp.DefaultDial(2 * heartbeat),
	}
}

// SanitizeURI removes credentials from a broker URI for logging.
func SanitizeURI(uri string) string {
	at := strings.LastIndexByte(uri, '@')
	scheme := strings.Index(uri, "://")
	if at >= 0 && scheme >= 0 && scheme+3 < at {
		return uri[:scheme+3] + "***" + uri[at:]
	}
	return uri
}

// ConnectionContext is the named descriptor for one broker connection.
// The descriptor survives transport failures: the live handle is cleared
// while the name, options, and lock remain so identity holds across
// reconnects.
type ConnectionContext struct {
	Name    string
	Options ConnectionOptions

	mu   sync.Mutex
	conn Connection
}

// Connection returns the live connection handle, or nil.
func (c *ConnectionContext) Connection() Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Live reports whether the context holds an open connection.
func (c *ConnectionContext) Live() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.conn.IsClosed()
}

func (c *ConnectionContext) clear(old Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == old {
		c.conn = nil
	}
}

// ConnectionManager is the named connection registry. Creates for the
// same name are serialized on the context lock so concurrent callers
// receive the same connection.
type ConnectionManager struct {
	dialer Dialer
	logger *slog.Logger
	bus    *events.Bus

	mu       sync.Mutex
	contexts map[string]*ConnectionContext
}

// ConnectionManagerOption configures the ConnectionManager.
type ConnectionManagerOption func(*ConnectionManager)

// WithDialer overrides the transport dialer.
func WithDialer(dialer Dialer) ConnectionManagerOption {
	return func(m *ConnectionManager) {
		m.dialer = dialer
	}
}

// WithConnectionLogger sets the logger.
func WithConnectionLogger(logger *slog.Logger) ConnectionManagerOption {
	return func(m *ConnectionManager) {
		m.logger = logger
	}
}

// NewConnectionManager creates a connection manager emitting lifecycle
// events on bus.
func NewConnectionManager(bus *events.Bus, options ...ConnectionManagerOption) *ConnectionManager {
	m := &ConnectionManager{
		dialer:   AMQPDialer,
		logger:   slog.Default(),
		bus:      bus,
		contexts: make(map[string]*ConnectionContext),
	}

	for _, opt := range options {
		opt(m)
	}

	return m
}

// Create returns the named connection, dialing it if necessary. The call
// is idempotent: a live context is returned as-is, and concurrent
// creates for one name serialize on the context lock and observe the
// same result. Dial failures are retried up to Options.RetryCount extra
// times with a fixed delay before ErrRetryExceeded surfaces.
func (m *ConnectionManager) Create(ctx context.Context, name string, opts *ConnectionOptions) (*ConnectionContext, error) {
	if opts == nil {
		return nil, ErrNoConnectionOptions
	}

	m.mu.Lock()
	cc, ok := m.contexts[name]
	if !ok {
		cc = &ConnectionContext{Name: name, Options: *opts}
		m.contexts[name] = cc
	}
	m.mu.Unlock()

	cc.mu.Lock()
	defer cc.mu.Unlock()

	if cc.conn != nil && !cc.conn.IsClosed() {
		return cc, nil
	}
	cc.conn = nil

	conn, attempts, err := m.dial(ctx, cc.Options)
	if err != nil {
		return nil, &ConnectionError{
			Op:        "create",
			Name:      name,
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  attempts,
		}
	}

	cc.conn = conn
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go m.watch(cc, conn, closed)

	m.logger.Info("connection established",
		"connection", name,
		"uri", SanitizeURI(cc.Options.URI()),
	)
	m.bus.Emit(events.Event{Kind: events.ConnectionCreated, Name: name})

	return cc, nil
}

func (m *ConnectionManager) dial(ctx context.Context, opts ConnectionOptions) (Connection, int, error) {
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 100 * time.Millisecond
	}
	policy := reliability.NewFixedDelay(retryDelay, opts.RetryCount+1)

	attempts := 0
	var lastErr error

	for attempt := 0; ; attempt++ {
		retry, delay := policy.ShouldRetry(attempt)
		if !retry {
			break
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, attempts, ctx.Err()
			}
		}

		attempts++
		conn, err := m.dialer(opts.URI(), opts.amqpConfig())
		if err == nil {
			return conn, attempts, nil
		}
		lastErr = err

		m.logger.Warn("dial attempt failed",
			"uri", SanitizeURI(opts.URI()),
			"attempt", attempts,
			"error", err,
		)
	}

	return nil, attempts, fmt.Errorf("%w: %w", ErrRetryExceeded, lastErr)
}

// watch clears the live handle when the broker drops the connection and
// relays the close onto the event bus. The close channel is registered
// by Create before watch starts, so a close right after Create is seen.
func (m *ConnectionManager) watch(cc *ConnectionContext, conn Connection, closed <-chan *amqp.Error) {
	err := <-closed
	cc.clear(conn)

	if err != nil {
		m.logger.Error("connection closed by broker",
			"connection", cc.Name,
			"error", err,
		)
		m.bus.Emit(events.Event{Kind: events.ConnectionError, Name: cc.Name, Err: err})
	}
	m.bus.Emit(events.Event{Kind: events.ConnectionClosed, Name: cc.Name})
}

// Contains reports whether a context with the given name exists.
func (m *ConnectionManager) Contains(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.contexts[name]
	return ok
}

// Get returns the named context, or nil.
func (m *ConnectionManager) Get(name string) *ConnectionContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.contexts[name]
}

// GetConnection returns the live connection for a name.
func (m *ConnectionManager) GetConnection(name string) (Connection, error) {
	cc := m.Get(name)
	if cc == nil {
		return nil, ErrUnknownConnection
	}
	conn := cc.Connection()
	if conn == nil || conn.IsClosed() {
		return nil, ErrConnectionNotReady
	}
	return conn, nil
}

// Close closes the named connection but keeps the descriptor so its
// identity survives a later reconnect. Closing an already closed
// connection is treated as success.
func (m *ConnectionManager) Close(name string) error {
	cc := m.Get(name)
	if cc == nil {
		return nil
	}

	cc.mu.Lock()
	conn := cc.conn
	cc.conn = nil
	cc.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return &ConnectionError{Op: "close", Name: name, Err: err, Timestamp: time.Now()}
	}
	return nil
}

// Remove closes and forgets the named connection.
func (m *ConnectionManager) Remove(name string) error {
	err := m.Close(name)

	m.mu.Lock()
	delete(m.contexts, name)
	m.mu.Unlock()

	return err
}

// Names returns a snapshot of the registered connection names.
func (m *ConnectionManager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.contexts))
	for name := range m.contexts {
		names = append(names, name)
	}
	return names
}
