package bunnybus

import (
	"io"
	"log/slog"
	"time"

	"github.com/ten-ans/bunnybus/internal/rabbitmq"
)

// Config holds the broker and behavior settings for a BunnyBus instance.
type Config struct {
	// Broker endpoint.
	SSL      bool
	User     string
	Password string
	Server   string
	Port     int
	VHost    string

	// Heartbeat is the AMQP heartbeat interval. The per-attempt dial
	// timeout is derived from it.
	Heartbeat time.Duration

	// AutoAcknowledgement makes the broker ack deliveries on receipt.
	// Handler capabilities then skip the explicit ack.
	AutoAcknowledgement bool

	// GlobalExchange is the topic exchange Publish routes through.
	GlobalExchange string

	// PrefetchLimit caps unacked deliveries per consumer channel.
	PrefetchLimit int

	// ErrorQueue is the shared error-bus queue name used when no
	// subscribed queue provides a "<queue>_error" sidecar.
	ErrorQueue string

	// Silence discards all log output.
	Silence bool

	// MaxRetryCount bounds requeues per message; 0 means unbounded.
	// Seeds the default for SubscribeOptions.
	MaxRetryCount int

	// ValidatePublisher rejects consumed messages that do not carry the
	// bunnyBus header. Seeds the default for SubscribeOptions.
	ValidatePublisher bool

	// SerialDispatchPartitionKeySelectors order handler invocations per
	// resolved partition value; see the dispatch package.
	SerialDispatchPartitionKeySelectors []string

	// ConnectionRetryCount is the number of additional dial attempts
	// after a failed connect.
	ConnectionRetryCount int

	// ConnectionRetryDelay is the fixed delay between dial attempts.
	ConnectionRetryDelay time.Duration
}

// DefaultConfig returns the stock configuration: a local broker with
// guest credentials and the default exchange topology.
func DefaultConfig() Config {
	return Config{
		SSL:                  false,
		User:                 "guest",
		Password:             "guest",
		Server:               "localhost",
		Port:                 5672,
		VHost:                "%2f",
		Heartbeat:            2 * time.Second,
		GlobalExchange:       "default-exchange",
		PrefetchLimit:        5,
		ErrorQueue:           "error-bus",
		ConnectionRetryCount: 2,
		ConnectionRetryDelay: 100 * time.Millisecond,
	}
}

func (c Config) connectionOptions() *rabbitmq.ConnectionOptions {
	return &rabbitmq.ConnectionOptions{
		SSL:        c.SSL,
		User:       c.User,
		Password:   c.Password,
		Server:     c.Server,
		Port:       c.Port,
		VHost:      c.VHost,
		Heartbeat:  c.Heartbeat,
		RetryCount: c.ConnectionRetryCount,
		RetryDelay: c.ConnectionRetryDelay,
	}
}

// Option configures a BunnyBus instance.
type Option func(*BunnyBus)

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(b *BunnyBus) {
		b.cfg = cfg
	}
}

// WithLogger sets the logger for the bus and its managers.
func WithLogger(logger *slog.Logger) Option {
	return func(b *BunnyBus) {
		b.logger = logger
	}
}

// WithServer sets the broker host and port.
func WithServer(server string, port int) Option {
	return func(b *BunnyBus) {
		b.cfg.Server = server
		b.cfg.Port = port
	}
}

// WithCredentials sets the broker credentials.
func WithCredentials(user, password string) Option {
	return func(b *BunnyBus) {
		b.cfg.User = user
		b.cfg.Password = password
	}
}

// WithGlobalExchange sets the topic exchange Publish routes through.
func WithGlobalExchange(name string) Option {
	return func(b *BunnyBus) {
		b.cfg.GlobalExchange = name
	}
}

// WithPartitionKeySelectors sets the serial-dispatch partition key
// selector templates.
func WithPartitionKeySelectors(selectors ...string) Option {
	return func(b *BunnyBus) {
		b.cfg.SerialDispatchPartitionKeySelectors = selectors
	}
}

// withDialer overrides the transport dialer. Test seam.
func withDialer(dialer rabbitmq.Dialer) Option {
	return func(b *BunnyBus) {
		b.dialer = dialer
	}
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
