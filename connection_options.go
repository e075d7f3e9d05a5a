package mqttclient

import (
	"crypto/tls"
	"time"
)

// connectionOptions holds configuration for a Connection.
type connectionOptions struct {
	// Session
	queueSize      int
	sessionFactory SessionFactory

	// Wire
	codec     FrameCodec
	transport Transport

	// Dialing, used by the default NetTransport
	dialer         Dialer
	tlsConfig      *tls.Config
	connectTimeout time.Duration
	interfaceName  string

	// Heartbeat tick period. The keep-alive counters step once per tick.
	heartbeatPeriod time.Duration

	logger  Logger
	metrics Metrics
}

// defaultOptions returns options with sensible defaults.
func defaultOptions() *connectionOptions {
	return &connectionOptions{
		queueSize:       DefaultQueueSize,
		sessionFactory:  DefaultSessionFactory(),
		codec:           PahoCodec{},
		connectTimeout:  10 * time.Second,
		heartbeatPeriod: time.Second,
		logger:          NewNoOpLogger(),
		metrics:         &NoOpMetrics{},
	}
}

// Option configures a Connection.
type Option func(*connectionOptions)

// WithQueueSize sets the session queue size. The session holds twice this
// many packets awaiting acknowledgment.
func WithQueueSize(size int) Option {
	return func(o *connectionOptions) {
		if size > 0 {
			o.queueSize = size
		}
	}
}

// WithSessionFactory sets a custom session factory.
// The factory is called on every Init.
func WithSessionFactory(factory SessionFactory) Option {
	return func(o *connectionOptions) {
		if factory != nil {
			o.sessionFactory = factory
		}
	}
}

// WithCodec replaces the default paho based frame codec.
func WithCodec(codec FrameCodec) Option {
	return func(o *connectionOptions) {
		if codec != nil {
			o.codec = codec
		}
	}
}

// WithTransport replaces the default NetTransport. The dialing options
// below only apply to NetTransport.
func WithTransport(t Transport) Option {
	return func(o *connectionOptions) {
		o.transport = t
	}
}

// WithDialer sets a custom dialer, such as WSDialer, QUICDialer or
// ProxyDialer. It takes precedence over the TCP/TLS selection of Open.
func WithDialer(d Dialer) Option {
	return func(o *connectionOptions) {
		o.dialer = d
	}
}

// WithTLS sets the TLS configuration used by Open when secure is true.
func WithTLS(config *tls.Config) Option {
	return func(o *connectionOptions) {
		o.tlsConfig = config
	}
}

// WithConnectTimeout sets the dial timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *connectionOptions) {
		o.connectTimeout = d
	}
}

// WithInterface binds outgoing connections to the address of the named
// network interface, e.g. "eth0".
func WithInterface(name string) Option {
	return func(o *connectionOptions) {
		o.interfaceName = name
	}
}

// WithHeartbeatPeriod sets the keep-alive tick period. The default of one
// second makes the counters count seconds.
func WithHeartbeatPeriod(d time.Duration) Option {
	return func(o *connectionOptions) {
		if d > 0 {
			o.heartbeatPeriod = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger Logger) Option {
	return func(o *connectionOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m Metrics) Option {
	return func(o *connectionOptions) {
		if m != nil {
			o.metrics = m
		}
	}
}

func applyOptions(opts ...Option) *connectionOptions {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}
