package mqttclient

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Transport names accepted by BrokerConfig.Transport.
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "ws"
	TransportQUIC      = "quic"
	TransportUnix      = "unix"
)

// Config is the file and environment configuration of a Connection.
//
// Values are applied in order: defaults, YAML file, environment variables.
type Config struct {
	Broker  BrokerConfig  `yaml:"broker"`
	Client  ClientConfig  `yaml:"client"`
	Will    WillConfig    `yaml:"will"`
	Session SessionConfig `yaml:"session"`
	Logging LoggingConfig `yaml:"logging"`
}

// BrokerConfig describes how to reach the broker.
type BrokerConfig struct {
	Address        string        `yaml:"address" env:"MQTT_BROKER_ADDRESS,strict"`
	Port           uint16        `yaml:"port" env:"MQTT_BROKER_PORT,strict"`
	Secure         bool          `yaml:"secure" env:"MQTT_BROKER_SECURE,strict"`
	Transport      string        `yaml:"transport" env:"MQTT_TRANSPORT,strict"`
	WebSocketPath  string        `yaml:"websocket_path" env:"MQTT_WEBSOCKET_PATH,strict"`
	SocketPath     string        `yaml:"socket_path" env:"MQTT_SOCKET_PATH,strict"`
	Proxy          string        `yaml:"proxy" env:"MQTT_PROXY,strict"`
	Interface      string        `yaml:"interface" env:"MQTT_INTERFACE,strict"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"MQTT_CONNECT_TIMEOUT,strict"`

	// ServerName overrides the TLS server name, which defaults to Address.
	ServerName         string `yaml:"server_name" env:"MQTT_TLS_SERVER_NAME,strict"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" env:"MQTT_TLS_INSECURE_SKIP_VERIFY,strict"`

	CAFile   string `yaml:"ca_file" env:"MQTT_TLS_CA_FILE,strict"`
	CertFile string `yaml:"cert_file" env:"MQTT_TLS_CERT_FILE,strict"`
	KeyFile  string `yaml:"key_file" env:"MQTT_TLS_KEY_FILE,strict"`
}

func (b *BrokerConfig) identity() TLSIdentity {
	return TLSIdentity{CertFile: b.CertFile, KeyFile: b.KeyFile, CAFile: b.CAFile}
}

// ClientConfig holds the CONNECT parameters.
type ClientConfig struct {
	ClientID        string `yaml:"client_id" env:"MQTT_CLIENT_ID,strict"`
	Username        string `yaml:"username" env:"MQTT_USERNAME,strict"`
	Password        string `yaml:"password" env:"MQTT_PASSWORD,strict"`
	ProtocolVersion uint8  `yaml:"protocol_version" env:"MQTT_PROTOCOL_VERSION,strict"`
	KeepAlive       uint16 `yaml:"keep_alive" env:"MQTT_KEEP_ALIVE,strict"`
	CleanSession    bool   `yaml:"clean_session" env:"MQTT_CLEAN_SESSION,strict"`
}

// WillConfig is the optional will message. An empty topic means no will.
type WillConfig struct {
	Topic   string `yaml:"topic" env:"MQTT_WILL_TOPIC,strict"`
	Message string `yaml:"message" env:"MQTT_WILL_MESSAGE,strict"`
	QoS     uint8  `yaml:"qos" env:"MQTT_WILL_QOS,strict"`
	Retain  bool   `yaml:"retain" env:"MQTT_WILL_RETAIN,strict"`
}

// SessionConfig sizes the session and the heartbeat tick.
type SessionConfig struct {
	QueueSize       int           `yaml:"queue_size" env:"MQTT_QUEUE_SIZE,strict"`
	HeartbeatPeriod time.Duration `yaml:"heartbeat_period" env:"MQTT_HEARTBEAT_PERIOD,strict"`
}

// LoggingConfig selects the logger. Format "text" writes colored lines to
// stderr, "json" uses logrus with its JSON formatter.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"MQTT_LOG_LEVEL,strict"`
	Format string `yaml:"format" env:"MQTT_LOG_FORMAT,strict"`
}

// DefaultConfig returns the configuration used for keys absent from the
// file and the environment.
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			Address:        "localhost",
			Transport:      TransportTCP,
			WebSocketPath:  DefaultWebSocketPath,
			ConnectTimeout: 10 * time.Second,
		},
		Client: ClientConfig{
			ProtocolVersion: ProtocolVersion4,
			KeepAlive:       60,
			CleanSession:    true,
		},
		Session: SessionConfig{
			QueueSize:       DefaultQueueSize,
			HeartbeatPeriod: time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig reads the YAML file at path, when path is not empty, and then
// applies MQTT_* environment variables.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for values the client cannot use.
func (c *Config) Validate() error {
	if c.Broker.Address == "" {
		return errors.New("broker address is required")
	}

	switch c.Broker.Transport {
	case TransportTCP, TransportWebSocket, TransportQUIC:
	case TransportUnix:
		if c.Broker.SocketPath == "" {
			return errors.New("socket path is required for unix transport")
		}
	default:
		return fmt.Errorf("unsupported transport: %s", c.Broker.Transport)
	}

	if c.Broker.Proxy != "" && c.Broker.Transport != TransportTCP {
		return fmt.Errorf("proxy cannot be used with %s transport", c.Broker.Transport)
	}

	if (c.Broker.CertFile == "") != (c.Broker.KeyFile == "") {
		return errors.New("tls cert_file and key_file must be set together")
	}

	if c.Will.Topic != "" {
		if err := ValidateTopicName(c.Will.Topic); err != nil {
			return fmt.Errorf("will: %w", err)
		}
		if !QoS(c.Will.QoS).Valid() {
			return fmt.Errorf("will: %w", ErrInvalidQoS)
		}
	}

	if c.Session.QueueSize < 0 {
		return fmt.Errorf("invalid queue size: %d", c.Session.QueueSize)
	}

	if _, err := ParseLogLevel(c.Logging.Level); err != nil {
		return err
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unsupported log format: %s", c.Logging.Format)
	}

	return nil
}

// ConnectInfo returns the CONNECT parameters. Without a configured client
// id, the common name of the client certificate is used when there is one.
func (c *Config) ConnectInfo() *ConnectInfo {
	info := &ConnectInfo{
		ProtocolVersion: c.Client.ProtocolVersion,
		KeepAlive:       c.Client.KeepAlive,
		CleanSession:    c.Client.CleanSession,
		ClientID:        c.Client.ClientID,
		Username:        c.Client.Username,
		Password:        c.Client.Password,
	}

	if info.ClientID == "" {
		if cn, err := c.Broker.identity().CommonName(); err == nil {
			info.ClientID = cn
		}
	}

	if c.Will.Topic != "" {
		info.Will = &Will{
			Topic:   c.Will.Topic,
			Message: []byte(c.Will.Message),
			QoS:     QoS(c.Will.QoS),
			Retain:  c.Will.Retain,
		}
	}

	return info
}

// Options returns the Connection options described by the configuration.
func (c *Config) Options() ([]Option, error) {
	opts := []Option{
		WithQueueSize(c.Session.QueueSize),
		WithHeartbeatPeriod(c.Session.HeartbeatPeriod),
		WithConnectTimeout(c.Broker.ConnectTimeout),
	}

	if c.Broker.Interface != "" {
		opts = append(opts, WithInterface(c.Broker.Interface))
	}

	tlsConfig, err := c.tlsConfig()
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		opts = append(opts, WithTLS(tlsConfig))
	}

	dialer, err := c.dialer(tlsConfig)
	if err != nil {
		return nil, err
	}
	if dialer != nil {
		opts = append(opts, WithDialer(dialer))
	}

	logger, err := c.logger()
	if err != nil {
		return nil, err
	}
	opts = append(opts, WithLogger(logger))

	return opts, nil
}

func (c *Config) tlsConfig() (*tls.Config, error) {
	if !c.Broker.Secure && c.Broker.Transport != TransportQUIC {
		return nil, nil
	}

	serverName := c.Broker.ServerName
	if serverName == "" {
		serverName = c.Broker.Address
	}

	cfg := &tls.Config{
		ServerName:         serverName,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.Broker.InsecureSkipVerify, //nolint:gosec // opt-in for test brokers
	}
	if err := c.Broker.identity().Apply(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// dialer returns nil when the default TCP/TLS dialing of NetTransport applies.
func (c *Config) dialer(tlsConfig *tls.Config) (Dialer, error) {
	switch c.Broker.Transport {
	case TransportWebSocket:
		return &WSDialer{
			Path:      c.Broker.WebSocketPath,
			TLSConfig: tlsConfig,
			Timeout:   c.Broker.ConnectTimeout,
		}, nil

	case TransportQUIC:
		return NewQUICDialer(tlsConfig), nil

	case TransportUnix:
		return NewUnixDialer(c.Broker.SocketPath), nil
	}

	if c.Broker.Proxy == "" {
		return nil, nil
	}

	d, err := NewProxyDialer(c.Broker.Proxy, "", "")
	if err != nil {
		return nil, err
	}
	d.TLSConfig = tlsConfig
	return d, nil
}

func (c *Config) logger() (Logger, error) {
	level, err := ParseLogLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}

	if strings.EqualFold(c.Logging.Format, "json") {
		l := logrus.New()
		l.SetFormatter(&logrus.JSONFormatter{})
		logger := NewLogrusLogger(l)
		logger.SetLevel(level)
		return logger, nil
	}

	return NewStdLogger(os.Stderr, level), nil
}
