package mqttclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxClientIDLength is the longest client identifier every MQTT 3.1 broker
// must accept.
const maxClientIDLength = 23

// Will is the message the broker publishes when the client goes away
// without sending DISCONNECT.
type Will struct {
	Topic   string
	Message []byte
	QoS     QoS
	Retain  bool
}

// ConnectInfo holds the CONNECT parameters.
type ConnectInfo struct {
	// ProtocolVersion 4 selects MQTT 3.1.1. Any other value selects MQTT 3.1.
	ProtocolVersion byte

	// KeepAlive is the keep-alive interval in seconds. Zero disables the
	// heartbeat.
	KeepAlive uint16

	CleanSession bool

	// ClientID is generated when empty.
	ClientID string

	// Username and Password are sent when non-empty. A password is never
	// sent without a username.
	Username string
	Password string

	Will *Will
}

func (info *ConnectInfo) connectArgs() (*ConnectArgs, error) {
	args := &ConnectArgs{
		ProtocolVersion: info.ProtocolVersion,
		CleanSession:    info.CleanSession,
		KeepAlive:       info.KeepAlive,
		ClientID:        info.ClientID,
		UsernameFlag:    info.Username != "",
		Username:        info.Username,
		PasswordFlag:    info.Password != "",
		Password:        []byte(info.Password),
	}

	if args.ClientID == "" {
		args.ClientID = newClientID()
	}

	if w := info.Will; w != nil {
		if err := ValidateTopicName(w.Topic); err != nil {
			return nil, fmt.Errorf("will: %w", err)
		}
		if !w.QoS.Valid() {
			return nil, fmt.Errorf("will: %w", ErrInvalidQoS)
		}
		args.WillFlag = true
		args.WillTopic = w.Topic
		args.WillMessage = w.Message
		args.WillQoS = w.QoS
		args.WillRetain = w.Retain
	}

	n := args.normalized()
	return &n, nil
}

// lastPacketID returns the identifier of the most recently tracked packet.
func lastPacketID(s Session) uint16 {
	var id uint16
	_ = s.ForEach(func(item SessionItem) error {
		id = item.Args.PacketID()
		return nil
	})
	return id
}

// newClientID returns a random identifier short enough for MQTT 3.1 brokers.
func newClientID() string {
	id := "mc" + strings.ReplaceAll(uuid.NewString(), "-", "")
	return id[:maxClientIDLength]
}

// Connection is an MQTT 3.1/3.1.1 client connection to one broker.
//
// All protocol work runs on a per-connection event loop: API calls,
// inbound packets and keep-alive ticks are processed one at a time, so the
// session and heartbeat need no locking. Events are delivered to the
// EventHandler on a separate goroutine, in the order they were produced.
type Connection struct {
	opts    *connectionOptions
	logger  Logger
	metrics *ClientMetrics

	mu          sync.Mutex
	initialized bool
	loop        *EventLoop
	delivery    *EventLoop

	transport Transport
	codec     FrameCodec

	// Owned by the loop goroutine.
	session     Session
	heartbeat   Heartbeat
	packetID    uint16
	handler     EventHandler
	sessionInit bool
	inflight    map[uint16]time.Time
	generation  uint64
	readerDone  chan struct{}
}

// New creates a Connection. Call Init before using it.
func New(opts ...Option) *Connection {
	o := applyOptions(opts...)

	transport := o.transport
	if transport == nil {
		transport = &NetTransport{
			Dialer:    o.dialer,
			TLSConfig: o.tlsConfig,
			Timeout:   o.connectTimeout,
		}
	}

	return &Connection{
		opts:      o,
		logger:    o.logger,
		metrics:   NewClientMetrics(o.metrics),
		transport: transport,
		codec:     o.codec,
		inflight:  make(map[uint16]time.Time),
	}
}

// Init creates the session and starts the event loop. The session is reset
// on the first Connect after Init, whatever the clean session flag, unless it
// is a PersistentSession restored from a previous process.
func (c *Connection) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return nil
	}

	session, err := c.opts.sessionFactory(c.opts.queueSize)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	c.session = session
	c.heartbeat = Heartbeat{}
	c.sessionInit = true
	c.inflight = make(map[uint16]time.Time)

	if ps, ok := session.(PersistentSession); ok && ps.Restored() {
		c.sessionInit = false
		c.packetID = lastPacketID(session)
		c.logger.Info("session restored", LogFields{LogFieldSessionLen: session.Len()})
	}

	c.loop = NewEventLoop()
	c.delivery = NewEventLoop()
	c.loop.Start()
	c.delivery.Start()
	c.initialized = true

	return nil
}

// Deinit closes the transport, stops the heartbeat and the event loop.
// Events produced before Deinit are still delivered.
func (c *Connection) Deinit() error {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return nil
	}
	c.initialized = false
	loop, delivery := c.loop, c.delivery
	c.mu.Unlock()

	err := loop.Call(func() error {
		c.heartbeatDeinit()
		c.sessionInit = false
		return c.closeTransport()
	})

	loop.Stop()
	<-loop.Done()
	if c.readerDone != nil {
		<-c.readerDone
	}
	delivery.Stop()

	if closer, ok := c.session.(io.Closer); ok {
		if cerr := closer.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close session: %w", cerr)
		}
	}

	return err
}

// Open connects the transport to address:port and starts reading.
// Port 0 selects 1883, or 8883 when secure. Events are passed to handler.
func (c *Connection) Open(ctx context.Context, address string, port uint16, handler EventHandler, secure bool) error {
	return c.call(func() error {
		_ = c.closeTransport()
		c.waitReader()

		if c.opts.interfaceName != "" {
			nt, ok := c.transport.(*NetTransport)
			if ok {
				addr, err := interfaceAddr(c.opts.interfaceName)
				if err != nil {
					return err
				}
				nt.LocalAddr = addr
			}
		}

		c.handler = handler
		if err := c.transport.Open(ctx, address, port, secure); err != nil {
			return err
		}

		c.generation++
		done := make(chan struct{})
		c.readerDone = done
		go c.readLoop(c.generation, done)

		c.logger.Info("transport open", LogFields{LogFieldRemoteAddr: address})
		return nil
	})
}

// Connect sends CONNECT. A clean session always starts empty. Otherwise
// the session is kept across connects, and packets awaiting acknowledgment
// are resent once the broker answers.
func (c *Connection) Connect(info *ConnectInfo) error {
	if info == nil {
		info = &ConnectInfo{CleanSession: true}
	}

	args, err := info.connectArgs()
	if err != nil {
		return err
	}

	return c.call(func() error {
		if args.CleanSession || c.sessionInit {
			if err := c.session.Init(); err != nil {
				return fmt.Errorf("init session: %w", err)
			}
			c.sessionInit = false
			clear(c.inflight)
			c.metrics.SessionSize(0)
		}

		c.logger.Debug("connecting", LogFields{LogFieldClientID: args.ClientID})
		return c.handle(evSendConnect, args)
	})
}

// Disconnect sends DISCONNECT and closes the transport. Packets awaiting
// acknowledgment stay in the session.
func (c *Connection) Disconnect() error {
	return c.call(func() error {
		return c.handle(evSendDisconnect, &DisconnectArgs{})
	})
}

// Publish sends an application message and returns its packet identifier.
// For QoS 0 EventPublished follows immediately, otherwise once the broker
// completes the flow.
func (c *Connection) Publish(topic string, payload []byte, qos QoS) (uint16, error) {
	if err := ValidateTopicName(topic); err != nil {
		return 0, err
	}
	if !qos.Valid() {
		return 0, ErrInvalidQoS
	}
	// 2 bytes topic length, 2 bytes packet identifier.
	if len(topic)+len(payload)+4 > MaxFramePayload {
		return 0, ErrFrameTooLarge
	}

	var id uint16
	err := c.call(func() error {
		c.packetID++
		id = c.packetID
		return c.handle(evSendPublish, &PublishArgs{
			ID:      id,
			Topic:   topic,
			Payload: payload,
			QoS:     qos,
		})
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Subscribe sends a single-filter SUBSCRIBE and returns its packet identifier.
func (c *Connection) Subscribe(topic string, qos QoS) (uint16, error) {
	if err := ValidateTopicFilter(topic); err != nil {
		return 0, err
	}
	if !qos.Valid() {
		return 0, ErrInvalidQoS
	}

	var id uint16
	err := c.call(func() error {
		c.packetID++
		id = c.packetID
		return c.handle(evSendSubscribe, &SubscribeArgs{ID: id, TopicFilter: topic, QoS: qos})
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Unsubscribe sends a single-filter UNSUBSCRIBE and returns its packet identifier.
func (c *Connection) Unsubscribe(topic string) (uint16, error) {
	if err := ValidateTopicFilter(topic); err != nil {
		return 0, err
	}

	var id uint16
	err := c.call(func() error {
		c.packetID++
		id = c.packetID
		return c.handle(evSendUnsubscribe, &UnsubscribeArgs{ID: id, TopicFilter: topic})
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Session returns the session of the connection. It is owned by the event
// loop and must not be used while protocol activity is in progress.
func (c *Connection) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Heartbeat returns a snapshot of the keep-alive counters.
func (c *Connection) Heartbeat() Heartbeat {
	var hb Heartbeat
	_ = c.call(func() error {
		hb = c.heartbeat
		return nil
	})
	return hb
}

// IsOpen reports whether the transport is connected.
func (c *Connection) IsOpen() bool {
	return c.transport.IsOpen()
}

// call runs fn on the event loop and waits for its result.
func (c *Connection) call(fn func() error) error {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return ErrClosed
	}
	loop := c.loop
	c.mu.Unlock()

	return loop.Call(fn)
}

// readLoop decodes inbound packets and hands them to the event loop until
// the transport fails or is closed.
func (c *Connection) readLoop(generation uint64, done chan struct{}) {
	defer close(done)

	r := bufio.NewReaderSize(c.transport, MaxFrameSize)
	for {
		args, err := c.codec.Decode(r)
		if err != nil {
			_ = c.loop.Issue(func() { c.readFailed(generation, err) })
			return
		}
		if c.loop.Issue(func() { c.receive(generation, args) }) != nil {
			return
		}
	}
}

// readFailed runs on the loop after the reader stopped.
func (c *Connection) readFailed(generation uint64, err error) {
	// Closed on purpose, or a newer Open took over.
	if generation != c.generation || !c.transport.IsOpen() {
		return
	}
	c.connectionLost(fmt.Errorf("%w: %w", ErrConnectionLost, err), "connection_lost")
}

// connectionLost tears the link down and reports it to the application.
func (c *Connection) connectionLost(cause error, reason string) {
	c.heartbeatDeinit()
	_ = c.closeTransport()

	c.metrics.Disconnected(reason)
	c.logger.Warn("connection lost", LogFields{LogFieldError: cause})
	c.emit(&Event{Type: EventDisconnected, Err: cause})
}

func (c *Connection) closeTransport() error {
	if !c.transport.IsOpen() {
		return nil
	}
	return c.transport.Close()
}

// waitReader waits for the reader of the previous Open to exit.
// The transport must already be closed.
func (c *Connection) waitReader() {
	if c.readerDone == nil {
		return
	}
	<-c.readerDone
	c.readerDone = nil
}

// emit queues ev for the event handler.
func (c *Connection) emit(ev *Event) {
	handler := c.handler
	if handler == nil {
		return
	}
	if err := c.delivery.Issue(func() { handler(c, ev) }); err != nil && !errors.Is(err, ErrClosed) {
		c.logger.Error("event delivery failed", LogFields{LogFieldError: err})
	}
}
