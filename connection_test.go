package mqttclient

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const testTimeout = 2 * time.Second

// fakeBroker accepts client connections on a loopback listener and lets a
// test script the broker side packet by packet.
type fakeBroker struct {
	listener net.Listener
	conns    chan net.Conn
}

func newFakeBroker(t *testing.T) *fakeBroker {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	b := &fakeBroker{listener: l, conns: make(chan net.Conn, 4)}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				close(b.conns)
				return
			}
			b.conns <- conn
		}
	}()

	return b
}

func (b *fakeBroker) port() uint16 {
	return uint16(b.listener.Addr().(*net.TCPAddr).Port)
}

func (b *fakeBroker) accept(t *testing.T) *brokerConn {
	t.Helper()

	select {
	case conn := <-b.conns:
		return &brokerConn{t: t, conn: conn, r: bufio.NewReader(conn)}
	case <-time.After(testTimeout):
		t.Fatal("client did not connect")
		return nil
	}
}

func (b *fakeBroker) close() {
	b.listener.Close()
	for conn := range b.conns {
		conn.Close()
	}
}

type brokerConn struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

// expect reads the next packet sent by the client.
func (c *brokerConn) expect() PacketArgs {
	c.t.Helper()

	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(testTimeout)))
	args, err := PahoCodec{}.Decode(c.r)
	require.NoError(c.t, err)
	return args
}

// expectNothing checks that the client sends nothing for d.
func (c *brokerConn) expectNothing(d time.Duration) {
	c.t.Helper()

	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(d)))
	args, err := PahoCodec{}.Decode(c.r)
	require.Error(c.t, err, "unexpected %v", args)
	c.r = bufio.NewReader(c.conn)
}

func (c *brokerConn) send(args PacketArgs) {
	c.t.Helper()
	require.NoError(c.t, PahoCodec{}.Encode(c.conn, args))
}

func (c *brokerConn) close() {
	c.conn.Close()
}

// eventRecorder collects events delivered to the connection handler.
type eventRecorder struct {
	events chan *Event
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{events: make(chan *Event, 256)}
}

func (r *eventRecorder) handle(_ *Connection, ev *Event) {
	r.events <- ev
}

func (r *eventRecorder) next(t *testing.T) *Event {
	t.Helper()

	select {
	case ev := <-r.events:
		return ev
	case <-time.After(testTimeout):
		t.Fatal("no event delivered")
		return nil
	}
}

func (r *eventRecorder) nextOf(t *testing.T, typ EventType) *Event {
	t.Helper()

	ev := r.next(t)
	require.Equal(t, typ, ev.Type, "got %s event", ev.Type)
	return ev
}

func (r *eventRecorder) none(t *testing.T, d time.Duration) {
	t.Helper()

	select {
	case ev := <-r.events:
		t.Fatalf("unexpected %s event", ev.Type)
	case <-time.After(d):
	}
}

type testEnv struct {
	conn   *Connection
	broker *fakeBroker
	peer   *brokerConn
	events *eventRecorder
}

func (e *testEnv) close() {
	_ = e.conn.Deinit()
	e.broker.close()
}

// open creates an initialized connection with an open transport to a fake
// broker. CONNECT is not sent yet.
func open(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	env := &testEnv{
		conn:   New(opts...),
		broker: newFakeBroker(t),
		events: newEventRecorder(),
	}
	require.NoError(t, env.conn.Init())
	require.NoError(t, env.conn.Open(context.Background(), "127.0.0.1", env.broker.port(), env.events.handle, false))
	env.peer = env.broker.accept(t)

	return env
}

// reopen opens a new transport on the same connection.
func (e *testEnv) reopen(t *testing.T) {
	t.Helper()

	require.NoError(t, e.conn.Open(context.Background(), "127.0.0.1", e.broker.port(), e.events.handle, false))
	e.peer = e.broker.accept(t)
}

// handshake performs CONNECT / CONNACK.
func (e *testEnv) handshake(t *testing.T, info *ConnectInfo) *ConnectArgs {
	t.Helper()

	require.NoError(t, e.conn.Connect(info))
	connect, ok := e.peer.expect().(*ConnectArgs)
	require.True(t, ok)

	e.peer.send(&ConnackArgs{ReturnCode: ConnAccepted})
	e.events.nextOf(t, EventConnected)

	return connect
}

func connected(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	env := open(t, opts...)
	env.handshake(t, &ConnectInfo{ProtocolVersion: ProtocolVersion4, CleanSession: true, ClientID: "test"})
	return env
}

func sessionLen(t *testing.T, c *Connection) int {
	t.Helper()

	var n int
	require.NoError(t, c.call(func() error {
		n = c.session.Len()
		return nil
	}))
	return n
}

func sessionHas(t *testing.T, c *Connection, typ PacketType, id uint16) bool {
	t.Helper()

	var ok bool
	require.NoError(t, c.call(func() error {
		ok = c.session.Exists(typ, id)
		return nil
	}))
	return ok
}

func TestConnectionConnect(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	env := open(t)
	defer env.close()

	require.NoError(t, env.conn.Connect(&ConnectInfo{
		ProtocolVersion: ProtocolVersion4,
		KeepAlive:       30,
		CleanSession:    true,
		ClientID:        "device-1",
		Username:        "user",
		Password:        "pass",
		Will:            &Will{Topic: "devices/1/status", Message: []byte("offline"), QoS: QoSAtLeastOnce, Retain: true},
	}))

	connect, ok := env.peer.expect().(*ConnectArgs)
	require.True(t, ok)
	assert.Equal(t, "MQTT", connect.ProtocolName)
	assert.Equal(t, uint16(30), connect.KeepAlive)
	assert.Equal(t, "device-1", connect.ClientID)
	assert.Equal(t, "user", connect.Username)
	assert.Equal(t, []byte("pass"), connect.Password)
	assert.True(t, connect.WillFlag)
	assert.Equal(t, "devices/1/status", connect.WillTopic)

	env.peer.send(&ConnackArgs{SessionPresent: true, ReturnCode: ConnAccepted})

	ev := env.events.nextOf(t, EventConnected)
	assert.Equal(t, ConnAccepted, ev.ReturnCode)
	assert.True(t, ev.SessionPresent)
	assert.NoError(t, ev.Err)

	assert.True(t, env.conn.Heartbeat().Running())
	assert.True(t, env.conn.IsOpen())
}

func TestConnectionConnectDefaults(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	env := open(t)
	defer env.close()

	require.NoError(t, env.conn.Connect(nil))

	connect := env.peer.expect().(*ConnectArgs)
	assert.Equal(t, "MQIsdp", connect.ProtocolName)
	assert.Equal(t, ProtocolVersion3, connect.ProtocolVersion)
	assert.True(t, connect.CleanSession)
	assert.Len(t, connect.ClientID, maxClientIDLength)
	assert.True(t, strings.HasPrefix(connect.ClientID, "mc"))
	assert.False(t, connect.UsernameFlag)
	assert.False(t, connect.WillFlag)

	assert.False(t, env.conn.Heartbeat().Running())
}

func TestConnectionConnectInvalidWill(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	env := open(t)
	defer env.close()

	err := env.conn.Connect(&ConnectInfo{Will: &Will{Topic: "a/#"}})
	assert.ErrorIs(t, err, ErrInvalidTopic)

	err = env.conn.Connect(&ConnectInfo{Will: &Will{Topic: "a", QoS: 3}})
	assert.ErrorIs(t, err, ErrInvalidQoS)

	env.peer.expectNothing(50 * time.Millisecond)
}

func TestConnectionConnectRefused(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	env := open(t)
	defer env.close()

	require.NoError(t, env.conn.Connect(nil))
	env.peer.expect()
	env.peer.send(&ConnackArgs{ReturnCode: ConnRefusedNotAuthorized})

	ev := env.events.nextOf(t, EventConnected)
	assert.Equal(t, ConnRefusedNotAuthorized, ev.ReturnCode)

	var ce *ConnectError
	require.ErrorAs(t, ev.Err, &ce)
	assert.Equal(t, ConnRefusedNotAuthorized, ce.ReturnCode)
}

func TestConnectionPublishQoS0(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	env := connected(t)
	defer env.close()

	id, err := env.conn.Publish("sensors/temp", []byte("21.5"), QoSAtMostOnce)
	require.NoError(t, err)

	pub, ok := env.peer.expect().(*PublishArgs)
	require.True(t, ok)
	assert.Equal(t, "sensors/temp", pub.Topic)
	assert.Equal(t, []byte("21.5"), pub.Payload)
	assert.Equal(t, QoSAtMostOnce, pub.QoS)

	ev := env.events.nextOf(t, EventPublished)
	assert.Equal(t, id, ev.PacketID)

	assert.Equal(t, 0, sessionLen(t, env.conn))
}

func TestConnectionPublishQoS1(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	metrics := NewMemoryMetrics()
	env := connected(t, WithMetrics(metrics))
	defer env.close()

	id, err := env.conn.Publish("a/b", []byte("x"), QoSAtLeastOnce)
	require.NoError(t, err)

	pub := env.peer.expect().(*PublishArgs)
	assert.Equal(t, id, pub.ID)
	assert.Equal(t, QoSAtLeastOnce, pub.QoS)
	assert.False(t, pub.Dup)
	assert.True(t, sessionHas(t, env.conn, PacketPUBLISH, id))

	// An acknowledgment for an unknown id is reported but leaves the
	// session alone.
	env.peer.send(&PubackArgs{ID: 99})

	ev := env.events.nextOf(t, EventPublished)
	assert.Equal(t, uint16(99), ev.PacketID)
	assert.Equal(t, 1, sessionLen(t, env.conn))

	env.peer.send(&PubackArgs{ID: id})

	ev = env.events.nextOf(t, EventPublished)
	assert.Equal(t, id, ev.PacketID)
	assert.Equal(t, 0, sessionLen(t, env.conn))
	assert.Equal(t, uint64(1), metrics.HistogramCount(MetricPublishLatency, nil))
}

func TestConnectionPublishQoS2(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	env := connected(t)
	defer env.close()

	id, err := env.conn.Publish("a/b", []byte("x"), QoSExactlyOnce)
	require.NoError(t, err)

	pub := env.peer.expect().(*PublishArgs)
	assert.Equal(t, QoSExactlyOnce, pub.QoS)

	env.peer.send(&PubrecArgs{ID: id})

	rel, ok := env.peer.expect().(*PubrelArgs)
	require.True(t, ok)
	assert.Equal(t, id, rel.ID)

	ev := env.events.nextOf(t, EventUnknown)
	assert.Equal(t, PacketPUBREC, ev.AckType)
	assert.Equal(t, id, ev.PacketID)

	assert.False(t, sessionHas(t, env.conn, PacketPUBLISH, id))
	assert.True(t, sessionHas(t, env.conn, PacketPUBREL, id))

	// A repeated PUBREC is answered again but tracked once.
	env.peer.send(&PubrecArgs{ID: id})
	env.peer.expect()
	env.events.nextOf(t, EventUnknown)
	assert.Equal(t, 1, sessionLen(t, env.conn))

	env.peer.send(&PubcompArgs{ID: id})

	ev = env.events.nextOf(t, EventPublished)
	assert.Equal(t, id, ev.PacketID)
	assert.Equal(t, 0, sessionLen(t, env.conn))
}

func TestConnectionPublishValidation(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	env := connected(t)
	defer env.close()

	_, err := env.conn.Publish("a/+", nil, QoSAtMostOnce)
	assert.ErrorIs(t, err, ErrInvalidTopic)

	_, err = env.conn.Publish("a", nil, QoS(3))
	assert.ErrorIs(t, err, ErrInvalidQoS)

	_, err = env.conn.Publish("a", make([]byte, MaxFramePayload), QoSAtLeastOnce)
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	// No packet id was consumed.
	id, err := env.conn.Publish("a", make([]byte, MaxFramePayload-5), QoSAtLeastOnce)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), id)
}

func TestConnectionPublishNotOpen(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	conn := New()
	require.NoError(t, conn.Init())
	defer conn.Deinit()

	_, err := conn.Publish("a", []byte("x"), QoSAtLeastOnce)
	assert.ErrorIs(t, err, ErrNotOpen)

	// The message stays tracked so it is sent after the next CONNACK.
	assert.Equal(t, 1, sessionLen(t, conn))

	_, err = conn.Publish("a", []byte("x"), QoSAtMostOnce)
	assert.ErrorIs(t, err, ErrNotOpen)
	assert.Equal(t, 1, sessionLen(t, conn))
}

func TestConnectionReceivePublish(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	metrics := NewMemoryMetrics()
	env := connected(t, WithMetrics(metrics))
	defer env.close()

	env.peer.send(&PublishArgs{Topic: "a/0", Payload: []byte("zero")})
	env.peer.send(&PublishArgs{ID: 4, Topic: "a/1", Payload: []byte("one"), QoS: QoSAtLeastOnce, Retain: true})

	ev := env.events.nextOf(t, EventPublishReceived)
	assert.Equal(t, "a/0", ev.Topic)
	assert.Equal(t, []byte("zero"), ev.Payload)
	assert.Equal(t, QoSAtMostOnce, ev.QoS)

	ev = env.events.nextOf(t, EventPublishReceived)
	assert.Equal(t, "a/1", ev.Topic)
	assert.Equal(t, uint16(4), ev.PacketID)
	assert.True(t, ev.Retain)

	ack, ok := env.peer.expect().(*PubackArgs)
	require.True(t, ok)
	assert.Equal(t, uint16(4), ack.ID)

	assert.Equal(t, 1.0, metrics.CounterValue(MetricMessagesReceived, MetricLabels{LabelQoS: "0"}))
	assert.Equal(t, 1.0, metrics.CounterValue(MetricMessagesReceived, MetricLabels{LabelQoS: "1"}))
}

func TestConnectionReceiveQoS2Duplicate(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	env := connected(t)
	defer env.close()

	msg := &PublishArgs{ID: 3, Topic: "cmd", Payload: []byte("reboot"), QoS: QoSExactlyOnce}
	env.peer.send(msg)

	dup := *msg
	dup.Dup = true
	env.peer.send(&dup)

	for range 2 {
		rec, ok := env.peer.expect().(*PubrecArgs)
		require.True(t, ok)
		assert.Equal(t, uint16(3), rec.ID)
	}

	ev := env.events.nextOf(t, EventPublishReceived)
	assert.Equal(t, []byte("reboot"), ev.Payload)
	assert.True(t, sessionHas(t, env.conn, PacketPUBREC, 3))
	assert.Equal(t, 1, sessionLen(t, env.conn))

	env.peer.send(&PubrelArgs{ID: 3})

	comp, ok := env.peer.expect().(*PubcompArgs)
	require.True(t, ok)
	assert.Equal(t, uint16(3), comp.ID)

	// The duplicate produced no second delivery.
	ev = env.events.nextOf(t, EventUnknown)
	assert.Equal(t, PacketPUBREL, ev.AckType)
	assert.Equal(t, 0, sessionLen(t, env.conn))

	// After PUBCOMP the same id is a new message.
	env.peer.send(msg)
	env.peer.expect()
	env.events.nextOf(t, EventPublishReceived)
}

func TestConnectionReceiveEmptyPayload(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	env := connected(t)
	defer env.close()

	env.peer.send(&PublishArgs{ID: 1, Topic: "retained/clear", QoS: QoSExactlyOnce})
	env.peer.expect()

	ev := env.events.nextOf(t, EventPublishReceived)
	assert.Equal(t, "retained/clear", ev.Topic)
	assert.Empty(t, ev.Payload)
}

func TestConnectionSubscribe(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	env := connected(t)
	defer env.close()

	id, err := env.conn.Subscribe("sensors/#", QoSAtLeastOnce)
	require.NoError(t, err)

	sub, ok := env.peer.expect().(*SubscribeArgs)
	require.True(t, ok)
	assert.Equal(t, id, sub.ID)
	assert.Equal(t, "sensors/#", sub.TopicFilter)
	assert.Equal(t, QoSAtLeastOnce, sub.QoS)
	assert.True(t, sessionHas(t, env.conn, PacketSUBSCRIBE, id))

	env.peer.send(&SubackArgs{ID: id, ReturnCodes: []QoS{QoSAtLeastOnce}})

	ev := env.events.nextOf(t, EventSubscribed)
	assert.Equal(t, id, ev.PacketID)
	assert.Equal(t, []QoS{QoSAtLeastOnce}, ev.ReturnCodes)
	assert.Equal(t, 0, sessionLen(t, env.conn))

	uid, err := env.conn.Unsubscribe("sensors/#")
	require.NoError(t, err)
	assert.Equal(t, id+1, uid)

	unsub, ok := env.peer.expect().(*UnsubscribeArgs)
	require.True(t, ok)
	assert.Equal(t, "sensors/#", unsub.TopicFilter)

	env.peer.send(&UnsubackArgs{ID: uid})

	ev = env.events.nextOf(t, EventUnsubscribed)
	assert.Equal(t, uid, ev.PacketID)
	assert.Equal(t, 0, sessionLen(t, env.conn))

	_, err = env.conn.Subscribe("a/#/b", QoSAtMostOnce)
	assert.ErrorIs(t, err, ErrInvalidTopic)
	_, err = env.conn.Subscribe("a", QoSFailure)
	assert.ErrorIs(t, err, ErrInvalidQoS)
	_, err = env.conn.Unsubscribe("")
	assert.ErrorIs(t, err, ErrInvalidTopic)
}

func TestConnectionSessionReplay(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	env := connected(t)
	defer env.close()

	subID, err := env.conn.Subscribe("a/+", QoSAtLeastOnce)
	require.NoError(t, err)
	pubID, err := env.conn.Publish("a/b", []byte("x"), QoSAtLeastOnce)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), subID)
	assert.Equal(t, uint16(2), pubID)

	env.peer.expect()
	env.peer.expect()

	// Broker goes away before acknowledging anything.
	env.peer.close()

	ev := env.events.nextOf(t, EventDisconnected)
	assert.ErrorIs(t, ev.Err, ErrConnectionLost)
	assert.False(t, env.conn.IsOpen())

	env.reopen(t)
	require.NoError(t, env.conn.Connect(&ConnectInfo{ProtocolVersion: ProtocolVersion4, ClientID: "test"}))

	connect := env.peer.expect().(*ConnectArgs)
	assert.False(t, connect.CleanSession)

	env.peer.send(&ConnackArgs{SessionPresent: true})
	env.events.nextOf(t, EventConnected)

	sub, ok := env.peer.expect().(*SubscribeArgs)
	require.True(t, ok)
	assert.Equal(t, subID, sub.ID)

	pub, ok := env.peer.expect().(*PublishArgs)
	require.True(t, ok)
	assert.Equal(t, pubID, pub.ID)
	assert.True(t, pub.Dup)

	// Replayed entries stay tracked until acknowledged.
	assert.Equal(t, 2, sessionLen(t, env.conn))

	env.peer.send(&SubackArgs{ID: subID, ReturnCodes: []QoS{QoSAtLeastOnce}})
	env.peer.send(&PubackArgs{ID: pubID})
	env.events.nextOf(t, EventSubscribed)
	env.events.nextOf(t, EventPublished)
	assert.Equal(t, 0, sessionLen(t, env.conn))
}

func TestConnectionNonCleanSession(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	env := connected(t)
	defer env.close()

	id, err := env.conn.Publish("a", []byte("x"), QoSAtLeastOnce)
	require.NoError(t, err)
	env.peer.expect()

	require.NoError(t, env.conn.Disconnect())
	_, ok := env.peer.expect().(*DisconnectArgs)
	require.True(t, ok)

	ev := env.events.nextOf(t, EventDisconnected)
	assert.NoError(t, ev.Err)
	assert.False(t, env.conn.IsOpen())
	assert.Equal(t, 1, sessionLen(t, env.conn))

	// A second non-clean connect keeps the pending entry.
	env.reopen(t)
	env.handshake(t, &ConnectInfo{ProtocolVersion: ProtocolVersion4, ClientID: "test"})

	pub := env.peer.expect().(*PublishArgs)
	assert.Equal(t, id, pub.ID)
	assert.Equal(t, 1, sessionLen(t, env.conn))

	// A clean connect discards it.
	env.reopen(t)
	env.handshake(t, &ConnectInfo{ProtocolVersion: ProtocolVersion4, ClientID: "test", CleanSession: true})
	assert.Equal(t, 0, sessionLen(t, env.conn))
	env.peer.expectNothing(50 * time.Millisecond)
}

func TestConnectionFirstConnectResetsSession(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	factory := func(queueSize int) (Session, error) {
		s := NewMemorySession(queueSize)
		_ = s.Add(&PublishArgs{ID: 1, Topic: "stale", QoS: QoSAtLeastOnce})
		return s, nil
	}

	env := open(t, WithSessionFactory(factory))
	defer env.close()
	assert.Equal(t, 1, sessionLen(t, env.conn))

	env.handshake(t, &ConnectInfo{ProtocolVersion: ProtocolVersion4, ClientID: "test"})
	assert.Equal(t, 0, sessionLen(t, env.conn))
	env.peer.expectNothing(50 * time.Millisecond)
}

func TestConnectionSessionFull(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	metrics := NewMemoryMetrics()
	env := connected(t, WithQueueSize(1), WithMetrics(metrics))
	defer env.close()

	for range 3 {
		_, err := env.conn.Publish("a", []byte("x"), QoSAtLeastOnce)
		require.NoError(t, err)
	}

	// All three are sent, only two are tracked.
	for i := range 3 {
		pub := env.peer.expect().(*PublishArgs)
		assert.Equal(t, uint16(i+1), pub.ID)
	}

	assert.Equal(t, 2, sessionLen(t, env.conn))
	assert.True(t, sessionHas(t, env.conn, PacketPUBLISH, 1))
	assert.False(t, sessionHas(t, env.conn, PacketPUBLISH, 3))
	assert.Equal(t, 1.0, metrics.CounterValue(MetricSessionDropped, nil))
	assert.Equal(t, 2.0, metrics.GaugeValue(MetricSessionSize, nil))
}

func TestConnectionPacketIDWraparound(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	env := connected(t)
	defer env.close()

	require.NoError(t, env.conn.call(func() error {
		env.conn.packetID = 65534
		return nil
	}))

	var ids []uint16
	for range 3 {
		id, err := env.conn.Publish("a", nil, QoSAtMostOnce)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	assert.Equal(t, []uint16{65535, 0, 1}, ids)
}

func TestConnectionEventOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	env := connected(t)
	defer env.close()

	for range 50 {
		_, err := env.conn.Publish("a", []byte("x"), QoSAtMostOnce)
		require.NoError(t, err)
	}

	for i := range 50 {
		ev := env.events.nextOf(t, EventPublished)
		assert.Equal(t, uint16(i+1), ev.PacketID)
	}
}

func TestConnectionReentrantHandler(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	broker := newFakeBroker(t)
	defer broker.close()

	subscribed := make(chan uint16, 1)
	conn := New()
	require.NoError(t, conn.Init())
	defer conn.Deinit()

	handler := func(c *Connection, ev *Event) {
		if ev.Type == EventConnected {
			id, err := c.Subscribe("cmd/#", QoSAtLeastOnce)
			if err == nil {
				subscribed <- id
			}
		}
	}

	require.NoError(t, conn.Open(context.Background(), "127.0.0.1", broker.port(), handler, false))
	peer := broker.accept(t)

	require.NoError(t, conn.Connect(nil))
	peer.expect()
	peer.send(&ConnackArgs{})

	select {
	case id := <-subscribed:
		assert.Equal(t, uint16(1), id)
	case <-time.After(testTimeout):
		t.Fatal("handler could not subscribe")
	}

	sub, ok := peer.expect().(*SubscribeArgs)
	require.True(t, ok)
	assert.Equal(t, "cmd/#", sub.TopicFilter)
}

func TestConnectionUnexpectedPacket(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	env := connected(t)
	defer env.close()

	env.peer.send(&SubscribeArgs{ID: 1, TopicFilter: "a"})
	env.peer.send(&PublishArgs{Topic: "after"})

	ev := env.events.nextOf(t, EventPublishReceived)
	assert.Equal(t, "after", ev.Topic)
	assert.True(t, env.conn.IsOpen())
}

func TestConnectionKeepAlive(t *testing.T) {
	t.Run("ping answered", func(t *testing.T) {
		defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

		env := open(t, WithHeartbeatPeriod(50*time.Millisecond))
		defer env.close()

		env.handshake(t, &ConnectInfo{ProtocolVersion: ProtocolVersion4, KeepAlive: 1, ClientID: "test"})

		for range 5 {
			_, ok := env.peer.expect().(*PingreqArgs)
			require.True(t, ok)
			env.peer.send(&PingrespArgs{})
		}

		env.events.none(t, 20*time.Millisecond)
		assert.True(t, env.conn.IsOpen())
	})

	t.Run("timeout", func(t *testing.T) {
		defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

		metrics := NewMemoryMetrics()
		env := open(t, WithHeartbeatPeriod(20*time.Millisecond), WithMetrics(metrics))
		defer env.close()

		env.handshake(t, &ConnectInfo{ProtocolVersion: ProtocolVersion4, KeepAlive: 1, ClientID: "test"})

		_, ok := env.peer.expect().(*PingreqArgs)
		require.True(t, ok)

		ev := env.events.nextOf(t, EventDisconnected)
		assert.ErrorIs(t, ev.Err, ErrKeepAliveTimeout)
		assert.False(t, env.conn.IsOpen())
		assert.False(t, env.conn.Heartbeat().Running())

		// The closed transport is not reported a second time.
		env.events.none(t, 100*time.Millisecond)
		assert.Equal(t, 1.0, metrics.CounterValue(MetricKeepAliveTimeouts, nil))
	})

	t.Run("disabled", func(t *testing.T) {
		defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

		env := open(t, WithHeartbeatPeriod(10*time.Millisecond))
		defer env.close()

		env.handshake(t, &ConnectInfo{ProtocolVersion: ProtocolVersion4, ClientID: "test"})
		env.peer.expectNothing(100 * time.Millisecond)
		assert.True(t, env.conn.IsOpen())
	})
}

func TestConnectionPingrespReplays(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	env := open(t, WithHeartbeatPeriod(50*time.Millisecond))
	defer env.close()

	env.handshake(t, &ConnectInfo{ProtocolVersion: ProtocolVersion4, KeepAlive: 1, CleanSession: true, ClientID: "test"})

	id, err := env.conn.Subscribe("a", QoSAtMostOnce)
	require.NoError(t, err)
	env.peer.expect()

	_, ok := env.peer.expect().(*PingreqArgs)
	require.True(t, ok)
	env.peer.send(&PingrespArgs{})

	sub, ok := env.peer.expect().(*SubscribeArgs)
	require.True(t, ok)
	assert.Equal(t, id, sub.ID)
}

func TestConnectionLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	conn := New()

	_, err := conn.Publish("a", nil, QoSAtMostOnce)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, conn.Connect(nil), ErrClosed)
	assert.NoError(t, conn.Deinit())

	require.NoError(t, conn.Init())
	require.NoError(t, conn.Init())
	assert.NotNil(t, conn.Session())
	assert.False(t, conn.IsOpen())

	require.NoError(t, conn.Deinit())
	require.NoError(t, conn.Deinit())

	_, err = conn.Subscribe("a", QoSAtMostOnce)
	assert.ErrorIs(t, err, ErrClosed)

	// A connection can be initialized again.
	require.NoError(t, conn.Init())
	require.NoError(t, conn.Deinit())
}

func TestConnectionOpenFailure(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(l.Addr().(*net.TCPAddr).Port)
	l.Close()

	conn := New(WithConnectTimeout(time.Second))
	require.NoError(t, conn.Init())
	defer conn.Deinit()

	err = conn.Open(context.Background(), "127.0.0.1", port, nil, false)
	assert.Error(t, err)
	assert.False(t, conn.IsOpen())
}

func TestConnectionDeinitClosesSession(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s := &closingSession{MemorySession: NewMemorySession(1)}
	conn := New(WithSessionFactory(func(int) (Session, error) { return s, nil }))

	require.NoError(t, conn.Init())
	require.NoError(t, conn.Deinit())
	assert.True(t, s.closed)
}

type closingSession struct {
	*MemorySession
	closed bool
}

func (s *closingSession) Close() error {
	s.closed = true
	return nil
}

var errEncode = errors.New("encode failed")

// failingCodec fails to encode one packet type.
type failingCodec struct {
	PahoCodec
	fail PacketType
}

func (c failingCodec) Encode(w io.Writer, args PacketArgs) error {
	if args.PacketType() == c.fail {
		return errEncode
	}
	return c.PahoCodec.Encode(w, args)
}

func TestConnectionSendFailureKeepsSession(t *testing.T) {
	tests := []struct {
		name   string
		fail   PacketType
		run    func(t *testing.T, env *testEnv)
		expect func(t *testing.T, env *testEnv)
	}{
		{
			name: "publish",
			fail: PacketPUBLISH,
			run: func(t *testing.T, env *testEnv) {
				_, err := env.conn.Publish("a", []byte("x"), QoSAtLeastOnce)
				assert.ErrorIs(t, err, errEncode)
			},
			expect: func(t *testing.T, env *testEnv) {
				assert.True(t, sessionHas(t, env.conn, PacketPUBLISH, 1))
			},
		},
		{
			name: "subscribe",
			fail: PacketSUBSCRIBE,
			run: func(t *testing.T, env *testEnv) {
				_, err := env.conn.Subscribe("a/#", QoSAtLeastOnce)
				assert.ErrorIs(t, err, errEncode)
			},
			expect: func(t *testing.T, env *testEnv) {
				assert.True(t, sessionHas(t, env.conn, PacketSUBSCRIBE, 1))
			},
		},
		{
			name: "unsubscribe",
			fail: PacketUNSUBSCRIBE,
			run: func(t *testing.T, env *testEnv) {
				_, err := env.conn.Unsubscribe("a/#")
				assert.ErrorIs(t, err, errEncode)
			},
			expect: func(t *testing.T, env *testEnv) {
				assert.True(t, sessionHas(t, env.conn, PacketUNSUBSCRIBE, 1))
			},
		},
		{
			name: "pubrel",
			fail: PacketPUBREL,
			run: func(t *testing.T, env *testEnv) {
				id, err := env.conn.Publish("a", []byte("x"), QoSExactlyOnce)
				require.NoError(t, err)
				env.peer.expect()

				env.peer.send(&PubrecArgs{ID: id})
				ev := env.events.nextOf(t, EventUnknown)
				assert.Equal(t, PacketPUBREC, ev.AckType)
			},
			expect: func(t *testing.T, env *testEnv) {
				assert.False(t, sessionHas(t, env.conn, PacketPUBLISH, 1))
				assert.True(t, sessionHas(t, env.conn, PacketPUBREL, 1))
			},
		},
		{
			name: "pubrec",
			fail: PacketPUBREC,
			run: func(t *testing.T, env *testEnv) {
				env.peer.send(&PublishArgs{ID: 5, Topic: "cmd", Payload: []byte("go"), QoS: QoSExactlyOnce})

				ev := env.events.nextOf(t, EventPublishReceived)
				assert.Equal(t, []byte("go"), ev.Payload)
			},
			expect: func(t *testing.T, env *testEnv) {
				assert.True(t, sessionHas(t, env.conn, PacketPUBREC, 5))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

			env := open(t, WithCodec(failingCodec{fail: tt.fail}))
			defer env.close()
			env.handshake(t, &ConnectInfo{ProtocolVersion: ProtocolVersion4, CleanSession: true, ClientID: "test"})

			tt.run(t, env)
			tt.expect(t, env)
			assert.Equal(t, 1, sessionLen(t, env.conn))
			assert.True(t, env.conn.IsOpen())
		})
	}
}

// restoredSession is a MemorySession that claims to hold packets from a
// previous process.
type restoredSession struct {
	*MemorySession
}

func (restoredSession) Restored() bool { return true }

func TestConnectionRestoredSession(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	factory := func(queueSize int) (Session, error) {
		s := restoredSession{NewMemorySession(queueSize)}
		_ = s.Add(&PubrelArgs{ID: 40})
		_ = s.Add(&PublishArgs{ID: 41, Topic: "stored", Payload: []byte("x"), QoS: QoSAtLeastOnce})
		return s, nil
	}

	env := open(t, WithSessionFactory(factory))
	defer env.close()

	require.NoError(t, env.conn.Connect(&ConnectInfo{ProtocolVersion: ProtocolVersion4, ClientID: "test"}))
	env.peer.expect()
	env.peer.send(&ConnackArgs{SessionPresent: true})
	env.events.nextOf(t, EventConnected)

	rel, ok := env.peer.expect().(*PubrelArgs)
	require.True(t, ok)
	assert.Equal(t, uint16(40), rel.ID)

	pub, ok := env.peer.expect().(*PublishArgs)
	require.True(t, ok)
	assert.Equal(t, uint16(41), pub.ID)
	assert.True(t, pub.Dup)

	id, err := env.conn.Subscribe("a", QoSAtMostOnce)
	require.NoError(t, err)
	assert.Equal(t, uint16(42), id)
}
