package mqttclient

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// WebSocketSubprotocol is the MQTT WebSocket subprotocol.
	WebSocketSubprotocol = "mqtt"

	// DefaultWebSocketPath is the request path used when WSDialer.Path is empty.
	DefaultWebSocketPath = "/mqtt"
)

// ErrWebSocketTextFrame is returned when the broker sends a text message.
// MQTT over WebSocket uses binary messages only.
var ErrWebSocketTextFrame = errors.New("websocket text message")

// WSConn wraps a WebSocket connection to implement net.Conn.
type WSConn struct {
	conn *websocket.Conn
	buf  []byte
	pos  int
}

func newWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

// Read reads data from the connection. A single MQTT packet may span
// several messages and a message may carry several packets.
func (c *WSConn) Read(b []byte) (int, error) {
	if c.pos < len(c.buf) {
		n := copy(b, c.buf[c.pos:])
		c.pos += n
		return n, nil
	}

	messageType, data, err := c.conn.ReadMessage()
	if err != nil {
		return 0, err
	}
	if messageType != websocket.BinaryMessage {
		return 0, ErrWebSocketTextFrame
	}

	c.buf = data
	c.pos = copy(b, data)
	return c.pos, nil
}

// Write writes data to the connection as one binary message.
func (c *WSConn) Write(b []byte) (int, error) {
	if err := c.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close closes the connection.
func (c *WSConn) Close() error {
	return c.conn.Close()
}

// LocalAddr returns the local network address.
func (c *WSConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *WSConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SetDeadline sets the read and write deadlines.
func (c *WSConn) SetDeadline(t time.Time) error {
	if err := c.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline.
func (c *WSConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline.
func (c *WSConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// WSDialer connects to brokers over WebSocket. The dialed "host:port" is
// turned into ws://host:port/path, or wss:// when TLSConfig is set.
type WSDialer struct {
	// Path is the request path. Defaults to DefaultWebSocketPath.
	Path string

	// TLSConfig enables wss:// when set.
	TLSConfig *tls.Config

	// Header is the HTTP header to send with the handshake.
	Header http.Header

	// Timeout bounds the handshake. Zero means no timeout.
	Timeout time.Duration
}

// NewWSDialer creates a WebSocket dialer for the default path.
func NewWSDialer() *WSDialer {
	return &WSDialer{Path: DefaultWebSocketPath}
}

// Dial implements Dialer.
func (d *WSDialer) Dial(ctx context.Context, address string) (Conn, error) {
	dialer := &websocket.Dialer{
		Subprotocols:     []string{WebSocketSubprotocol},
		ReadBufferSize:   MaxFrameSize,
		WriteBufferSize:  MaxFrameSize,
		HandshakeTimeout: d.Timeout,
		TLSClientConfig:  d.TLSConfig,
	}

	header := d.Header
	if header == nil {
		header = http.Header{}
	}

	conn, _, err := dialer.DialContext(ctx, d.url(address), header)
	if err != nil {
		return nil, err
	}

	return newWSConn(conn), nil
}

func (d *WSDialer) url(address string) string {
	scheme := "ws://"
	if d.TLSConfig != nil {
		scheme = "wss://"
	}

	path := d.Path
	if path == "" {
		path = DefaultWebSocketPath
	}
	if path[0] != '/' {
		path = "/" + path
	}

	return scheme + address + path
}
