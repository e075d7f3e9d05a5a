package mqttclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// Default broker ports.
const (
	DefaultPort       uint16 = 1883
	DefaultSecurePort uint16 = 8883
)

// Conn represents a network connection to a broker.
type Conn interface {
	net.Conn
}

// Dialer establishes broker connections.
type Dialer interface {
	// Dial connects to address, given as "host:port".
	Dial(ctx context.Context, address string) (Conn, error)
}

// Transport is a byte stream to the broker.
type Transport interface {
	// Open connects to address:port. Port 0 selects the default port for
	// the secure or plain variant.
	Open(ctx context.Context, address string, port uint16, secure bool) error

	// Read reads inbound bytes. It blocks until data arrives or the
	// transport fails.
	Read(p []byte) (int, error)

	// Write sends outbound bytes.
	Write(p []byte) (int, error)

	// Close releases the connection. Closing an already closed transport
	// is a no-op.
	Close() error

	// IsOpen reports whether the transport holds a live connection.
	IsOpen() bool
}

// TCPDialer connects to brokers over TCP.
type TCPDialer struct {
	// Timeout is the maximum time to wait for a connection.
	// Zero means no timeout.
	Timeout time.Duration

	// LocalAddr binds the connection to a local address, if set.
	LocalAddr net.Addr
}

// Dial connects to the address.
func (d *TCPDialer) Dial(ctx context.Context, address string) (Conn, error) {
	dialer := net.Dialer{
		Timeout:   d.Timeout,
		LocalAddr: d.LocalAddr,
	}
	return dialer.DialContext(ctx, "tcp", address)
}

// TLSDialer connects to brokers over TLS.
type TLSDialer struct {
	// Config is the TLS configuration.
	Config *tls.Config

	// Timeout is the maximum time to wait for a connection.
	// Zero means no timeout.
	Timeout time.Duration

	// LocalAddr binds the connection to a local address, if set.
	LocalAddr net.Addr
}

// Dial connects to the address.
func (d *TLSDialer) Dial(ctx context.Context, address string) (Conn, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{
			Timeout:   d.Timeout,
			LocalAddr: d.LocalAddr,
		},
		Config: d.Config,
	}
	return dialer.DialContext(ctx, "tcp", address)
}

// NetTransport is the default Transport. It dials with TCPDialer or
// TLSDialer unless a custom Dialer is configured.
type NetTransport struct {
	// Dialer overrides the TCP/TLS selection when set.
	Dialer Dialer

	// TLSConfig is used for secure connections made by the default dialer.
	TLSConfig *tls.Config

	// Timeout bounds connection establishment for the default dialers.
	Timeout time.Duration

	// LocalAddr binds connections made by the default dialers.
	LocalAddr net.Addr

	mu   sync.Mutex
	conn Conn
}

// Open implements Transport.
func (t *NetTransport) Open(ctx context.Context, address string, port uint16, secure bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}

	if port == 0 {
		port = DefaultPort
		if secure {
			port = DefaultSecurePort
		}
	}
	target := net.JoinHostPort(address, strconv.Itoa(int(port)))

	dialer := t.Dialer
	if dialer == nil {
		if secure {
			config := t.TLSConfig
			if config == nil {
				config = &tls.Config{ServerName: address, MinVersion: tls.VersionTLS12}
			}
			dialer = &TLSDialer{Config: config, Timeout: t.Timeout, LocalAddr: t.LocalAddr}
		} else {
			dialer = &TCPDialer{Timeout: t.Timeout, LocalAddr: t.LocalAddr}
		}
	}

	conn, err := dialer.Dial(ctx, target)
	if err != nil {
		return fmt.Errorf("dial %s: %w", target, err)
	}
	t.conn = conn

	return nil
}

// Read implements Transport.
func (t *NetTransport) Read(p []byte) (int, error) {
	conn := t.current()
	if conn == nil {
		return 0, ErrNotOpen
	}
	return conn.Read(p)
}

// Write implements Transport.
func (t *NetTransport) Write(p []byte) (int, error) {
	conn := t.current()
	if conn == nil {
		return 0, ErrNotOpen
	}
	return conn.Write(p)
}

// Close implements Transport.
func (t *NetTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

// IsOpen implements Transport.
func (t *NetTransport) IsOpen() bool {
	return t.current() != nil
}

func (t *NetTransport) current() Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// interfaceAddr returns a local TCP address on the named network interface,
// preferring IPv4.
func interfaceAddr(name string) (net.Addr, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("interface %q: %w", name, err)
	}

	addrs, err := iface.Addrs()
	if err != nil {
		return nil, fmt.Errorf("interface %q: %w", name, err)
	}

	var fallback net.IP
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return &net.TCPAddr{IP: ip4}, nil
		}
		if fallback == nil {
			fallback = ipNet.IP
		}
	}
	if fallback != nil {
		return &net.TCPAddr{IP: fallback}, nil
	}

	return nil, fmt.Errorf("interface %q: no address", name)
}
