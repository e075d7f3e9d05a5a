package mqttclient

import (
	"context"
	"net"
)

// UnixDialer connects to a broker listening on a Unix domain socket, such as
// a local bridge on a gateway. The address passed to Dial is ignored.
type UnixDialer struct {
	// Path is the socket file path (e.g., "/var/run/mqtt.sock").
	Path string
}

// NewUnixDialer creates a dialer for the socket at path.
func NewUnixDialer(path string) *UnixDialer {
	return &UnixDialer{Path: path}
}

// Dial connects to the socket.
func (d *UnixDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	var dialer net.Dialer
	return dialer.DialContext(ctx, "unix", d.Path)
}
