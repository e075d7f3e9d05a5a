package mqttclient

import (
	"errors"
)

// Sentinel errors for connection state - check with errors.Is().
var (
	// ErrNotOpen is returned when an operation needs an open transport.
	ErrNotOpen = errors.New("transport not open")

	// ErrClosed is returned when an operation is attempted after Deinit.
	ErrClosed = errors.New("connection closed")

	// ErrConnectionLost is reported when the transport fails while reading.
	ErrConnectionLost = errors.New("connection lost")

	// ErrKeepAliveTimeout is reported when nothing was received from the
	// broker for twice the keep-alive interval.
	ErrKeepAliveTimeout = errors.New("keep-alive timeout")
)

// Sentinel errors for invalid arguments - check with errors.Is().
var (
	// ErrInvalidPacketType is returned when a packet type cannot be used for
	// the requested operation, e.g. resending a PUBACK from the session.
	ErrInvalidPacketType = errors.New("invalid packet type")

	// ErrInvalidSessionItem is returned when a packet that is never tracked
	// is added to a session.
	ErrInvalidSessionItem = errors.New("invalid session item")

	// ErrInvalidQoS is returned for QoS values other than 0, 1 and 2.
	ErrInvalidQoS = errors.New("invalid qos")

	// ErrInvalidTopic is returned when a topic name or filter is invalid.
	ErrInvalidTopic = errors.New("invalid topic")
)

// Sentinel errors for protocol handling - check with errors.Is().
var (
	// ErrSessionItemNotFound is returned when an acknowledgment does not
	// match any tracked packet.
	ErrSessionItemNotFound = errors.New("session item not found")

	// ErrFrameTooLarge is returned when an encoded packet exceeds the frame size.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrUnexpectedPacket is reported for packets a broker never sends to a
	// client, such as CONNECT or SUBSCRIBE.
	ErrUnexpectedPacket = errors.New("unexpected packet")
)

// ConnectError contains details about a refused connection.
// Extract with errors.As().
type ConnectError struct {
	ReturnCode ConnectReturnCode
}

func (e *ConnectError) Error() string {
	return "connect refused: " + e.ReturnCode.String()
}

// NewConnectError creates a ConnectError for a CONNACK return code.
// It returns nil for ConnAccepted.
func NewConnectError(code ConnectReturnCode) error {
	if code == ConnAccepted {
		return nil
	}
	return &ConnectError{ReturnCode: code}
}
