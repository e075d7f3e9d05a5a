package mqttclient

// EventType identifies a callback event delivered to the application.
type EventType int

const (
	// EventConnected is sent when the broker answers CONNECT.
	// Event.ReturnCode holds the CONNACK return code.
	EventConnected EventType = iota + 1

	// EventDisconnected is sent after DISCONNECT, on keep-alive timeout and
	// on transport failure. Event.Err is nil for a requested disconnect.
	EventDisconnected

	// EventPublished is sent when a publish flow completes: immediately after
	// sending for QoS 0, on PUBACK for QoS 1 and on PUBCOMP for QoS 2.
	EventPublished

	// EventSubscribed is sent on SUBACK.
	EventSubscribed

	// EventUnsubscribed is sent on UNSUBACK.
	EventUnsubscribed

	// EventPublishReceived is sent when the broker delivers a message.
	EventPublishReceived

	// EventUnknown is sent for the intermediate QoS 2 acknowledgments
	// (PUBREC and PUBREL). Event.AckType tells which one.
	EventUnknown
)

// String returns the string representation of the event type.
func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventPublished:
		return "published"
	case EventSubscribed:
		return "subscribed"
	case EventUnsubscribed:
		return "unsubscribed"
	case EventPublishReceived:
		return "publish_received"
	default:
		return "unknown"
	}
}

// Event is delivered to the EventHandler of a Connection.
type Event struct {
	Type EventType

	// ReturnCode is set for EventConnected.
	ReturnCode ConnectReturnCode

	// SessionPresent is set for EventConnected.
	SessionPresent bool

	// PacketID is set for EventPublished, EventSubscribed, EventUnsubscribed,
	// EventPublishReceived (QoS 1 and 2) and EventUnknown.
	PacketID uint16

	// AckType is PacketPUBREC or PacketPUBREL for EventUnknown.
	AckType PacketType

	// ReturnCodes holds the granted QoS per filter for EventSubscribed.
	ReturnCodes []QoS

	// Topic, Payload, QoS and Retain are set for EventPublishReceived.
	// A retransmitted QoS 2 message that was already delivered produces no
	// event.
	Topic   string
	Payload []byte
	QoS     QoS
	Retain  bool

	// Err describes why the connection went down, or why it was refused.
	Err error
}

// EventHandler receives connection events. Handlers run on a dedicated
// delivery goroutine in the order the events were produced, and may call
// back into the Connection.
type EventHandler func(conn *Connection, event *Event)
