package mqttclient

// DefaultQueueSize is the default session queue size. A session holds
// twice this many in-flight packets.
const DefaultQueueSize = 10

// SessionItem is a packet awaiting acknowledgment.
type SessionItem struct {
	Type PacketType
	Args SessionArgs
}

// Session tracks packets awaiting acknowledgment across reconnects.
//
// Implementations have a fixed capacity. When it is exhausted Add drops the
// packet and still returns nil; the drop is only visible through Dropped.
// Sessions are driven from a single goroutine and need not be safe for
// concurrent use.
type Session interface {
	// Init discards all tracked packets.
	Init() error

	// Add starts tracking a packet. Only PUBLISH, SUBSCRIBE, UNSUBSCRIBE,
	// PUBREC and PUBREL are accepted, others return ErrInvalidSessionItem.
	Add(args SessionArgs) error

	// Remove stops tracking the oldest packet of the given type and id.
	// Returns ErrSessionItemNotFound when nothing matches.
	Remove(packetType PacketType, packetID uint16) error

	// Exists reports whether a packet of the given type and id is tracked.
	Exists(packetType PacketType, packetID uint16) bool

	// ForEach calls fn for every tracked packet in insertion order and stops
	// at the first error, which is returned.
	ForEach(fn func(item SessionItem) error) error

	// Len returns the number of tracked packets.
	Len() int

	// Cap returns the maximum number of tracked packets.
	Cap() int

	// Dropped returns how many packets were discarded because the session was full.
	Dropped() uint64
}

// PersistentSession is a Session that can hold packets left by a previous
// process. A Connection does not discard a restored session on the first
// Connect after Init, and continues packet identifiers after the last
// restored one.
type PersistentSession interface {
	Session

	// Restored reports whether the session holds packets it did not track
	// itself since it was opened or last initialized.
	Restored() bool
}

// SessionFactory creates a Session for the given queue size.
// This allows custom session implementations to be used with a Connection.
type SessionFactory func(queueSize int) (Session, error)

// DefaultSessionFactory returns a factory that creates MemorySession instances.
func DefaultSessionFactory() SessionFactory {
	return func(queueSize int) (Session, error) {
		return NewMemorySession(queueSize), nil
	}
}

// isSessionType reports whether packets of type t are tracked by a session.
func isSessionType(t PacketType) bool {
	switch t {
	case PacketPUBLISH, PacketSUBSCRIBE, PacketUNSUBSCRIBE, PacketPUBREC, PacketPUBREL:
		return true
	default:
		return false
	}
}

// CloneSessionArgs returns a copy of args that does not share the publish
// payload with the caller.
func CloneSessionArgs(args SessionArgs) SessionArgs {
	switch a := args.(type) {
	case *PublishArgs:
		c := *a
		if a.Payload != nil {
			c.Payload = make([]byte, len(a.Payload))
			copy(c.Payload, a.Payload)
		}
		return &c
	case *SubscribeArgs:
		c := *a
		return &c
	case *UnsubscribeArgs:
		c := *a
		return &c
	case *PubrecArgs:
		c := *a
		return &c
	case *PubrelArgs:
		c := *a
		return &c
	default:
		return args
	}
}
