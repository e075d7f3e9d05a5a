package mqttclient

import "strconv"

// QoS is the delivery guarantee of a message.
// MQTT 3.1.1 spec: Section 4.3
type QoS byte

const (
	// QoSAtMostOnce delivers a message zero or one time (QoS 0).
	QoSAtMostOnce QoS = 0x00
	// QoSAtLeastOnce delivers a message one or more times (QoS 1).
	QoSAtLeastOnce QoS = 0x01
	// QoSExactlyOnce delivers a message exactly one time (QoS 2).
	QoSExactlyOnce QoS = 0x02
	// QoSFailure is the SUBACK return code for a refused subscription.
	QoSFailure QoS = 0x80
)

// Valid reports whether q can be requested for a publish or subscribe.
func (q QoS) Valid() bool {
	return q <= QoSExactlyOnce
}

// String returns the string representation of the QoS level.
func (q QoS) String() string {
	switch q {
	case QoSAtMostOnce:
		return "at-most-once"
	case QoSAtLeastOnce:
		return "at-least-once"
	case QoSExactlyOnce:
		return "exactly-once"
	case QoSFailure:
		return "failure"
	default:
		return "qos(" + strconv.Itoa(int(q)) + ")"
	}
}
