package mqttclient

// heartbeatStep is the tick granularity in seconds.
const heartbeatStep = 1

// Heartbeat holds the keep-alive countdowns of a connection.
//
// SendCounter reaches zero when nothing was sent for ResetValue seconds and a
// PINGREQ is due. RecvCounter starts at twice ResetValue, so one missed
// PINGRESP is tolerated before the link is considered dead.
// MQTT 3.1.1 spec: Section 3.1.2.10
type Heartbeat struct {
	ResetValue  uint32
	StepValue   uint32
	SendCounter uint32
	RecvCounter uint32

	timer   TimerID
	running bool
}

// reset loads the counters for a keep-alive interval in seconds.
func (h *Heartbeat) reset(keepAlive uint16) {
	h.StepValue = heartbeatStep
	h.ResetValue = uint32(keepAlive)
	h.SendCounter = h.ResetValue
	h.RecvCounter = 2 * h.ResetValue
}

// SendReset restarts the send countdown after outbound traffic.
func (h *Heartbeat) SendReset() {
	h.SendCounter = h.ResetValue
}

// RecvReset restarts the receive countdown after inbound traffic.
func (h *Heartbeat) RecvReset() {
	h.RecvCounter = 2 * h.ResetValue
}

// SendStep advances the send countdown by one step.
// Returns true when it has expired.
func (h *Heartbeat) SendStep() bool {
	h.SendCounter = stepDown(h.SendCounter, h.StepValue)
	return h.SendCounter == 0
}

// RecvStep advances the receive countdown by one step.
// Returns true when it has expired.
func (h *Heartbeat) RecvStep() bool {
	h.RecvCounter = stepDown(h.RecvCounter, h.StepValue)
	return h.RecvCounter == 0
}

// Running reports whether the periodic tick is registered.
func (h Heartbeat) Running() bool {
	return h.running
}

func stepDown(counter, step uint32) uint32 {
	if counter >= step {
		return counter - step
	}
	return 0
}
