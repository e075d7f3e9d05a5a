package mqttclient

import (
	"errors"
	"fmt"
	"time"
)

// protocolEvent is an input to the protocol state machine.
type protocolEvent int

const (
	evSendConnect protocolEvent = iota + 1
	evRecvConnack
	evSendDisconnect
	evSendSubscribe
	evRecvSuback
	evSendUnsubscribe
	evRecvUnsuback
	evSendPublish
	evRecvPublish
	evSendPuback
	evRecvPuback
	evSendPubrec
	evRecvPubrec
	evSendPubrel
	evRecvPubrel
	evSendPubcomp
	evRecvPubcomp
	evSendPingreq
	evRecvPingresp
	evTick
	evConnectionClose
)

func (e protocolEvent) String() string {
	switch e {
	case evSendConnect:
		return "send_connect"
	case evRecvConnack:
		return "recv_connack"
	case evSendDisconnect:
		return "send_disconnect"
	case evSendSubscribe:
		return "send_subscribe"
	case evRecvSuback:
		return "recv_suback"
	case evSendUnsubscribe:
		return "send_unsubscribe"
	case evRecvUnsuback:
		return "recv_unsuback"
	case evSendPublish:
		return "send_publish"
	case evRecvPublish:
		return "recv_publish"
	case evSendPuback:
		return "send_puback"
	case evRecvPuback:
		return "recv_puback"
	case evSendPubrec:
		return "send_pubrec"
	case evRecvPubrec:
		return "recv_pubrec"
	case evSendPubrel:
		return "send_pubrel"
	case evRecvPubrel:
		return "recv_pubrel"
	case evSendPubcomp:
		return "send_pubcomp"
	case evRecvPubcomp:
		return "recv_pubcomp"
	case evSendPingreq:
		return "send_pingreq"
	case evRecvPingresp:
		return "recv_pingresp"
	case evTick:
		return "tick"
	case evConnectionClose:
		return "connection_close"
	default:
		return "unknown"
	}
}

// recvEvents maps inbound packet types to their state machine event.
var recvEvents = map[PacketType]protocolEvent{
	PacketCONNACK:  evRecvConnack,
	PacketSUBACK:   evRecvSuback,
	PacketUNSUBACK: evRecvUnsuback,
	PacketPUBLISH:  evRecvPublish,
	PacketPUBACK:   evRecvPuback,
	PacketPUBREC:   evRecvPubrec,
	PacketPUBREL:   evRecvPubrel,
	PacketPUBCOMP:  evRecvPubcomp,
	PacketPINGRESP: evRecvPingresp,
}

// handle advances the protocol state machine. It runs on the event loop.
//
// Outbound events encode and send a packet and track it in the session until
// acknowledged. Inbound events restart the receive countdown, release the
// acknowledged session entry and answer QoS flows.
// MQTT 3.1.1 spec: Section 4.3
func (c *Connection) handle(ev protocolEvent, args PacketArgs) error {
	switch ev {
	case evSendConnect:
		a := args.(*ConnectArgs)
		if a.KeepAlive > 0 {
			if err := c.heartbeatInit(a.KeepAlive); err != nil {
				return err
			}
		}
		if err := c.send(a); err != nil {
			c.heartbeatDeinit()
			return err
		}
		return nil

	case evRecvConnack:
		c.heartbeat.RecvReset()
		if a, ok := args.(*ConnackArgs); ok && a.ReturnCode != ConnAccepted {
			return nil
		}
		c.resendSession()
		return nil

	case evSendDisconnect:
		c.heartbeatDeinit()
		if err := c.send(args); err != nil {
			return err
		}
		_ = c.closeTransport()
		c.emit(&Event{Type: EventDisconnected})
		return nil

	case evSendSubscribe, evSendUnsubscribe:
		// Tracked even when the send fails, so it goes out again on replay.
		err := c.send(args)
		c.track(args.(SessionArgs))
		if err != nil {
			return err
		}
		c.heartbeat.SendReset()
		return nil

	case evRecvSuback:
		c.heartbeat.RecvReset()
		c.untrack(PacketSUBSCRIBE, args.(SessionArgs).PacketID())
		return nil

	case evRecvUnsuback:
		c.heartbeat.RecvReset()
		c.untrack(PacketUNSUBSCRIBE, args.(SessionArgs).PacketID())
		return nil

	case evSendPublish:
		return c.sendPublish(args.(*PublishArgs))

	case evRecvPublish:
		return c.recvPublish(args.(*PublishArgs))

	case evRecvPuback:
		id := args.(SessionArgs).PacketID()
		c.heartbeat.RecvReset()
		c.untrack(PacketPUBLISH, id)
		c.publishDone(id)
		return nil

	case evRecvPubrec:
		id := args.(SessionArgs).PacketID()
		c.heartbeat.RecvReset()
		c.untrack(PacketPUBLISH, id)

		if !c.session.Exists(PacketPUBREL, id) {
			c.track(&PubrelArgs{ID: id})
		}

		if err := c.send(&PubrelArgs{ID: id}); err != nil {
			return err
		}
		c.heartbeat.SendReset()
		return nil

	case evRecvPubrel:
		id := args.(SessionArgs).PacketID()
		c.heartbeat.RecvReset()
		c.untrack(PacketPUBREC, id)

		if err := c.send(&PubcompArgs{ID: id}); err != nil {
			return err
		}
		c.heartbeat.SendReset()
		return nil

	case evRecvPubcomp:
		id := args.(SessionArgs).PacketID()
		c.heartbeat.RecvReset()
		c.untrack(PacketPUBREL, id)
		c.publishDone(id)
		return nil

	case evRecvPingresp:
		c.heartbeat.RecvReset()
		c.resendSession()
		return nil

	case evTick:
		return c.tick()

	case evConnectionClose:
		return c.transport.Close()

	case evSendPuback, evSendPubrec, evSendPubrel, evSendPubcomp, evSendPingreq:
		// Sent from within the flows above, never requested directly.
		return nil

	default:
		return ErrInvalidPacketType
	}
}

// sendPublish tracks the message before sending it, so a QoS 1 or 2 message
// that fails to go out is resent on the next CONNACK.
func (c *Connection) sendPublish(a *PublishArgs) error {
	c.track(a)

	err := c.send(a)

	if a.QoS > QoSAtMostOnce {
		if err != nil {
			return err
		}
		c.heartbeat.SendReset()
		c.inflight[a.ID] = time.Now()
		return nil
	}

	_ = c.session.Remove(PacketPUBLISH, a.ID)
	c.metrics.SessionSize(c.session.Len())
	if err != nil {
		return err
	}
	c.emit(&Event{Type: EventPublished, PacketID: a.ID})
	return nil
}

// recvPublish answers an inbound message. A QoS 2 message whose PUBREC is
// still tracked was already delivered and is marked duplicate. The PUBREC is
// tracked before it is sent.
// MQTT 3.1.1 spec: Section 4.3.3
func (c *Connection) recvPublish(a *PublishArgs) error {
	c.heartbeat.RecvReset()

	switch a.QoS {
	case QoSAtLeastOnce:
		if err := c.send(&PubackArgs{ID: a.ID}); err != nil {
			return err
		}
		c.heartbeat.SendReset()

	case QoSExactlyOnce:
		if c.session.Exists(PacketPUBREC, a.ID) {
			a.duplicate = true
		} else {
			c.track(&PubrecArgs{ID: a.ID})
		}

		if err := c.send(&PubrecArgs{ID: a.ID}); err != nil {
			return err
		}
		c.heartbeat.SendReset()
	}

	return nil
}

// tick steps the keep-alive counters. Receive expiry wins over a due PINGREQ.
// MQTT 3.1.1 spec: Section 3.1.2.10
func (c *Connection) tick() error {
	if c.heartbeat.RecvStep() {
		c.heartbeatDeinit()
		_ = c.closeTransport()
		return ErrKeepAliveTimeout
	}

	if c.heartbeat.SendStep() {
		if err := c.send(&PingreqArgs{}); err != nil {
			return err
		}
		c.heartbeat.SendReset()
	}

	return nil
}

// onTick is the periodic heartbeat handler.
func (c *Connection) onTick() {
	err := c.handle(evTick, nil)
	switch {
	case err == nil:
	case errors.Is(err, ErrKeepAliveTimeout):
		c.metrics.KeepAliveTimeout()
		c.metrics.Disconnected("keepalive_timeout")
		c.logger.Warn("keep-alive timeout", LogFields{LogFieldError: err})
		c.emit(&Event{Type: EventDisconnected, Err: err})
	default:
		c.connectionLost(fmt.Errorf("%w: %w", ErrConnectionLost, err), "ping_failed")
	}
}

func (c *Connection) heartbeatInit(keepAlive uint16) error {
	c.heartbeatDeinit()
	c.heartbeat.reset(keepAlive)

	id, err := c.loop.RegisterPeriodic(c.opts.heartbeatPeriod, c.onTick)
	if err != nil {
		return err
	}
	c.heartbeat.timer = id
	c.heartbeat.running = true
	return nil
}

func (c *Connection) heartbeatDeinit() {
	if !c.heartbeat.running {
		return
	}
	c.loop.Unregister(c.heartbeat.timer)
	c.heartbeat.running = false
}

// resendSession resends every tracked packet in the order it was first sent.
// Replay stops at the first failure, which is only logged.
func (c *Connection) resendSession() {
	if err := c.session.ForEach(c.resendItem); err != nil {
		c.logger.Warn("session replay failed", LogFields{
			LogFieldError:      err,
			LogFieldSessionLen: c.session.Len(),
		})
	}
}

func (c *Connection) resendItem(item SessionItem) error {
	switch item.Type {
	case PacketPUBLISH:
		// MQTT 3.1.1 spec: Section 3.3.1.1
		a, ok := item.Args.(*PublishArgs)
		if !ok {
			return ErrInvalidPacketType
		}
		resend := *a
		resend.Dup = true
		return c.send(&resend)
	case PacketSUBSCRIBE, PacketUNSUBSCRIBE, PacketPUBREC, PacketPUBREL:
		return c.send(item.Args)
	default:
		return ErrInvalidPacketType
	}
}

// track adds args to the session. A full session drops the packet silently,
// which is counted and logged.
func (c *Connection) track(args SessionArgs) {
	dropped := c.session.Dropped()

	if err := c.session.Add(args); err != nil {
		c.logger.Error("session add failed", LogFields{
			LogFieldPacketType: args.PacketType().String(),
			LogFieldPacketID:   args.PacketID(),
			LogFieldError:      err,
		})
		return
	}

	if n := c.session.Dropped() - dropped; n > 0 {
		c.metrics.SessionDropped(n)
		c.logger.Warn("session full, packet not tracked", LogFields{
			LogFieldPacketType: args.PacketType().String(),
			LogFieldPacketID:   args.PacketID(),
		})
	}
	c.metrics.SessionSize(c.session.Len())
}

// untrack releases the session entry for an acknowledgment. An unmatched
// acknowledgment means broker and client disagree; it is only logged.
func (c *Connection) untrack(packetType PacketType, id uint16) {
	if err := c.session.Remove(packetType, id); err != nil {
		c.logger.Warn("acknowledgment does not match a tracked packet", LogFields{
			LogFieldPacketType: packetType.String(),
			LogFieldPacketID:   id,
			LogFieldError:      err,
		})
		return
	}
	c.metrics.SessionSize(c.session.Len())
}

// publishDone records the latency of a completed QoS 1 or QoS 2 publish.
func (c *Connection) publishDone(id uint16) {
	started, ok := c.inflight[id]
	if !ok {
		return
	}
	delete(c.inflight, id)
	c.metrics.PublishLatency(time.Since(started))
}
