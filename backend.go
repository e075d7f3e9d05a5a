package mqttclient

import (
	"fmt"
)

// send encodes args into a pooled frame and writes it to the transport.
func (c *Connection) send(args PacketArgs) error {
	if !c.transport.IsOpen() {
		return ErrNotOpen
	}

	frame := NewFrame()
	defer frame.Release()

	if err := frame.Put(c.codec, args); err != nil {
		return fmt.Errorf("encode %s: %w", args.PacketType(), err)
	}

	n, err := frame.Send(c.transport)
	if err != nil {
		return fmt.Errorf("send %s: %w", args.PacketType(), err)
	}

	c.metrics.PacketSent(args.PacketType(), n)
	if c.logger.Level() <= LogLevelDebug {
		fields := LogFields{
			LogFieldPacketType: args.PacketType().String(),
			LogFieldBytes:      n,
		}
		if sa, ok := args.(SessionArgs); ok {
			fields[LogFieldPacketID] = sa.PacketID()
		}
		c.logger.Debug("packet sent", fields)
	}

	return nil
}

// receive runs an inbound packet through the state machine and reports it to
// the application. A failed acknowledgment does not hold the event back: the
// session already reflects the packet and the reader reports the broken link.
func (c *Connection) receive(generation uint64, args PacketArgs) {
	if generation != c.generation {
		return
	}

	packetType := args.PacketType()
	c.metrics.PacketReceived(packetType)

	ev, ok := recvEvents[packetType]
	if !ok {
		c.logger.Warn("ignoring packet", LogFields{
			LogFieldPacketType: packetType.String(),
			LogFieldError:      ErrUnexpectedPacket,
		})
		return
	}

	if err := c.handle(ev, args); err != nil {
		c.logger.Warn("inbound packet handling failed", LogFields{
			LogFieldPacketType: packetType.String(),
			LogFieldError:      err,
		})
	}

	c.notify(args)
}

// notify maps a handled inbound packet to its application event.
func (c *Connection) notify(args PacketArgs) {
	switch a := args.(type) {
	case *ConnackArgs:
		c.logger.Info("connected", LogFields{
			LogFieldReturnCode: a.ReturnCode.String(),
		})
		c.emit(&Event{
			Type:           EventConnected,
			ReturnCode:     a.ReturnCode,
			SessionPresent: a.SessionPresent,
			Err:            NewConnectError(a.ReturnCode),
		})

	case *PublishArgs:
		if a.duplicate {
			c.logger.Debug("duplicate QoS 2 message suppressed", LogFields{
				LogFieldPacketID: a.ID,
				LogFieldTopic:    a.Topic,
			})
			return
		}
		c.metrics.MessageReceived(a.QoS)
		c.emit(&Event{
			Type:     EventPublishReceived,
			PacketID: a.ID,
			Topic:    a.Topic,
			Payload:  a.Payload,
			QoS:      a.QoS,
			Retain:   a.Retain,
		})

	case *PubackArgs:
		c.emit(&Event{Type: EventPublished, PacketID: a.ID})

	case *PubcompArgs:
		c.emit(&Event{Type: EventPublished, PacketID: a.ID})

	case *SubackArgs:
		c.emit(&Event{Type: EventSubscribed, PacketID: a.ID, ReturnCodes: a.ReturnCodes})

	case *UnsubackArgs:
		c.emit(&Event{Type: EventUnsubscribed, PacketID: a.ID})

	case *PubrecArgs:
		c.emit(&Event{Type: EventUnknown, PacketID: a.ID, AckType: PacketPUBREC})

	case *PubrelArgs:
		c.emit(&Event{Type: EventUnknown, PacketID: a.ID, AckType: PacketPUBREL})
	}
}
