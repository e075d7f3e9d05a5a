package mqttclient

import (
	"fmt"
	"io"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

// FrameCodec converts between packet arguments and MQTT wire frames.
type FrameCodec interface {
	// Encode writes args as a single control packet.
	Encode(w io.Writer, args PacketArgs) error

	// Decode reads one complete control packet.
	Decode(r io.Reader) (PacketArgs, error)
}

// PahoCodec is the default FrameCodec, backed by the Eclipse Paho packet
// library. It handles every MQTT 3.1 and 3.1.1 control packet in both
// directions.
type PahoCodec struct{}

// Encode implements FrameCodec.
func (PahoCodec) Encode(w io.Writer, args PacketArgs) error {
	cp, err := toControlPacket(args)
	if err != nil {
		return err
	}
	return cp.Write(w)
}

// Decode implements FrameCodec.
func (PahoCodec) Decode(r io.Reader) (PacketArgs, error) {
	cp, err := packets.ReadPacket(r)
	if err != nil {
		return nil, err
	}
	return fromControlPacket(cp)
}

func toControlPacket(args PacketArgs) (packets.ControlPacket, error) {
	switch a := args.(type) {
	case *ConnectArgs:
		n := a.normalized()
		p := packets.NewControlPacket(packets.Connect).(*packets.ConnectPacket)
		p.ProtocolName = n.ProtocolName
		p.ProtocolVersion = n.ProtocolVersion
		p.CleanSession = n.CleanSession
		p.Keepalive = n.KeepAlive
		p.ClientIdentifier = n.ClientID
		p.UsernameFlag = n.UsernameFlag
		p.Username = n.Username
		p.PasswordFlag = n.PasswordFlag
		p.Password = n.Password
		p.WillFlag = n.WillFlag
		p.WillTopic = n.WillTopic
		p.WillMessage = n.WillMessage
		p.WillQos = byte(n.WillQoS)
		p.WillRetain = n.WillRetain
		return p, nil

	case *ConnackArgs:
		p := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
		p.SessionPresent = a.SessionPresent
		p.ReturnCode = byte(a.ReturnCode)
		return p, nil

	case *PublishArgs:
		p := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
		p.Qos = byte(a.QoS)
		p.Retain = a.Retain
		p.Dup = a.Dup
		p.TopicName = a.Topic
		p.MessageID = a.ID
		p.Payload = a.Payload
		return p, nil

	case *PubackArgs:
		p := packets.NewControlPacket(packets.Puback).(*packets.PubackPacket)
		p.MessageID = a.ID
		return p, nil

	case *PubrecArgs:
		p := packets.NewControlPacket(packets.Pubrec).(*packets.PubrecPacket)
		p.MessageID = a.ID
		return p, nil

	case *PubrelArgs:
		p := packets.NewControlPacket(packets.Pubrel).(*packets.PubrelPacket)
		p.MessageID = a.ID
		return p, nil

	case *PubcompArgs:
		p := packets.NewControlPacket(packets.Pubcomp).(*packets.PubcompPacket)
		p.MessageID = a.ID
		return p, nil

	case *SubscribeArgs:
		p := packets.NewControlPacket(packets.Subscribe).(*packets.SubscribePacket)
		p.MessageID = a.ID
		p.Topics = []string{a.TopicFilter}
		p.Qoss = []byte{byte(a.QoS)}
		return p, nil

	case *SubackArgs:
		p := packets.NewControlPacket(packets.Suback).(*packets.SubackPacket)
		p.MessageID = a.ID
		p.ReturnCodes = make([]byte, len(a.ReturnCodes))
		for i, code := range a.ReturnCodes {
			p.ReturnCodes[i] = byte(code)
		}
		return p, nil

	case *UnsubscribeArgs:
		p := packets.NewControlPacket(packets.Unsubscribe).(*packets.UnsubscribePacket)
		p.MessageID = a.ID
		p.Topics = []string{a.TopicFilter}
		return p, nil

	case *UnsubackArgs:
		p := packets.NewControlPacket(packets.Unsuback).(*packets.UnsubackPacket)
		p.MessageID = a.ID
		return p, nil

	case *PingreqArgs:
		return packets.NewControlPacket(packets.Pingreq), nil

	case *PingrespArgs:
		return packets.NewControlPacket(packets.Pingresp), nil

	case *DisconnectArgs:
		return packets.NewControlPacket(packets.Disconnect), nil

	default:
		return nil, fmt.Errorf("%w: %T", ErrInvalidPacketType, args)
	}
}

func fromControlPacket(cp packets.ControlPacket) (PacketArgs, error) {
	switch p := cp.(type) {
	case *packets.ConnectPacket:
		return &ConnectArgs{
			ProtocolName:    p.ProtocolName,
			ProtocolVersion: p.ProtocolVersion,
			CleanSession:    p.CleanSession,
			KeepAlive:       p.Keepalive,
			ClientID:        p.ClientIdentifier,
			UsernameFlag:    p.UsernameFlag,
			Username:        p.Username,
			PasswordFlag:    p.PasswordFlag,
			Password:        p.Password,
			WillFlag:        p.WillFlag,
			WillTopic:       p.WillTopic,
			WillMessage:     p.WillMessage,
			WillQoS:         QoS(p.WillQos),
			WillRetain:      p.WillRetain,
		}, nil

	case *packets.ConnackPacket:
		return &ConnackArgs{
			SessionPresent: p.SessionPresent,
			ReturnCode:     ConnectReturnCode(p.ReturnCode),
		}, nil

	case *packets.PublishPacket:
		return &PublishArgs{
			ID:      p.MessageID,
			Topic:   p.TopicName,
			Payload: p.Payload,
			QoS:     QoS(p.Qos),
			Retain:  p.Retain,
			Dup:     p.Dup,
		}, nil

	case *packets.PubackPacket:
		return &PubackArgs{ID: p.MessageID}, nil

	case *packets.PubrecPacket:
		return &PubrecArgs{ID: p.MessageID}, nil

	case *packets.PubrelPacket:
		return &PubrelArgs{ID: p.MessageID}, nil

	case *packets.PubcompPacket:
		return &PubcompArgs{ID: p.MessageID}, nil

	case *packets.SubscribePacket:
		args := &SubscribeArgs{ID: p.MessageID}
		if len(p.Topics) > 0 {
			args.TopicFilter = p.Topics[0]
		}
		if len(p.Qoss) > 0 {
			args.QoS = QoS(p.Qoss[0])
		}
		return args, nil

	case *packets.SubackPacket:
		codes := make([]QoS, len(p.ReturnCodes))
		for i, code := range p.ReturnCodes {
			codes[i] = QoS(code)
		}
		return &SubackArgs{ID: p.MessageID, ReturnCodes: codes}, nil

	case *packets.UnsubscribePacket:
		args := &UnsubscribeArgs{ID: p.MessageID}
		if len(p.Topics) > 0 {
			args.TopicFilter = p.Topics[0]
		}
		return args, nil

	case *packets.UnsubackPacket:
		return &UnsubackArgs{ID: p.MessageID}, nil

	case *packets.PingreqPacket:
		return &PingreqArgs{}, nil

	case *packets.PingrespPacket:
		return &PingrespArgs{}, nil

	case *packets.DisconnectPacket:
		return &DisconnectArgs{}, nil

	default:
		return nil, fmt.Errorf("%w: %T", ErrInvalidPacketType, cp)
	}
}
