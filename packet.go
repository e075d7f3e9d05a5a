package mqttclient

import (
	"github.com/eclipse/paho.mqtt.golang/packets"
)

// PacketType is the MQTT control packet type.
// MQTT 3.1.1 spec: Section 2.2.1
type PacketType byte

const (
	PacketCONNECT     PacketType = packets.Connect
	PacketCONNACK     PacketType = packets.Connack
	PacketPUBLISH     PacketType = packets.Publish
	PacketPUBACK      PacketType = packets.Puback
	PacketPUBREC      PacketType = packets.Pubrec
	PacketPUBREL      PacketType = packets.Pubrel
	PacketPUBCOMP     PacketType = packets.Pubcomp
	PacketSUBSCRIBE   PacketType = packets.Subscribe
	PacketSUBACK      PacketType = packets.Suback
	PacketUNSUBSCRIBE PacketType = packets.Unsubscribe
	PacketUNSUBACK    PacketType = packets.Unsuback
	PacketPINGREQ     PacketType = packets.Pingreq
	PacketPINGRESP    PacketType = packets.Pingresp
	PacketDISCONNECT  PacketType = packets.Disconnect
)

// String returns the packet type name.
func (t PacketType) String() string {
	if name, ok := packets.PacketNames[uint8(t)]; ok {
		return name
	}
	return "UNKNOWN"
}

// Protocol names and levels.
// MQTT 3.1.1 spec: Section 3.1.2.1, MQTT 3.1 spec: Section 3.1
const (
	ProtocolVersion3 byte = 3
	ProtocolVersion4 byte = 4

	protocolNameV3 = "MQIsdp"
	protocolNameV4 = "MQTT"
)

// PacketArgs is the content of a single control packet, either built by the
// API for sending or produced by the codec on receive.
type PacketArgs interface {
	// PacketType returns the control packet type.
	PacketType() PacketType
}

// SessionArgs is implemented by packet arguments carrying a packet identifier.
// Only PUBLISH, SUBSCRIBE, UNSUBSCRIBE, PUBREC and PUBREL are stored in a Session.
type SessionArgs interface {
	PacketArgs

	// PacketID returns the packet identifier used to match acknowledgments.
	PacketID() uint16
}

// ConnectArgs holds the CONNECT packet fields.
type ConnectArgs struct {
	ProtocolName    string
	ProtocolVersion byte
	CleanSession    bool
	KeepAlive       uint16
	ClientID        string

	UsernameFlag bool
	Username     string
	PasswordFlag bool
	Password     []byte

	WillFlag    bool
	WillTopic   string
	WillMessage []byte
	WillQoS     QoS
	WillRetain  bool
}

func (a *ConnectArgs) PacketType() PacketType { return PacketCONNECT }

// normalized returns a copy with the flag dependencies of Section 3.1.2 applied:
// no username means no password, and no will means will QoS 0 without retain.
func (a ConnectArgs) normalized() ConnectArgs {
	if !a.UsernameFlag {
		a.PasswordFlag = false
	}
	if !a.WillFlag {
		a.WillRetain = false
		a.WillQoS = QoSAtMostOnce
	}
	if a.ProtocolVersion != ProtocolVersion4 {
		a.ProtocolVersion = ProtocolVersion3
		a.ProtocolName = protocolNameV3
	} else {
		a.ProtocolName = protocolNameV4
	}
	return a
}

// ConnackArgs holds the CONNACK packet fields.
type ConnackArgs struct {
	SessionPresent bool
	ReturnCode     ConnectReturnCode
}

func (a *ConnackArgs) PacketType() PacketType { return PacketCONNACK }

// PublishArgs holds the PUBLISH packet fields.
type PublishArgs struct {
	ID      uint16
	Topic   string
	Payload []byte
	QoS     QoS
	Retain  bool
	Dup     bool

	// duplicate marks an inbound QoS 2 message whose PUBREC is still tracked.
	duplicate bool
}

func (a *PublishArgs) PacketType() PacketType { return PacketPUBLISH }
func (a *PublishArgs) PacketID() uint16       { return a.ID }

// SubscribeArgs holds a single-filter SUBSCRIBE packet.
type SubscribeArgs struct {
	ID          uint16
	TopicFilter string
	QoS         QoS
}

func (a *SubscribeArgs) PacketType() PacketType { return PacketSUBSCRIBE }
func (a *SubscribeArgs) PacketID() uint16       { return a.ID }

// SubackArgs holds the SUBACK packet fields.
type SubackArgs struct {
	ID          uint16
	ReturnCodes []QoS
}

func (a *SubackArgs) PacketType() PacketType { return PacketSUBACK }
func (a *SubackArgs) PacketID() uint16       { return a.ID }

// UnsubscribeArgs holds a single-filter UNSUBSCRIBE packet.
type UnsubscribeArgs struct {
	ID          uint16
	TopicFilter string
}

func (a *UnsubscribeArgs) PacketType() PacketType { return PacketUNSUBSCRIBE }
func (a *UnsubscribeArgs) PacketID() uint16       { return a.ID }

// UnsubackArgs holds the UNSUBACK packet fields.
type UnsubackArgs struct {
	ID uint16
}

func (a *UnsubackArgs) PacketType() PacketType { return PacketUNSUBACK }
func (a *UnsubackArgs) PacketID() uint16       { return a.ID }

// PubackArgs holds the PUBACK packet fields.
type PubackArgs struct {
	ID uint16
}

func (a *PubackArgs) PacketType() PacketType { return PacketPUBACK }
func (a *PubackArgs) PacketID() uint16       { return a.ID }

// PubrecArgs holds the PUBREC packet fields.
type PubrecArgs struct {
	ID uint16
}

func (a *PubrecArgs) PacketType() PacketType { return PacketPUBREC }
func (a *PubrecArgs) PacketID() uint16       { return a.ID }

// PubrelArgs holds the PUBREL packet fields.
type PubrelArgs struct {
	ID uint16
}

func (a *PubrelArgs) PacketType() PacketType { return PacketPUBREL }
func (a *PubrelArgs) PacketID() uint16       { return a.ID }

// PubcompArgs holds the PUBCOMP packet fields.
type PubcompArgs struct {
	ID uint16
}

func (a *PubcompArgs) PacketType() PacketType { return PacketPUBCOMP }
func (a *PubcompArgs) PacketID() uint16       { return a.ID }

// PingreqArgs is the empty PINGREQ packet.
type PingreqArgs struct{}

func (a *PingreqArgs) PacketType() PacketType { return PacketPINGREQ }

// PingrespArgs is the empty PINGRESP packet.
type PingrespArgs struct{}

func (a *PingrespArgs) PacketType() PacketType { return PacketPINGRESP }

// DisconnectArgs is the empty DISCONNECT packet.
type DisconnectArgs struct{}

func (a *DisconnectArgs) PacketType() PacketType { return PacketDISCONNECT }

// ConnectReturnCode is the CONNACK return code.
// MQTT 3.1.1 spec: Section 3.2.2.3
type ConnectReturnCode byte

const (
	ConnAccepted                     ConnectReturnCode = packets.Accepted
	ConnRefusedProtocolVersion       ConnectReturnCode = packets.ErrRefusedBadProtocolVersion
	ConnRefusedIdentifierRejected    ConnectReturnCode = packets.ErrRefusedIDRejected
	ConnRefusedServerUnavailable     ConnectReturnCode = packets.ErrRefusedServerUnavailable
	ConnRefusedBadUsernameOrPassword ConnectReturnCode = packets.ErrRefusedBadUsernameOrPassword
	ConnRefusedNotAuthorized         ConnectReturnCode = packets.ErrRefusedNotAuthorised
)

// String returns the return code description.
func (c ConnectReturnCode) String() string {
	if name, ok := packets.ConnackReturnCodes[uint8(c)]; ok {
		return name
	}
	return "Connection Error"
}
