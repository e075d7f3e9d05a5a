// Package mqttclient provides an MQTT 3.1 and 3.1.1 client protocol engine
// for device SDKs.
//
// The engine manages the connection lifecycle, QoS 0, 1 and 2 delivery
// flows, a fixed-capacity session of packets awaiting acknowledgment that
// is replayed after reconnects, and the keep-alive heartbeat.
//
// MQTT Version 3.1.1 OASIS Standard:
// https://docs.oasis-open.org/mqtt/mqtt/v3.1.1/mqtt-v3.1.1.html
//
// # Connection
//
// A Connection is created with New, started with Init and released with
// Deinit:
//
//	conn := mqttclient.New(
//	    mqttclient.WithQueueSize(10),
//	    mqttclient.WithLogger(mqttclient.NewStdLogger(os.Stderr, mqttclient.LogLevelInfo)),
//	)
//	if err := conn.Init(); err != nil { ... }
//	defer conn.Deinit()
//
//	err := conn.Open(ctx, "broker.local", 0, func(c *mqttclient.Connection, ev *mqttclient.Event) {
//	    switch ev.Type {
//	    case mqttclient.EventConnected:
//	        c.Subscribe("sensors/#", mqttclient.QoSAtLeastOnce)
//	    case mqttclient.EventPublishReceived:
//	        fmt.Println(ev.Topic, string(ev.Payload))
//	    }
//	}, false)
//
//	err = conn.Connect(&mqttclient.ConnectInfo{
//	    ProtocolVersion: mqttclient.ProtocolVersion4,
//	    KeepAlive:       60,
//	    CleanSession:    true,
//	})
//
// Publish, Subscribe and Unsubscribe return the packet identifier that the
// matching EventPublished, EventSubscribed and EventUnsubscribed carry.
//
// # Session
//
// Every QoS 1 and QoS 2 PUBLISH, SUBSCRIBE and UNSUBSCRIBE, and the
// intermediate PUBREC and PUBREL of QoS 2 flows, is kept in the Session
// until acknowledged and resent after CONNACK and PINGRESP. The session
// holds twice the queue size. When it is full new packets are sent but not
// tracked; this is counted in the mqtt_session_dropped_total metric.
//
// A persistent SQLite session is available in extensions/sqlsession.
//
// # Transports
//
// Open dials TCP, or TLS when secure is set. WithDialer selects WebSocket
// (WSDialer), QUIC (QUICDialer), a Unix domain socket (UnixDialer) or a
// HTTP CONNECT / SOCKS5 proxy (ProxyDialer). TLSIdentity loads a client
// certificate for brokers that require mutual TLS.
//
// # Configuration
//
// LoadConfig reads a YAML file and MQTT_* environment variables; the result
// provides ConnectInfo and Options.
package mqttclient
