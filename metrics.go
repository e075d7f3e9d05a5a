package mqttclient

import (
	"strconv"
	"time"
)

// MetricType represents the type of metric.
type MetricType int

const (
	// MetricTypeCounter is a monotonically increasing counter.
	MetricTypeCounter MetricType = 0
	// MetricTypeGauge is a value that can go up and down.
	MetricTypeGauge MetricType = 1
	// MetricTypeHistogram tracks distribution of values.
	MetricTypeHistogram MetricType = 2
)

// String returns the string representation of the metric type.
func (t MetricType) String() string {
	switch t {
	case MetricTypeCounter:
		return "counter"
	case MetricTypeGauge:
		return "gauge"
	case MetricTypeHistogram:
		return "histogram"
	default:
		return "unknown"
	}
}

// MetricLabels represents key-value pairs for metric labels.
type MetricLabels map[string]string

// Metrics defines the interface for collecting metrics.
type Metrics interface {
	// Counter returns a counter metric.
	Counter(name string, labels MetricLabels) Counter

	// Gauge returns a gauge metric.
	Gauge(name string, labels MetricLabels) Gauge

	// Histogram returns a histogram metric.
	Histogram(name string, labels MetricLabels) Histogram
}

// Counter is a monotonically increasing counter.
type Counter interface {
	// Inc increments the counter by 1.
	Inc()

	// Add adds the given value to the counter.
	Add(delta float64)

	// Value returns the current value.
	Value() float64
}

// Gauge is a metric that can go up and down.
type Gauge interface {
	// Set sets the gauge to the given value.
	Set(value float64)

	// Inc increments the gauge by 1.
	Inc()

	// Dec decrements the gauge by 1.
	Dec()

	// Add adds the given value to the gauge.
	Add(delta float64)

	// Sub subtracts the given value from the gauge.
	Sub(delta float64)

	// Value returns the current value.
	Value() float64
}

// Histogram tracks the distribution of values.
type Histogram interface {
	// Observe records a value.
	Observe(value float64)

	// ObserveDuration records a duration in seconds.
	ObserveDuration(d time.Duration)

	// Count returns the number of observations.
	Count() uint64

	// Sum returns the sum of all observations.
	Sum() float64
}

// NoOpMetrics is a no-op implementation of Metrics.
type NoOpMetrics struct{}

// Counter returns a no-op counter.
func (n *NoOpMetrics) Counter(_ string, _ MetricLabels) Counter {
	return noOpCounter{}
}

// Gauge returns a no-op gauge.
func (n *NoOpMetrics) Gauge(_ string, _ MetricLabels) Gauge {
	return noOpGauge{}
}

// Histogram returns a no-op histogram.
func (n *NoOpMetrics) Histogram(_ string, _ MetricLabels) Histogram {
	return noOpHistogram{}
}

type noOpCounter struct{}

func (noOpCounter) Inc()           {}
func (noOpCounter) Add(_ float64)  {}
func (noOpCounter) Value() float64 { return 0 }

type noOpGauge struct{}

func (noOpGauge) Set(_ float64)  {}
func (noOpGauge) Inc()           {}
func (noOpGauge) Dec()           {}
func (noOpGauge) Add(_ float64)  {}
func (noOpGauge) Sub(_ float64)  {}
func (noOpGauge) Value() float64 { return 0 }

type noOpHistogram struct{}

func (noOpHistogram) Observe(_ float64)               {}
func (noOpHistogram) ObserveDuration(_ time.Duration) {}
func (noOpHistogram) Count() uint64                   { return 0 }
func (noOpHistogram) Sum() float64                    { return 0 }

// Standard metric names for MQTT clients.
const (
	// MetricPacketsSent is the total number of packets sent.
	MetricPacketsSent = "mqtt_packets_sent_total"

	// MetricPacketsReceived is the total number of packets received.
	MetricPacketsReceived = "mqtt_packets_received_total"

	// MetricBytesSent is the total bytes sent.
	MetricBytesSent = "mqtt_bytes_sent_total"

	// MetricMessagesReceived is the total number of application messages delivered.
	MetricMessagesReceived = "mqtt_messages_received_total"

	// MetricSessionSize is the current number of packets awaiting acknowledgment.
	MetricSessionSize = "mqtt_session_size"

	// MetricSessionDropped counts packets discarded because the session was full.
	MetricSessionDropped = "mqtt_session_dropped_total"

	// MetricKeepAliveTimeouts counts connections closed by the keep-alive check.
	MetricKeepAliveTimeouts = "mqtt_keepalive_timeouts_total"

	// MetricDisconnects counts lost connections, labeled by reason.
	MetricDisconnects = "mqtt_disconnects_total"

	// MetricPublishLatency is the time from PUBLISH to PUBACK or PUBCOMP.
	MetricPublishLatency = "mqtt_publish_latency_seconds"
)

// Standard metric labels.
const (
	// LabelPacketType is the packet type label.
	LabelPacketType = "packet_type"

	// LabelQoS is the QoS level label.
	LabelQoS = "qos"

	// LabelReason is the disconnect reason label.
	LabelReason = "reason"
)

// ClientMetrics provides convenience methods for client metrics.
type ClientMetrics struct {
	metrics Metrics
}

// NewClientMetrics creates a new ClientMetrics instance.
func NewClientMetrics(m Metrics) *ClientMetrics {
	if m == nil {
		m = &NoOpMetrics{}
	}
	return &ClientMetrics{metrics: m}
}

// PacketSent records a sent packet and its size.
func (c *ClientMetrics) PacketSent(packetType PacketType, n int) {
	labels := MetricLabels{LabelPacketType: packetType.String()}
	c.metrics.Counter(MetricPacketsSent, labels).Inc()
	c.metrics.Counter(MetricBytesSent, nil).Add(float64(n))
}

// PacketReceived records a received packet.
func (c *ClientMetrics) PacketReceived(packetType PacketType) {
	labels := MetricLabels{LabelPacketType: packetType.String()}
	c.metrics.Counter(MetricPacketsReceived, labels).Inc()
}

// MessageReceived records an application message delivered to the handler.
func (c *ClientMetrics) MessageReceived(qos QoS) {
	labels := MetricLabels{LabelQoS: strconv.Itoa(int(qos))}
	c.metrics.Counter(MetricMessagesReceived, labels).Inc()
}

// SessionSize records the number of tracked packets.
func (c *ClientMetrics) SessionSize(n int) {
	c.metrics.Gauge(MetricSessionSize, nil).Set(float64(n))
}

// SessionDropped records packets the session could not hold.
func (c *ClientMetrics) SessionDropped(n uint64) {
	c.metrics.Counter(MetricSessionDropped, nil).Add(float64(n))
}

// KeepAliveTimeout records a keep-alive expiry.
func (c *ClientMetrics) KeepAliveTimeout() {
	c.metrics.Counter(MetricKeepAliveTimeouts, nil).Inc()
}

// Disconnected records a lost connection.
func (c *ClientMetrics) Disconnected(reason string) {
	c.metrics.Counter(MetricDisconnects, MetricLabels{LabelReason: reason}).Inc()
}

// PublishLatency records a completed QoS 1 or QoS 2 flow.
func (c *ClientMetrics) PublishLatency(d time.Duration) {
	c.metrics.Histogram(MetricPublishLatency, nil).ObserveDuration(d)
}
