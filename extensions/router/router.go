// Package router dispatches received MQTT messages to handlers by topic
// filter and message attributes.
package router

import (
	"regexp"
	"sort"
	"sync"

	"github.com/vitalvas/mqttclient"
)

// Handler processes a received message.
type Handler func(msg *mqttclient.Event)

// Condition defines filtering criteria for message routing.
type Condition struct {
	topicFilter   *string
	qos           *mqttclient.QoS
	retain        *bool
	topicRegexp   *regexp.Regexp
	payloadRegexp *regexp.Regexp
}

// ConditionOption configures a Condition.
type ConditionOption func(*Condition)

// WithTopic sets the topic filter for message matching.
// Supports MQTT wildcards: + (single level) and # (multi level).
func WithTopic(filter string) ConditionOption {
	return func(c *Condition) {
		c.topicFilter = &filter
	}
}

// WithQoS filters messages by QoS level.
func WithQoS(qos mqttclient.QoS) ConditionOption {
	return func(c *Condition) {
		c.qos = &qos
	}
}

// WithRetain filters messages by the retain flag.
func WithRetain(retain bool) ConditionOption {
	return func(c *Condition) {
		c.retain = &retain
	}
}

// WithTopicRegexp filters messages by topic regexp pattern.
func WithTopicRegexp(pattern *regexp.Regexp) ConditionOption {
	return func(c *Condition) {
		c.topicRegexp = pattern
	}
}

// WithPayload filters messages by payload regexp pattern.
func WithPayload(pattern *regexp.Regexp) ConditionOption {
	return func(c *Condition) {
		c.payloadRegexp = pattern
	}
}

// registration holds a handler with its conditions.
type registration struct {
	handler   Handler
	condition Condition
}

// Router dispatches messages to handlers based on conditions.
type Router struct {
	mu       sync.RWMutex
	handlers []registration
}

// New creates a new Router.
func New() *Router {
	return &Router{
		handlers: make([]registration, 0),
	}
}

// Handle registers a handler with optional conditions.
//
// Examples:
//
//	r.Handle(handler, WithTopic("sensors/#"))
//	r.Handle(handler, WithTopic("sensors/#"), WithQoS(mqttclient.QoSAtLeastOnce))
//	r.Handle(handler, WithTopic("sensors/#"), WithPayload(regexp.MustCompile(`^\{`)))
func (r *Router) Handle(handler Handler, opts ...ConditionOption) {
	var cond Condition
	for _, opt := range opts {
		opt(&cond)
	}

	r.mu.Lock()
	r.handlers = append(r.handlers, registration{
		handler:   handler,
		condition: cond,
	})
	r.mu.Unlock()
}

func (c *Condition) matches(msg *mqttclient.Event) bool {
	if c.topicFilter != nil && !mqttclient.TopicMatch(*c.topicFilter, msg.Topic) {
		return false
	}
	if c.qos != nil && *c.qos != msg.QoS {
		return false
	}
	if c.retain != nil && *c.retain != msg.Retain {
		return false
	}
	if c.topicRegexp != nil && !c.topicRegexp.MatchString(msg.Topic) {
		return false
	}
	if c.payloadRegexp != nil && !c.payloadRegexp.Match(msg.Payload) {
		return false
	}
	return true
}

// Route dispatches a received message to all matching handlers.
// Events other than EventPublishReceived are ignored.
func (r *Router) Route(msg *mqttclient.Event) {
	if msg == nil || msg.Type != mqttclient.EventPublishReceived {
		return
	}

	r.mu.RLock()
	var matched []Handler
	for _, reg := range r.handlers {
		if reg.condition.matches(msg) {
			matched = append(matched, reg.handler)
		}
	}
	r.mu.RUnlock()

	for _, handler := range matched {
		handler(msg)
	}
}

// Filters returns all unique registered topic filters, sorted.
func (r *Router) Filters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, reg := range r.handlers {
		if reg.condition.topicFilter != nil {
			seen[*reg.condition.topicFilter] = struct{}{}
		}
	}

	filters := make([]string, 0, len(seen))
	for filter := range seen {
		filters = append(filters, filter)
	}
	sort.Strings(filters)
	return filters
}

// Subscribe sends a SUBSCRIBE for every registered topic filter and returns
// the packet identifiers in Filters order.
func (r *Router) Subscribe(conn *mqttclient.Connection, qos mqttclient.QoS) ([]uint16, error) {
	filters := r.Filters()
	ids := make([]uint16, 0, len(filters))
	for _, filter := range filters {
		id, err := conn.Subscribe(filter, qos)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Len returns the number of registered handlers.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Clear removes all handlers.
func (r *Router) Clear() {
	r.mu.Lock()
	r.handlers = r.handlers[:0]
	r.mu.Unlock()
}

// EventHandler returns a connection event handler that routes received
// messages. Other events are passed to next when it is not nil.
func (r *Router) EventHandler(next mqttclient.EventHandler) mqttclient.EventHandler {
	return func(conn *mqttclient.Connection, ev *mqttclient.Event) {
		if ev.Type == mqttclient.EventPublishReceived {
			r.Route(ev)
			return
		}
		if next != nil {
			next(conn, ev)
		}
	}
}
