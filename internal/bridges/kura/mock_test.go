package kura

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nerrad567/kura-gateway/internal/bridges/kura/kurapayload"
	"github.com/nerrad567/kura-gateway/internal/device"
	"github.com/nerrad567/kura-gateway/internal/infrastructure/mqtt"
)

// MockTransport implements Transport for testing. Messages are routed to
// every subscription whose filter matches, as a broker would.
type MockTransport struct {
	mu           sync.Mutex
	published    []mockPublish
	handlers     map[string]mqtt.MessageHandler
	subscribed   []string
	unsubscribed []string
	subscribeErr error
	publishErr   error
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

func NewMockTransport() *MockTransport {
	return &MockTransport{handlers: make(map[string]mqtt.MessageHandler)}
}

func (m *MockTransport) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published = append(m.published, mockPublish{Topic: topic, Payload: payload, QoS: qos, Retained: retained})
	return nil
}

func (m *MockTransport) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribeErr != nil {
		return m.subscribeErr
	}
	m.subscribed = append(m.subscribed, topic)
	m.handlers[topic] = handler
	return nil
}

func (m *MockTransport) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribed = append(m.unsubscribed, topic)
	delete(m.handlers, topic)
	return nil
}

// SimulateMessage delivers a message to every matching subscription and
// returns the joined handler errors.
func (m *MockTransport) SimulateMessage(topic string, payload []byte) error {
	m.mu.Lock()
	var handlers []mqtt.MessageHandler
	for filter, h := range m.handlers {
		if mqtt.Match(filter, topic) {
			handlers = append(handlers, h)
		}
	}
	m.mu.Unlock()

	var errs []error
	for _, h := range handlers {
		errs = append(errs, h(topic, payload))
	}
	return errors.Join(errs...)
}

func (m *MockTransport) GetPublished() []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mockPublish(nil), m.published...)
}

// PublishedTo returns the messages published on topic.
func (m *MockTransport) PublishedTo(topic string) []mockPublish {
	var out []mockPublish
	for _, p := range m.GetPublished() {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

func (m *MockTransport) HasSubscription(topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handlers[topic]
	return ok
}

func (m *MockTransport) SubscriptionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handlers)
}

func (m *MockTransport) UnsubscribeCount(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.unsubscribed {
		if t == topic {
			n++
		}
	}
	return n
}

// eventRecorder collects events delivered to it.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Handle(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) All() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *eventRecorder) OfType(t EventType) []Event {
	var out []Event
	for _, e := range r.All() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *eventRecorder) Statuses() []Status {
	var out []Status
	for _, e := range r.OfType(EventStatusChanged) {
		out = append(out, e.Status)
	}
	return out
}

// memStore is an in-memory device.Store.
type memStore struct {
	mu      sync.Mutex
	records map[string]device.Record
	saves   int
	saveErr error
	loadErr error
}

func newMemStore(records ...device.Record) *memStore {
	s := &memStore{records: make(map[string]device.Record)}
	for _, r := range records {
		s.records[r.ID] = r
	}
	return s
}

func (s *memStore) Load(context.Context) (map[string]device.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	out := make(map[string]device.Record, len(s.records))
	for k, v := range s.records {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) Save(_ context.Context, records map[string]device.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves++
	s.records = make(map[string]device.Record, len(records))
	for k, v := range records {
		s.records[k] = v
	}
	return nil
}

func (s *memStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// Test fixtures.
var testDevice = Identity{Prefix: DefaultPrefix, ID: "dev1", Account: "acc1"}

const (
	sensorAssets = `[{"name":"sensor","channels":[` +
		`{"name":"temp","type":"DOUBLE","mode":"READ"},` +
		`{"name":"setpoint","type":"DOUBLE","mode":"READ_WRITE"}]}]`

	sensorValues = `[{"name":"sensor","channels":[` +
		`{"name":"temp","type":"DOUBLE","value":"20.0"},` +
		`{"name":"setpoint","type":"DOUBLE","value":"18.0"}]}]`
)

// requestID extracts the correlation id from an encoded request.
func requestID(t *testing.T, payload []byte) string {
	t.Helper()
	p, err := kurapayload.Codec{}.Decode(payload)
	if err != nil {
		t.Fatalf("decoding request: %v", err)
	}
	v, ok := p.Metric(metricRequestID)
	if !ok {
		t.Fatal("request has no request.id metric")
	}
	return string(v.(kurapayload.String))
}

// replyTo answers the latest request on resource the way a Kura device
// does, returning the reply topic used.
func replyTo(t *testing.T, m *MockTransport, id Identity, resource string, body string, metrics ...kurapayload.Metric) string {
	t.Helper()

	requests := m.PublishedTo(RequestTopic(id, DefaultAppID, resource))
	if len(requests) == 0 {
		t.Fatalf("no %s request published for %s", resource, id.ID)
	}
	corrID := requestID(t, requests[len(requests)-1].Payload)

	payload := &kurapayload.Payload{Metrics: metrics}
	if body != "" {
		payload.Body = []byte(body)
	}
	raw, err := kurapayload.Codec{Compress: true}.Encode(payload)
	if err != nil {
		t.Fatalf("encoding reply: %v", err)
	}

	topic := ReplyTopic(id, DefaultAppID, corrID)
	if err := m.SimulateMessage(topic, raw); err != nil {
		t.Fatalf("delivering reply: %v", err)
	}
	return topic
}

// sendTelemetry publishes metrics on the device's data topic.
func sendTelemetry(t *testing.T, m *MockTransport, id Identity, metrics ...kurapayload.Metric) {
	t.Helper()
	raw, err := kurapayload.Codec{}.EncodeMetrics(metrics...)
	if err != nil {
		t.Fatalf("encoding telemetry: %v", err)
	}
	if err := m.SimulateMessage(id.Account+"/"+id.ID+"/sensor", raw); err != nil {
		t.Fatalf("delivering telemetry: %v", err)
	}
}

// subscribedTo returns every Subscribe call made for topic.
func (m *MockTransport) subscribedTo(topic string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, t := range m.subscribed {
		if t == topic {
			out = append(out, t)
		}
	}
	return out
}
