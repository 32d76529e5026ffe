package kura

import (
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/kura-gateway/internal/bridges/kura/kurapayload"
)

// recordingLogger captures log calls by level.
type recordingLogger struct {
	mu     sync.Mutex
	errors []string
	warns  []string
}

func (l *recordingLogger) Debug(string, ...any) {}
func (l *recordingLogger) Info(string, ...any)  {}

func (l *recordingLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

func (l *recordingLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func (l *recordingLogger) Errors() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.errors...)
}

func newTestSession(t *testing.T, m *MockTransport, retry RetryPolicy) (*Session, *eventRecorder, *recordingLogger) {
	t.Helper()
	rec := &eventRecorder{}
	logger := &recordingLogger{}
	s, err := NewSession(SessionOptions{
		Identity:  testDevice,
		Transport: m,
		Retry:     retry,
		Emit:      rec.Handle,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	return s, rec, logger
}

// activate drives s through discovery and sync with the given reply bodies.
func activate(t *testing.T, m *MockTransport, s *Session, assets, values string) {
	t.Helper()
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := s.State(); got != StateDiscovering {
		t.Fatalf("state after Start = %s, want discovering", got)
	}
	replyTo(t, m, s.Identity(), ResourceAssets, assets)
	if got := s.State(); got != StateSyncing {
		t.Fatalf("state after assets = %s, want syncing", got)
	}
	replyTo(t, m, s.Identity(), ResourceRead, values)
	if got := s.State(); got != StateActive {
		t.Fatalf("state after read = %s, want active", got)
	}
}

func TestNewSession_Validation(t *testing.T) {
	if _, err := NewSession(SessionOptions{Identity: testDevice}); err == nil {
		t.Error("NewSession() without transport expected error")
	}
	if _, err := NewSession(SessionOptions{Transport: NewMockTransport(), Identity: Identity{ID: "x"}}); err == nil {
		t.Error("NewSession() without account expected error")
	}
}

func TestSession_StartPublishesAssetsRequest(t *testing.T) {
	m := NewMockTransport()
	s, _, _ := newTestSession(t, m, RetryPolicy{})

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	reqs := m.PublishedTo("$EDC/acc1/dev1/ASSET-V1/GET/assets")
	if len(reqs) != 1 {
		t.Fatalf("assets requests = %d, want 1", len(reqs))
	}
	p, err := kurapayload.Codec{}.Decode(reqs[0].Payload)
	if err != nil {
		t.Fatal(err)
	}
	corrID := requestID(t, reqs[0].Payload)
	if v, _ := p.Metric(metricRequesterID); v != kurapayload.String("acc1-dev1-requester") {
		t.Errorf("requester.client.id = %v", v)
	}
	if !m.HasSubscription("$EDC/acc1/acc1-dev1-requester/ASSET-V1/REPLY/" + corrID) {
		t.Error("reply topic not subscribed")
	}

	// Starting again while discovering does nothing.
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	if n := len(m.PublishedTo("$EDC/acc1/dev1/ASSET-V1/GET/assets")); n != 1 {
		t.Errorf("assets requests after second Start = %d, want 1", n)
	}
}

// Birth, discovery of a READ channel, an empty sync and one telemetry
// message produce a single telemetry event.
func TestSession_ReadChannelTelemetry(t *testing.T) {
	m := NewMockTransport()
	s, rec, _ := newTestSession(t, m, RetryPolicy{})

	activate(t, m, s,
		`[{"name":"sensor","channels":[{"name":"temp","type":"DOUBLE","mode":"READ"}]}]`,
		`[{"name":"sensor","channels":[{"name":"temp","type":"DOUBLE","value":"20.0"}]}]`,
	)

	if !m.HasSubscription("acc1/dev1/#") {
		t.Fatal("telemetry topic not subscribed")
	}
	if got := rec.Statuses(); !reflect.DeepEqual(got, []Status{StatusStarted}) {
		t.Errorf("statuses = %v, want [started]", got)
	}
	if _, ok := s.GetChannelValue("temp"); ok {
		t.Error("READ channel cached during sync")
	}

	ts := time.UnixMilli(1700000000000)
	raw, err := kurapayload.Codec{}.Encode(&kurapayload.Payload{
		Timestamp: ts,
		Metrics: []kurapayload.Metric{
			{Name: metricAssetName, Value: kurapayload.String("sensor")},
			{Name: "temp", Value: kurapayload.Double(21.5)},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.SimulateMessage("acc1/dev1/sensor", raw); err != nil {
		t.Fatal(err)
	}

	telemetry := rec.OfType(EventTelemetryChanged)
	if len(telemetry) != 1 {
		t.Fatalf("telemetry events = %d, want 1", len(telemetry))
	}
	want := map[string]kurapayload.Value{"temp": kurapayload.Double(21.5)}
	if !reflect.DeepEqual(telemetry[0].Values, want) {
		t.Errorf("telemetry values = %v, want %v", telemetry[0].Values, want)
	}
	if !telemetry[0].Timestamp.Equal(ts) || telemetry[0].DeviceID != "dev1" {
		t.Errorf("telemetry event = %+v", telemetry[0])
	}
	if n := len(rec.OfType(EventAttributeChanged)); n != 0 {
		t.Errorf("attribute events = %d, want 0", n)
	}
	if v, _ := s.GetChannelValue("temp"); v != kurapayload.Double(21.5) {
		t.Errorf("GetChannelValue(temp) = %v", v)
	}
}

// A READ_WRITE channel in the sync reply raises attribute_changed and is
// cached.
func TestSession_SyncRaisesAttributes(t *testing.T) {
	m := NewMockTransport()
	s, rec, _ := newTestSession(t, m, RetryPolicy{})

	activate(t, m, s, sensorAssets, sensorValues)

	events := rec.All()
	if len(events) != 2 {
		t.Fatalf("events = %+v, want started + one attribute", events)
	}
	if events[0].Type != EventStatusChanged || events[0].Status != StatusStarted {
		t.Errorf("first event = %+v, want status started", events[0])
	}
	want := map[string]kurapayload.Value{"setpoint": kurapayload.Double(18)}
	if events[1].Type != EventAttributeChanged || !reflect.DeepEqual(events[1].Values, want) {
		t.Errorf("second event = %+v, want attribute %v", events[1], want)
	}

	if v, ok := s.GetChannelValue("setpoint"); !ok || v != kurapayload.Double(18) {
		t.Errorf("GetChannelValue(setpoint) = %v, %v, want 18", v, ok)
	}
}

// A metric naming no discovered channel is logged and changes nothing.
func TestSession_UnknownMetricDropped(t *testing.T) {
	m := NewMockTransport()
	s, rec, logger := newTestSession(t, m, RetryPolicy{})
	activate(t, m, s, sensorAssets, sensorValues)

	before := len(rec.All())
	channels := s.Registry().Channels()

	sendTelemetry(t, m, testDevice, kurapayload.Metric{Name: "humidity", Value: kurapayload.Double(40)})

	if got := len(rec.All()); got != before {
		t.Errorf("events after unknown metric = %d, want %d", got, before)
	}
	if !reflect.DeepEqual(s.Registry().Channels(), channels) {
		t.Error("unknown metric changed the registry")
	}
	if len(logger.Errors()) != 1 {
		t.Errorf("error logs = %v, want 1", logger.Errors())
	}
}

func TestSession_TelemetryPartitioned(t *testing.T) {
	m := NewMockTransport()
	s, rec, _ := newTestSession(t, m, RetryPolicy{})
	activate(t, m, s, sensorAssets, `[]`)

	sendTelemetry(t, m, testDevice,
		kurapayload.Metric{Name: "temp", Value: kurapayload.Double(22)},
		kurapayload.Metric{Name: "setpoint", Value: kurapayload.Double(19)},
	)

	events := rec.All()
	// started, telemetry, attribute
	if len(events) != 3 {
		t.Fatalf("events = %+v", events)
	}
	if events[1].Type != EventTelemetryChanged || events[1].Values["temp"] != kurapayload.Double(22) {
		t.Errorf("events[1] = %+v", events[1])
	}
	if events[2].Type != EventAttributeChanged || events[2].Values["setpoint"] != kurapayload.Double(19) {
		t.Errorf("events[2] = %+v", events[2])
	}
}

func TestSession_BadPayloadsDropped(t *testing.T) {
	m := NewMockTransport()
	s, rec, logger := newTestSession(t, m, RetryPolicy{})
	activate(t, m, s, sensorAssets, `[]`)
	before := len(rec.All())

	if err := m.SimulateMessage("acc1/dev1/sensor", []byte{0x1f, 0x8b, 0x00}); err != nil {
		t.Errorf("handler returned %v, want nil", err)
	}

	if len(rec.All()) != before {
		t.Error("bad payload raised events")
	}
	if s.State() != StateActive {
		t.Errorf("state = %s, want active", s.State())
	}
	if len(logger.Errors()) == 0 {
		t.Error("decode failure not logged")
	}
}

func TestSession_StopIgnoresLateReplies(t *testing.T) {
	m := NewMockTransport()
	s, rec, _ := newTestSession(t, m, RetryPolicy{})

	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	epoch := s.epoch
	s.Stop()

	if s.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", s.State())
	}
	if m.SubscriptionCount() != 0 {
		t.Errorf("subscriptions after Stop = %d, want 0", m.SubscriptionCount())
	}

	body, _ := kurapayload.Codec{}.Encode(&kurapayload.Payload{Body: []byte(sensorAssets)})
	s.handleAssets(epoch, body)

	if s.State() != StateStopped {
		t.Errorf("late reply moved state to %s", s.State())
	}
	if len(s.Registry().Channels()) != 0 {
		t.Error("late reply populated the registry")
	}
	if got := rec.Statuses(); !reflect.DeepEqual(got, []Status{StatusStopped}) {
		t.Errorf("statuses = %v, want [stopped]", got)
	}

	// Stop is idempotent.
	s.Stop()
	if n := len(rec.Statuses()); n != 1 {
		t.Errorf("second Stop emitted again: %d statuses", n)
	}
}

func TestSession_StopUnsubscribesTelemetry(t *testing.T) {
	m := NewMockTransport()
	s, rec, _ := newTestSession(t, m, RetryPolicy{})
	activate(t, m, s, sensorAssets, `[]`)

	s.Stop()

	if m.HasSubscription("acc1/dev1/#") {
		t.Error("telemetry still subscribed")
	}
	if got := rec.Statuses(); !reflect.DeepEqual(got, []Status{StatusStarted, StatusStopped}) {
		t.Errorf("statuses = %v", got)
	}
}

func TestSession_RestartDoesNotReannounce(t *testing.T) {
	m := NewMockTransport()
	s, rec, _ := newTestSession(t, m, RetryPolicy{})
	activate(t, m, s, sensorAssets, sensorValues)

	if err := s.Restart(); err != nil {
		t.Fatalf("Restart() error = %v", err)
	}
	if s.State() != StateDiscovering {
		t.Fatalf("state after Restart = %s", s.State())
	}
	replyTo(t, m, testDevice, ResourceAssets, sensorAssets)
	replyTo(t, m, testDevice, ResourceRead, `[{"name":"sensor","channels":[{"name":"setpoint","value":"17.5"}]}]`)

	if s.State() != StateActive {
		t.Fatalf("state = %s, want active", s.State())
	}
	if got := rec.Statuses(); !reflect.DeepEqual(got, []Status{StatusStarted}) {
		t.Errorf("statuses = %v, want a single started", got)
	}
	if v, _ := s.GetChannelValue("setpoint"); v != kurapayload.Double(17.5) {
		t.Errorf("setpoint = %v, want 17.5", v)
	}
	if n := len(m.subscribedTo("acc1/dev1/#")); n != 1 {
		t.Errorf("telemetry subscribed %d times, want 1", n)
	}
}

func TestSession_RestartDiscardsInFlightDiscovery(t *testing.T) {
	m := NewMockTransport()
	s, _, _ := newTestSession(t, m, RetryPolicy{})

	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	first := requestID(t, m.PublishedTo(RequestTopic(testDevice, DefaultAppID, ResourceAssets))[0].Payload)

	if err := s.Restart(); err != nil {
		t.Fatal(err)
	}

	if m.HasSubscription(ReplyTopic(testDevice, DefaultAppID, first)) {
		t.Error("first discovery reply topic still subscribed")
	}
	if s.correlator.Pending() != 1 {
		t.Errorf("pending = %d, want 1", s.correlator.Pending())
	}
}

func TestSession_RestartStopped(t *testing.T) {
	m := NewMockTransport()
	s, _, _ := newTestSession(t, m, RetryPolicy{})

	if err := s.Restart(); !errors.Is(err, ErrSessionStopped) {
		t.Errorf("Restart() on idle session error = %v, want ErrSessionStopped", err)
	}
}

func TestSession_FailsAfterRetries(t *testing.T) {
	m := NewMockTransport()
	s, rec, _ := newTestSession(t, m, RetryPolicy{Timeout: 10 * time.Millisecond, MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond})

	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(rec.Statuses()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no status event, state = %s", s.State())
		}
		time.Sleep(2 * time.Millisecond)
	}
	if s.State() != StateFailed {
		t.Fatalf("state = %s, want failed", s.State())
	}

	if got := rec.Statuses(); !reflect.DeepEqual(got, []Status{StatusFailed}) {
		t.Errorf("statuses = %v, want [failed]", got)
	}
	if n := len(m.PublishedTo(RequestTopic(testDevice, DefaultAppID, ResourceAssets))); n != 2 {
		t.Errorf("assets requests = %d, want 2", n)
	}

	// A later birth restarts the session and announces it again.
	if err := s.Restart(); err != nil {
		t.Fatal(err)
	}
	replyTo(t, m, testDevice, ResourceAssets, sensorAssets)
	replyTo(t, m, testDevice, ResourceRead, `[]`)
	if s.State() != StateActive {
		t.Fatalf("state = %s, want active", s.State())
	}
	if got := rec.Statuses(); !reflect.DeepEqual(got, []Status{StatusFailed, StatusStarted}) {
		t.Errorf("statuses = %v, want [failed started]", got)
	}
	s.Stop()
}

func TestSession_InvalidAssetsReplyFails(t *testing.T) {
	m := NewMockTransport()
	s, rec, _ := newTestSession(t, m, RetryPolicy{})

	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	replyTo(t, m, testDevice, ResourceAssets, `{"not":"a list"}`)

	if s.State() != StateFailed {
		t.Errorf("state = %s, want failed", s.State())
	}
	if got := rec.Statuses(); !reflect.DeepEqual(got, []Status{StatusFailed}) {
		t.Errorf("statuses = %v", got)
	}
}

func TestSession_RequestWrite(t *testing.T) {
	m := NewMockTransport()
	s, rec, _ := newTestSession(t, m, RetryPolicy{})
	activate(t, m, s, sensorAssets, sensorValues)

	var (
		doneErr  error
		doneCall int
	)
	if err := s.RequestWrite("setpoint", 19.5, func(err error) {
		doneCall++
		doneErr = err
	}); err != nil {
		t.Fatalf("RequestWrite() error = %v", err)
	}

	writes := m.PublishedTo(RequestTopic(testDevice, DefaultAppID, ResourceWrite))
	if len(writes) != 1 {
		t.Fatalf("write requests = %d, want 1", len(writes))
	}
	p, err := kurapayload.Codec{}.Decode(writes[0].Payload)
	if err != nil {
		t.Fatal(err)
	}
	var body []map[string]any
	if err := json.Unmarshal(p.Body, &body); err != nil {
		t.Fatalf("write body: %v", err)
	}
	channels := body[0]["channels"].([]any)
	ch := channels[0].(map[string]any)
	if body[0]["name"] != "sensor" || ch["name"] != "setpoint" || ch["value"] != "19.5" || ch["type"] != "DOUBLE" {
		t.Errorf("write body = %s", p.Body)
	}

	// Cache is unchanged until the device acknowledges.
	if v, _ := s.GetChannelValue("setpoint"); v != kurapayload.Double(18) {
		t.Errorf("setpoint before ack = %v, want 18", v)
	}

	before := len(rec.OfType(EventAttributeChanged))
	replyTo(t, m, testDevice, ResourceWrite,
		`[{"name":"sensor","channels":[{"name":"setpoint","type":"DOUBLE","value":"19.5"}]}]`,
		kurapayload.Metric{Name: metricResponseCode, Value: kurapayload.Int32(200)},
	)

	if doneCall != 1 || doneErr != nil {
		t.Errorf("done called %d times with %v", doneCall, doneErr)
	}
	if v, _ := s.GetChannelValue("setpoint"); v != kurapayload.Double(19.5) {
		t.Errorf("setpoint after ack = %v, want 19.5", v)
	}
	attrs := rec.OfType(EventAttributeChanged)
	if len(attrs) != before+1 || attrs[len(attrs)-1].Values["setpoint"] != kurapayload.Double(19.5) {
		t.Errorf("attribute events = %+v", attrs)
	}
}

func TestSession_RequestWriteRejected(t *testing.T) {
	m := NewMockTransport()
	s, _, _ := newTestSession(t, m, RetryPolicy{})
	activate(t, m, s, sensorAssets, sensorValues)

	var doneErr error
	if err := s.RequestWrite("setpoint", "25", func(err error) { doneErr = err }); err != nil {
		t.Fatal(err)
	}
	replyTo(t, m, testDevice, ResourceWrite, "",
		kurapayload.Metric{Name: metricResponseCode, Value: kurapayload.Int32(500)},
	)

	if !errors.Is(doneErr, ErrWriteRejected) {
		t.Errorf("done error = %v, want ErrWriteRejected", doneErr)
	}
	if v, _ := s.GetChannelValue("setpoint"); v != kurapayload.Double(18) {
		t.Errorf("setpoint = %v, want unchanged 18", v)
	}
}

func TestSession_RequestWriteErrors(t *testing.T) {
	m := NewMockTransport()
	s, _, _ := newTestSession(t, m, RetryPolicy{})
	activate(t, m, s, sensorAssets, `[]`)

	tests := []struct {
		name    string
		channel string
		value   any
		want    error
	}{
		{"unknown channel", "ghost", 1.0, ErrUnknownChannel},
		{"read-only channel", "temp", 1.0, ErrChannelNotWritable},
		{"wrong type", "setpoint", true, kurapayload.ErrCoerce},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.RequestWrite(tt.channel, tt.value, nil); !errors.Is(err, tt.want) {
				t.Errorf("RequestWrite() error = %v, want %v", err, tt.want)
			}
		})
	}

	s.Stop()
	if err := s.RequestWrite("setpoint", 1.0, nil); !errors.Is(err, ErrSessionStopped) {
		t.Errorf("RequestWrite() after Stop error = %v, want ErrSessionStopped", err)
	}
}

func TestSession_HandlersMayCallBack(t *testing.T) {
	m := NewMockTransport()
	var s *Session
	got := make(chan kurapayload.Value, 4)
	s, err := NewSession(SessionOptions{
		Identity:  testDevice,
		Transport: m,
		Emit: func(e Event) {
			if e.Type == EventAttributeChanged {
				v, _ := s.GetChannelValue("setpoint")
				got <- v
			}
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	activate(t, m, s, sensorAssets, sensorValues)

	select {
	case v := <-got:
		if v != kurapayload.Double(18) {
			t.Errorf("value seen from handler = %v", v)
		}
	default:
		t.Fatal("handler did not run")
	}
}

// Telemetry arriving on another goroutine while started is still being
// delivered must reach handlers after it.
func TestSession_EventsKeepQueueOrderAcrossGoroutines(t *testing.T) {
	m := NewMockTransport()
	rec := &eventRecorder{}
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	s, err := NewSession(SessionOptions{
		Identity:  testDevice,
		Transport: m,
		Emit: func(e Event) {
			if e.Type == EventStatusChanged && e.Status == StatusStarted {
				once.Do(func() {
					close(entered)
					<-release
				})
			}
			rec.Handle(e)
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	replyTo(t, m, testDevice, ResourceAssets, sensorAssets)

	reqs := m.PublishedTo(RequestTopic(testDevice, DefaultAppID, ResourceRead))
	if len(reqs) == 0 {
		t.Fatal("no read request published")
	}
	corrID := requestID(t, reqs[len(reqs)-1].Payload)
	raw, err := kurapayload.Codec{}.Encode(&kurapayload.Payload{Body: []byte(`[]`)})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		done <- m.SimulateMessage(ReplyTopic(testDevice, DefaultAppID, corrID), raw)
	}()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("started was not delivered")
	}

	sendTelemetry(t, m, testDevice, kurapayload.Metric{Name: "temp", Value: kurapayload.Double(21.5)})
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("delivering read reply: %v", err)
	}

	var got []EventType
	for _, e := range rec.All() {
		got = append(got, e.Type)
	}
	want := []EventType{EventStatusChanged, EventTelemetryChanged}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("event order = %v, want %v", got, want)
	}
}
