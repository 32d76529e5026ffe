package kura

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/kura-gateway/internal/bridges/kura/kurapayload"
)

// State is the lifecycle state of a device session.
type State uint8

// Session states.
const (
	StateIdle State = iota
	StateDiscovering
	StateSyncing
	StateActive
	StateStopped
	StateFailed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscovering:
		return "discovering"
	case StateSyncing:
		return "syncing"
	case StateActive:
		return "active"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// SessionOptions configures a Session.
type SessionOptions struct {
	// Identity is the device the session talks to (required).
	Identity Identity

	// AppID is the asset application id. Defaults to DefaultAppID.
	AppID string

	// Transport carries requests, replies and telemetry (required).
	Transport Transport

	// Codec encodes requests and decodes device payloads.
	Codec kurapayload.Codec

	// QoS is used for every publish and subscription.
	QoS byte

	// Retry configures request timeouts. The zero value waits forever.
	Retry RetryPolicy

	// Emit receives the session's events. Optional.
	Emit EventHandler

	// Logger is optional.
	Logger Logger
}

// Session drives one device through discovery, value sync and telemetry
// classification.
//
// Every mutation happens under the session mutex. Events produced while the
// mutex is held are queued and delivered after it is released, so handlers
// may call back into the session. One goroutine at a time drains the queue,
// so a device's events reach handlers in the order they were queued.
type Session struct {
	id         Identity
	appID      string
	transport  Transport
	codec      kurapayload.Codec
	qos        byte
	emit       EventHandler
	logger     Logger
	correlator *Correlator
	registry   *ChannelRegistry
	now        func() time.Time

	mu         sync.Mutex
	state      State
	epoch      uint64 // bumped on every (re)start, stop and failure; replies from older epochs are ignored
	announced  bool
	subscribed bool
	outbox     []Event
	delivering bool // a goroutine is draining outbox
}

// NewSession creates an idle session. Call Start to begin discovery.
func NewSession(opts SessionOptions) (*Session, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if opts.Identity.ID == "" || opts.Identity.Account == "" {
		return nil, fmt.Errorf("device id and account are required")
	}
	if opts.Identity.Prefix == "" {
		opts.Identity.Prefix = DefaultPrefix
	}
	if opts.AppID == "" {
		opts.AppID = DefaultAppID
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Emit == nil {
		opts.Emit = func(Event) {}
	}

	return &Session{
		id:         opts.Identity,
		appID:      opts.AppID,
		transport:  opts.Transport,
		codec:      opts.Codec,
		qos:        opts.QoS,
		emit:       opts.Emit,
		logger:     opts.Logger,
		correlator: NewCorrelator(opts.Transport, opts.QoS, opts.Retry, opts.Logger),
		registry:   NewChannelRegistry(),
		now:        time.Now,
	}, nil
}

// Identity returns the device identity.
func (s *Session) Identity() Identity {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Registry returns the session's channel registry.
func (s *Session) Registry() *ChannelRegistry {
	return s.registry
}

// Start begins asset discovery. It is a no-op while the session is already
// discovering, syncing or active. status_changed(started) is emitted when the
// session reaches Active.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.unlock()

	switch s.state {
	case StateDiscovering, StateSyncing, StateActive:
		return nil
	}

	s.logger.Debug("starting device", "device_id", s.id.ID)
	s.announced = false
	return s.discoverLocked()
}

// Restart re-runs discovery and value sync for a running or failed session.
// In-flight discovery and sync requests are discarded; pending writes are
// kept. An announced session is not announced again.
func (s *Session) Restart() error {
	s.mu.Lock()
	defer s.unlock()

	switch s.state {
	case StateIdle, StateStopped:
		return fmt.Errorf("%w: %s", ErrSessionStopped, s.id.ID)
	}

	s.logger.Debug("restarting device", "device_id", s.id.ID, "state", s.state.String())
	s.correlator.Discard(RequestAssets, RequestRead)
	return s.discoverLocked()
}

// Stop unsubscribes telemetry, discards pending requests and emits
// status_changed(stopped). Replies arriving afterwards are ignored.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.unlock()

	if s.state == StateStopped {
		return
	}

	s.logger.Debug("stopping device", "device_id", s.id.ID)
	s.epoch++
	s.correlator.Discard()
	s.unsubscribeTelemetryLocked()
	s.state = StateStopped
	s.queueLocked(Event{Type: EventStatusChanged, Status: StatusStopped})
}

// GetChannelValue returns the cached value of a channel.
func (s *Session) GetChannelValue(channel string) (kurapayload.Value, bool) {
	if _, known := s.registry.Channel(channel); !known {
		s.logger.Warn("channel not available", "device_id", s.id.ID, "channel", channel)
		return nil, false
	}
	return s.registry.Get(channel)
}

// RequestWrite asks the device to set channel to value. value is converted
// to the channel's type. The call returns once the request is published;
// done, if not nil, receives the outcome of the device's acknowledgement.
// On success the cached value is updated and attribute_changed is emitted.
func (s *Session) RequestWrite(channel string, value any, done func(error)) error {
	ch, ok := s.registry.Channel(channel)
	if !ok {
		return fmt.Errorf("%w: %s on %s", ErrUnknownChannel, channel, s.id.ID)
	}
	if ch.Mode == ModeRead {
		return fmt.Errorf("%w: %s on %s", ErrChannelNotWritable, channel, s.id.ID)
	}
	v, err := kurapayload.Coerce(ch.Kind, value)
	if err != nil {
		return fmt.Errorf("writing %s: %w", channel, err)
	}
	body, err := encodeWriteBody(ch.Asset, ChannelDefinition{Name: ch.Name, Kind: ch.Kind, Mode: ch.Mode}, v)
	if err != nil {
		return fmt.Errorf("writing %s: %w", channel, err)
	}

	s.mu.Lock()
	defer s.unlock()

	switch s.state {
	case StateIdle, StateStopped:
		return fmt.Errorf("%w: %s", ErrSessionStopped, s.id.ID)
	}

	_, err = s.correlator.Issue(Request{
		Kind:       RequestWrite,
		Topic:      RequestTopic(s.id, s.appID, ResourceWrite),
		ReplyTopic: s.replyTopic,
		Payload:    s.requestPayload(body),
		OnReply:    func(p []byte) { s.handleWriteAck(ch.Name, v, p, done) },
		OnFailure: func(err error) {
			if done != nil {
				done(err)
			}
		},
	})
	if err != nil {
		return err
	}

	s.logger.Debug("write requested", "device_id", s.id.ID, "asset", ch.Asset, "channel", ch.Name, "value", kurapayload.Format(v))
	return nil
}

// discoverLocked enters Discovering and issues GET/assets. Caller holds mu.
func (s *Session) discoverLocked() error {
	s.epoch++
	epoch := s.epoch
	s.state = StateDiscovering

	_, err := s.correlator.Issue(Request{
		Kind:       RequestAssets,
		Topic:      RequestTopic(s.id, s.appID, ResourceAssets),
		ReplyTopic: s.replyTopic,
		Payload:    s.requestPayload(nil),
		OnReply:    func(p []byte) { s.handleAssets(epoch, p) },
		OnFailure:  func(err error) { s.fail(epoch, err) },
	})
	if err != nil {
		s.failLocked(err)
		return err
	}
	return nil
}

func (s *Session) handleAssets(epoch uint64, raw []byte) {
	p, err := s.codec.Decode(raw)
	if err != nil {
		s.fail(epoch, fmt.Errorf("decoding assets reply: %w", err))
		return
	}
	assets, skipped, err := parseAssets(p.Body)
	if err != nil {
		s.fail(epoch, err)
		return
	}
	for _, reason := range skipped {
		s.logger.Warn("skipping channel definition", "device_id", s.id.ID, "reason", reason)
	}

	s.mu.Lock()
	defer s.unlock()

	if s.epoch != epoch || s.state != StateDiscovering {
		s.logger.Debug("ignoring stale assets reply", "device_id", s.id.ID)
		return
	}

	for _, name := range s.registry.ApplyDiscovery(assets) {
		s.logger.Warn("duplicate channel definition ignored", "device_id", s.id.ID, "channel", name)
	}
	s.logger.Info("device assets discovered",
		"device_id", s.id.ID,
		"assets", len(assets),
		"channels", len(s.registry.Channels()),
	)

	s.state = StateSyncing
	_, err = s.correlator.Issue(Request{
		Kind:       RequestRead,
		Topic:      RequestTopic(s.id, s.appID, ResourceRead),
		ReplyTopic: s.replyTopic,
		Payload:    s.requestPayload(nil),
		OnReply:    func(p []byte) { s.handleValues(epoch, p) },
		OnFailure:  func(err error) { s.fail(epoch, err) },
	})
	if err != nil {
		s.failLocked(err)
	}
}

// handleValues applies the EXEC/read reply. READ channels are skipped: their
// values arrive on the telemetry stream.
func (s *Session) handleValues(epoch uint64, raw []byte) {
	p, err := s.codec.Decode(raw)
	if err != nil {
		s.fail(epoch, fmt.Errorf("decoding read reply: %w", err))
		return
	}
	values, err := parseChannelValues(p.Body)
	if err != nil {
		s.fail(epoch, err)
		return
	}
	ts := s.timestamp(p)

	s.mu.Lock()
	defer s.unlock()

	if s.epoch != epoch || s.state != StateSyncing {
		s.logger.Debug("ignoring stale read reply", "device_id", s.id.ID)
		return
	}

	var synced []Event
	for _, cv := range values {
		ch, ok := s.registry.Channel(cv.Channel)
		if !ok {
			s.logger.Warn("read reply names unknown channel", "device_id", s.id.ID, "asset", cv.Asset, "channel", cv.Channel)
			continue
		}
		if ch.Mode == ModeRead {
			continue
		}
		if cv.Error != "" {
			s.logger.Warn("channel read failed", "device_id", s.id.ID, "channel", cv.Channel, "error", cv.Error)
			continue
		}
		v, err := kurapayload.Coerce(ch.Kind, cv.Value)
		if err != nil {
			s.logger.Warn("invalid channel value", "device_id", s.id.ID, "channel", cv.Channel, "error", err)
			continue
		}
		s.registry.SetCached(ch.Name, v)
		synced = append(synced, Event{
			Type:      EventAttributeChanged,
			Values:    map[string]kurapayload.Value{ch.Name: v},
			Timestamp: ts,
		})
	}

	if !s.subscribed {
		if err := s.transport.Subscribe(s.id.TelemetryTopic(), s.qos, s.handleTelemetry); err != nil {
			s.failLocked(fmt.Errorf("subscribing to telemetry: %w", err))
			return
		}
		s.subscribed = true
	}

	s.state = StateActive
	if !s.announced {
		s.announced = true
		s.queueLocked(Event{Type: EventStatusChanged, Status: StatusStarted})
	}
	for _, e := range synced {
		s.queueLocked(e)
	}
	s.logger.Info("device active", "device_id", s.id.ID, "synced", len(synced))
}

// handleTelemetry classifies an inbound message. It never returns an error:
// bad payloads are logged and dropped.
func (s *Session) handleTelemetry(topic string, raw []byte) error {
	p, err := s.codec.Decode(raw)
	if err != nil {
		s.logger.Error("decoding telemetry failed", "device_id", s.id.ID, "topic", topic, "error", err)
		return nil
	}
	ts := s.timestamp(p)

	s.mu.Lock()
	defer s.unlock()

	if s.state != StateActive {
		s.logger.Debug("dropping telemetry", "device_id", s.id.ID, "state", s.state.String())
		return nil
	}

	telemetry := make(map[string]kurapayload.Value)
	attributes := make(map[string]kurapayload.Value)
	for name, v := range p.Values() {
		if name == metricAssetName {
			continue
		}
		switch s.registry.Classify(name) {
		case ClassTelemetry:
			telemetry[name] = v
		case ClassAttribute:
			attributes[name] = v
		default:
			s.logger.Error("metric not in device channels, assets should be queried again",
				"device_id", s.id.ID,
				"channel", name,
			)
		}
	}

	if len(telemetry) > 0 {
		for name, v := range telemetry {
			s.registry.SetCached(name, v)
		}
		s.queueLocked(Event{Type: EventTelemetryChanged, Values: telemetry, Timestamp: ts})
	}
	if len(attributes) > 0 {
		for name, v := range attributes {
			s.registry.SetCached(name, v)
		}
		s.queueLocked(Event{Type: EventAttributeChanged, Values: attributes, Timestamp: ts})
	}
	return nil
}

func (s *Session) handleWriteAck(channel string, v kurapayload.Value, raw []byte, done func(error)) {
	p, err := s.codec.Decode(raw)
	if err == nil {
		err = checkWriteAck(p)
	}
	if err != nil {
		s.logger.Warn("write not acknowledged", "device_id", s.id.ID, "channel", channel, "error", err)
		if done != nil {
			done(err)
		}
		return
	}

	if !s.cacheWrite(channel, v) {
		err = fmt.Errorf("%w: %s", ErrSessionStopped, s.id.ID)
	} else {
		s.logger.Info("channel written", "device_id", s.id.ID, "channel", channel, "value", kurapayload.Format(v))
	}
	if done != nil {
		done(err)
	}
}

// cacheWrite stores an acknowledged value and queues attribute_changed.
func (s *Session) cacheWrite(channel string, v kurapayload.Value) bool {
	s.mu.Lock()
	defer s.unlock()

	if s.state == StateStopped {
		return false
	}
	if s.registry.SetCached(channel, v) {
		s.queueLocked(Event{
			Type:   EventAttributeChanged,
			Values: map[string]kurapayload.Value{channel: v},
		})
	}
	return true
}

// fail moves the session to Failed unless epoch is stale.
func (s *Session) fail(epoch uint64, err error) {
	s.mu.Lock()
	defer s.unlock()

	if s.epoch != epoch {
		return
	}
	s.failLocked(err)
}

// failLocked moves the session to Failed and emits status_changed(failed).
// A later Restart re-enters discovery and announces the device again.
func (s *Session) failLocked(err error) {
	if s.state == StateStopped || s.state == StateFailed {
		return
	}

	s.logger.Error("device session failed", "device_id", s.id.ID, "state", s.state.String(), "error", err)
	s.epoch++
	s.correlator.Discard(RequestAssets, RequestRead)
	s.unsubscribeTelemetryLocked()
	s.state = StateFailed
	s.announced = false
	s.queueLocked(Event{Type: EventStatusChanged, Status: StatusFailed})
}

func (s *Session) unsubscribeTelemetryLocked() {
	if !s.subscribed {
		return
	}
	if err := s.transport.Unsubscribe(s.id.TelemetryTopic()); err != nil {
		s.logger.Warn("unsubscribing telemetry failed", "device_id", s.id.ID, "error", err)
	}
	s.subscribed = false
}

func (s *Session) replyTopic(corrID string) string {
	return ReplyTopic(s.id, s.appID, corrID)
}

// requestPayload returns a builder for a request carrying the correlation
// metrics and an optional body.
func (s *Session) requestPayload(body []byte) func(string) ([]byte, error) {
	return func(corrID string) ([]byte, error) {
		return s.codec.Encode(&kurapayload.Payload{
			Metrics: []kurapayload.Metric{
				{Name: metricRequestID, Value: kurapayload.String(corrID)},
				{Name: metricRequesterID, Value: kurapayload.String(s.id.RequesterID())},
			},
			Body: body,
		})
	}
}

func (s *Session) timestamp(p *kurapayload.Payload) time.Time {
	if !p.Timestamp.IsZero() {
		return p.Timestamp
	}
	return s.now()
}

// queueLocked stamps e and queues it for delivery on unlock. Caller holds mu.
func (s *Session) queueLocked(e Event) {
	e.DeviceID = s.id.ID
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	s.outbox = append(s.outbox, e)
}

// unlock releases mu and delivers the queued events. When another goroutine
// is already delivering, that goroutine picks up the new events after its
// current batch.
func (s *Session) unlock() {
	if s.delivering || len(s.outbox) == 0 {
		s.mu.Unlock()
		return
	}
	s.delivering = true

	drained := false
	defer func() {
		// A panicking handler must not leave the queue without a deliverer.
		if !drained {
			s.mu.Lock()
			s.delivering = false
			s.mu.Unlock()
		}
	}()

	for {
		events := s.outbox
		s.outbox = nil
		s.mu.Unlock()

		for _, e := range events {
			s.emit(e)
		}

		s.mu.Lock()
		if len(s.outbox) == 0 {
			s.delivering = false
			drained = true
			s.mu.Unlock()
			return
		}
	}
}

// isStopped reports whether err means the session is no longer running.
func isStopped(err error) bool {
	return errors.Is(err, ErrSessionStopped)
}
