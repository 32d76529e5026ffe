package kura

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nerrad567/kura-gateway/internal/bridges/kura/kurapayload"
	"github.com/nerrad567/kura-gateway/internal/device"
)

// DirectoryOptions configures a Directory.
type DirectoryOptions struct {
	// Prefix is the Kura control topic prefix. Defaults to DefaultPrefix.
	Prefix string

	// AppID is the asset application id. Defaults to DefaultAppID.
	AppID string

	// Transport is the Kura-side MQTT connection (required).
	Transport Transport

	// Store persists registered devices (required).
	Store device.Store

	// Codec is passed to every session.
	Codec kurapayload.Codec

	// QoS for Kura subscriptions and requests.
	QoS byte

	// Retry configures request timeouts for every session.
	Retry RetryPolicy

	// Logger is optional.
	Logger Logger
}

// DeviceInfo describes a known device.
type DeviceInfo struct {
	ID      string
	Account string
	State   State
}

// Directory tracks known Kura devices and owns their sessions.
//
// Devices become known through birth messages or through the persisted
// registry at startup. Every session event is fanned out to the directory's
// subscribers.
type Directory struct {
	prefix    string
	appID     string
	transport Transport
	store     device.Store
	codec     kurapayload.Codec
	qos       byte
	retry     RetryPolicy
	logger    Logger
	bus       EventBus

	mu         sync.Mutex
	registered map[string]device.Record
	sessions   map[string]*Session
	ctx        context.Context
	running    bool
}

// NewDirectory creates a directory. Call Start to replay persisted devices and
// listen for births.
func NewDirectory(opts DirectoryOptions) (*Directory, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("device store is required")
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.AppID == "" {
		opts.AppID = DefaultAppID
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}

	return &Directory{
		prefix:     opts.Prefix,
		appID:      opts.AppID,
		transport:  opts.Transport,
		store:      opts.Store,
		codec:      opts.Codec,
		qos:        opts.QoS,
		retry:      opts.Retry,
		logger:     opts.Logger,
		registered: make(map[string]device.Record),
		sessions:   make(map[string]*Session),
		ctx:        context.Background(),
	}, nil
}

// Subscribe adds an event handler. Handlers are called in subscription order.
func (d *Directory) Subscribe(h EventHandler) {
	d.bus.Subscribe(h)
}

// Start replays persisted devices, then subscribes to device births.
func (d *Directory) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.ctx = ctx
	d.running = true
	d.mu.Unlock()

	if err := d.LoadAndReplay(ctx); err != nil {
		return err
	}

	topic := BirthTopic(d.prefix)
	if err := d.transport.Subscribe(topic, d.qos, d.handleBirth); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	d.logger.Info("subscribed to kura births", "topic", topic)
	return nil
}

// Stop unsubscribes from births and stops every session.
func (d *Directory) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	sessions := d.sortedSessionsLocked()
	d.mu.Unlock()

	if err := d.transport.Unsubscribe(BirthTopic(d.prefix)); err != nil {
		d.logger.Warn("unsubscribing kura births failed", "error", err)
	}
	for _, s := range sessions {
		s.Stop()
	}
	d.logger.Info("kura directory stopped", "devices", len(sessions))
}

// Register records a device identity and persists the full mapping.
// Registering a known id is a no-op that keeps the original record. When the
// mapping cannot be saved the record is not kept and the error is returned.
func (d *Directory) Register(ctx context.Context, id Identity) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.registered[id.ID]; ok {
		d.logger.Warn("device already registered",
			"device_id", id.ID,
			"account", existing.Account,
		)
		return nil
	}

	d.registered[id.ID] = device.Record{ID: id.ID, Account: id.Account}
	snapshot := make(map[string]device.Record, len(d.registered))
	for k, v := range d.registered {
		snapshot[k] = v
	}

	if err := d.store.Save(ctx, snapshot); err != nil {
		delete(d.registered, id.ID)
		return fmt.Errorf("persisting device %s: %w", id.ID, err)
	}

	d.logger.Info("device registered", "device_id", id.ID, "account", id.Account)
	return nil
}

// Handle registers id and starts its session, or restarts the session when
// the device is already known. A persistence error does not prevent the
// session from starting; it is returned alongside any start error.
func (d *Directory) Handle(ctx context.Context, id Identity) error {
	regErr := d.Register(ctx, id)
	return errors.Join(regErr, d.ensureSession(id))
}

// LoadAndReplay reads the persisted devices and starts a session for each,
// without waiting for their births. Sessions that fail to start are logged.
func (d *Directory) LoadAndReplay(ctx context.Context) error {
	records, err := d.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading registered devices: %w", err)
	}

	ids := make([]string, 0, len(records))
	d.mu.Lock()
	for id, rec := range records {
		if _, ok := d.registered[id]; !ok {
			d.registered[id] = rec
		}
		ids = append(ids, id)
	}
	d.mu.Unlock()
	sort.Strings(ids)

	for _, id := range ids {
		rec := records[id]
		identity := Identity{Prefix: d.prefix, ID: rec.ID, Account: rec.Account}
		if err := d.ensureSession(identity); err != nil {
			d.logger.Error("starting registered device failed", "device_id", id, "error", err)
		}
	}

	d.logger.Info("registered devices replayed", "count", len(ids))
	return nil
}

// GetChannelValue returns the cached value of a device channel.
func (d *Directory) GetChannelValue(deviceID, channel string) (kurapayload.Value, bool) {
	s, ok := d.session(deviceID)
	if !ok {
		d.logger.Warn("value requested for unknown device", "device_id", deviceID, "channel", channel)
		return nil, false
	}
	return s.GetChannelValue(channel)
}

// RequestWrite forwards a write to the device's session.
// See Session.RequestWrite.
func (d *Directory) RequestWrite(deviceID, channel string, value any, done func(error)) error {
	s, ok := d.session(deviceID)
	if !ok {
		d.logger.Warn("write requested for unknown device", "device_id", deviceID, "channel", channel)
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	return s.RequestWrite(channel, value, done)
}

// Devices lists known devices sorted by id.
func (d *Directory) Devices() []DeviceInfo {
	d.mu.Lock()
	out := make([]DeviceInfo, 0, len(d.registered))
	for id, rec := range d.registered {
		info := DeviceInfo{ID: id, Account: rec.Account}
		if s, ok := d.sessions[id]; ok {
			info.State = s.State()
		}
		out = append(out, info)
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Session returns the session for a device.
func (d *Directory) Session(deviceID string) (*Session, bool) {
	return d.session(deviceID)
}

func (d *Directory) session(deviceID string) (*Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[deviceID]
	return s, ok
}

// handleBirth is the transport handler for the birth wildcard.
func (d *Directory) handleBirth(topic string, _ []byte) error {
	id, err := ParseBirthTopic(topic)
	if err != nil {
		d.logger.Warn("ignoring birth", "topic", topic, "error", err)
		return err
	}

	d.logger.Info("device birth", "device_id", id.ID, "account", id.Account)

	d.mu.Lock()
	ctx := d.ctx
	d.mu.Unlock()

	if err := d.Handle(ctx, id); err != nil {
		d.logger.Error("handling device birth failed", "device_id", id.ID, "error", err)
		return err
	}
	return nil
}

// ensureSession creates and starts a session for id, or restarts the
// existing one.
func (d *Directory) ensureSession(id Identity) error {
	d.mu.Lock()
	s, exists := d.sessions[id.ID]
	if !exists {
		var err error
		s, err = NewSession(SessionOptions{
			Identity:  id,
			AppID:     d.appID,
			Transport: d.transport,
			Codec:     d.codec,
			QoS:       d.qos,
			Retry:     d.retry,
			Emit:      d.bus.Publish,
			Logger:    d.logger,
		})
		if err != nil {
			d.mu.Unlock()
			return err
		}
		d.sessions[id.ID] = s
	}
	d.mu.Unlock()

	if !exists {
		return s.Start()
	}

	err := s.Restart()
	if isStopped(err) {
		return s.Start()
	}
	return err
}

// sortedSessionsLocked returns the sessions ordered by device id.
func (d *Directory) sortedSessionsLocked() []*Session {
	ids := make([]string, 0, len(d.sessions))
	for id := range d.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		out = append(out, d.sessions[id])
	}
	return out
}
