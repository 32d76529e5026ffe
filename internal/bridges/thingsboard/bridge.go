package thingsboard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nerrad567/kura-gateway/internal/bridges/kura"
	"github.com/nerrad567/kura-gateway/internal/bridges/kura/kurapayload"
	"github.com/nerrad567/kura-gateway/internal/infrastructure/mqtt"
)

// MQTTClient is the ThingsBoard-side MQTT connection.
// *mqtt.Client satisfies it.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Directory is the device surface the bridge reads from and writes to.
// *kura.Directory satisfies it.
type Directory interface {
	Subscribe(h kura.EventHandler)
	GetChannelValue(deviceID, channel string) (kurapayload.Value, bool)
	RequestWrite(deviceID, channel string, value any, done func(error)) error
}

// BridgeOptions configures a Bridge.
type BridgeOptions struct {
	MQTT      MQTTClient
	Directory Directory
	QoS       byte
	Logger    kura.Logger
}

// Bridge maps directory events onto the ThingsBoard gateway API.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	mqtt MQTTClient
	dir  Directory
	qos  byte

	mu        sync.Mutex
	connected map[string]bool
	started   bool
	stopped   bool

	logger   kura.Logger
	loggerMu sync.RWMutex
}

// NewBridge creates a bridge. Call Start before the directory starts so no
// device announcement is missed.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.MQTT == nil {
		return nil, fmt.Errorf("mqtt client is required")
	}
	if opts.Directory == nil {
		return nil, fmt.Errorf("directory is required")
	}

	return &Bridge{
		mqtt:      opts.MQTT,
		dir:       opts.Directory,
		qos:       opts.QoS,
		connected: make(map[string]bool),
		logger:    opts.Logger,
	}, nil
}

// Start subscribes to RPC requests and to directory events.
func (b *Bridge) Start(_ context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	b.mu.Unlock()

	if err := b.mqtt.Subscribe(TopicRPC, b.qos, b.handleRPC); err != nil {
		return fmt.Errorf("subscribing to %s: %w", TopicRPC, err)
	}
	b.logInfo("subscribed to thingsboard rpc", "topic", TopicRPC)

	b.dir.Subscribe(b.HandleEvent)
	return nil
}

// Stop disconnects every connected device and stops handling events.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	devices := b.connectedLocked()
	b.connected = make(map[string]bool)
	b.mu.Unlock()

	for _, id := range devices {
		if err := b.publishJSON(TopicDisconnect, deviceMessage{Device: id}); err != nil {
			b.logError("disconnecting device from thingsboard", err)
		}
	}
	if err := b.mqtt.Unsubscribe(TopicRPC); err != nil {
		b.logError("unsubscribing thingsboard rpc", err)
	}
	b.logInfo("thingsboard bridge stopped", "disconnected", len(devices))
}

// ConnectedDevices returns the devices currently connected, sorted.
func (b *Bridge) ConnectedDevices() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectedLocked()
}

// HandleEvent forwards a directory event to ThingsBoard.
func (b *Bridge) HandleEvent(e kura.Event) {
	b.mu.Lock()
	stopped := b.stopped
	b.mu.Unlock()
	if stopped {
		return
	}

	switch e.Type {
	case kura.EventStatusChanged:
		b.handleStatus(e)
	case kura.EventTelemetryChanged:
		b.sendTelemetry(e)
	case kura.EventAttributeChanged:
		b.sendAttributes(e)
	default:
		b.logWarn("unknown event type", "device_id", e.DeviceID, "type", e.Type)
	}
}

func (b *Bridge) handleStatus(e kura.Event) {
	switch e.Status {
	case kura.StatusStarted:
		b.mu.Lock()
		already := b.connected[e.DeviceID]
		b.connected[e.DeviceID] = true
		b.mu.Unlock()

		if already {
			b.logWarn("device already connected", "device_id", e.DeviceID)
			return
		}
		if err := b.publishJSON(TopicConnect, deviceMessage{Device: e.DeviceID}); err != nil {
			b.logError("connecting device to thingsboard", err)
			return
		}
		b.logInfo("device connected to thingsboard", "device_id", e.DeviceID)

	case kura.StatusStopped, kura.StatusFailed:
		b.mu.Lock()
		was := b.connected[e.DeviceID]
		delete(b.connected, e.DeviceID)
		b.mu.Unlock()

		if !was {
			b.logWarn("device not connected", "device_id", e.DeviceID, "status", e.Status)
			return
		}
		if err := b.publishJSON(TopicDisconnect, deviceMessage{Device: e.DeviceID}); err != nil {
			b.logError("disconnecting device from thingsboard", err)
			return
		}
		b.logInfo("device disconnected from thingsboard", "device_id", e.DeviceID, "status", e.Status)

	default:
		b.logWarn("unknown device status", "device_id", e.DeviceID, "status", e.Status)
	}
}

func (b *Bridge) sendTelemetry(e kura.Event) {
	if !b.isConnected(e.DeviceID) {
		b.logWarn("device not connected", "device_id", e.DeviceID)
		return
	}
	values := b.jsonValues(e.DeviceID, e.Values)
	if len(values) == 0 {
		return
	}
	msg := map[string][]telemetryEntry{
		e.DeviceID: {{TS: e.Timestamp.UnixMilli(), Values: values}},
	}
	if err := b.publishJSON(TopicTelemetry, msg); err != nil {
		b.logError("publishing telemetry", err)
	}
}

func (b *Bridge) sendAttributes(e kura.Event) {
	if !b.isConnected(e.DeviceID) {
		b.logWarn("device not connected", "device_id", e.DeviceID)
		return
	}
	values := b.jsonValues(e.DeviceID, e.Values)
	if len(values) == 0 {
		return
	}
	msg := map[string]map[string]any{e.DeviceID: values}
	if err := b.publishJSON(TopicAttributes, msg); err != nil {
		b.logError("publishing attributes", err)
	}
}

// handleRPC answers getValue.<channel> and setValue.<channel> requests.
func (b *Bridge) handleRPC(_ string, payload []byte) error {
	var req RPCRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("parsing rpc request: %w", err)
	}
	// Replies share the RPC topic; a plain broker echoes them back.
	if req.Data.Method == "" {
		return nil
	}

	action, channel, ok := strings.Cut(req.Data.Method, ".")
	if !ok || channel == "" {
		b.logWarn("unknown rpc method", "device_id", req.Device, "method", req.Data.Method)
		return b.reply(req, errorResult{Error: "unknown method " + req.Data.Method})
	}

	switch action {
	case methodGetValue:
		v, found := b.dir.GetChannelValue(req.Device, channel)
		if !found {
			return b.reply(req, errorResult{Error: fmt.Sprintf("no value for %s on %s", channel, req.Device)})
		}
		if !kurapayload.IsFinite(v) {
			return b.reply(req, valueResult{Value: nil})
		}
		return b.reply(req, valueResult{Value: kurapayload.Native(v)})

	case methodSetValue:
		value, err := rpcValue(req.Data.Params)
		if err != nil {
			return b.reply(req, writeResult{Error: err.Error()})
		}
		b.logDebug("rpc write", "device_id", req.Device, "channel", channel, "value", value)

		err = b.dir.RequestWrite(req.Device, channel, value, func(err error) {
			result := writeResult{Success: err == nil}
			if err != nil {
				result.Error = err.Error()
			}
			if err := b.reply(req, result); err != nil {
				b.logError("publishing rpc reply", err)
			}
		})
		if err != nil {
			return b.reply(req, writeResult{Error: err.Error()})
		}
		return nil

	default:
		b.logWarn("unknown rpc action", "device_id", req.Device, "method", req.Data.Method)
		return b.reply(req, errorResult{Error: "unknown method " + req.Data.Method})
	}
}

func (b *Bridge) reply(req RPCRequest, data any) error {
	return b.publishJSON(TopicRPC, RPCReply{Device: req.Device, ID: req.Data.ID, Data: data})
}

func (b *Bridge) publishJSON(topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling %s message: %w", topic, err)
	}
	return b.mqtt.Publish(topic, data, b.qos, false)
}

func (b *Bridge) isConnected(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected[id]
}

func (b *Bridge) connectedLocked() []string {
	out := make([]string, 0, len(b.connected))
	for id := range b.connected {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// rpcValue extracts the value to write from setValue params. Params may be
// the bare value or an object carrying it under "value".
func rpcValue(params json.RawMessage) (any, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("setValue without params")
	}
	dec := json.NewDecoder(bytes.NewReader(params))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("parsing params: %w", err)
	}
	if m, ok := v.(map[string]any); ok {
		inner, found := m["value"]
		if !found {
			return nil, fmt.Errorf("params object has no value")
		}
		return inner, nil
	}
	if v == nil {
		return nil, fmt.Errorf("setValue with null params")
	}
	return v, nil
}

// jsonValues converts values for publishing. NaN and infinities have no JSON
// form; they are dropped so the rest of the batch still goes out.
func (b *Bridge) jsonValues(deviceID string, values map[string]kurapayload.Value) map[string]any {
	out := make(map[string]any, len(values))
	for name, v := range values {
		if !kurapayload.IsFinite(v) {
			b.logWarn("dropping non-finite value", "device_id", deviceID, "channel", name, "value", kurapayload.Format(v))
			continue
		}
		out[name] = kurapayload.Native(v)
	}
	return out
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger kura.Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
}

func (b *Bridge) getLogger() kura.Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

// logInfo logs an info message if logger is set.
func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logWarn logs a warning if logger is set.
func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (b *Bridge) logError(msg string, err error) {
	if logger := b.getLogger(); logger != nil {
		logger.Error(msg, "error", err)
	}
}

// logDebug logs a debug message if logger is set.
func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}
