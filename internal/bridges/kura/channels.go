package kura

import (
	"sort"
	"sync"

	"github.com/nerrad567/kura-gateway/internal/bridges/kura/kurapayload"
)

// Class is the classification of an inbound metric.
type Class uint8

// Metric classes.
const (
	ClassUnknown Class = iota
	ClassTelemetry
	ClassAttribute
)

// String returns the lower-case class name.
func (c Class) String() string {
	switch c {
	case ClassTelemetry:
		return "telemetry"
	case ClassAttribute:
		return "attribute"
	default:
		return "unknown"
	}
}

// Channel is a discovered channel and its cached value.
type Channel struct {
	Name  string
	Asset string
	Kind  kurapayload.Kind
	Mode  Mode

	// Value is the last known value; nil until one is received.
	Value kurapayload.Value
}

// ChannelRegistry is the per-device catalogue of assets and channels.
//
// Asset membership and channel modes change only through ApplyDiscovery.
// Each channel name belongs to exactly one asset.
type ChannelRegistry struct {
	mu       sync.RWMutex
	assets   map[string][]string
	channels map[string]*Channel
}

// NewChannelRegistry creates an empty registry.
func NewChannelRegistry() *ChannelRegistry {
	return &ChannelRegistry{
		assets:   make(map[string][]string),
		channels: make(map[string]*Channel),
	}
}

// ApplyDiscovery replaces the whole catalogue with assets. Cached values are
// reset. A channel name defined by more than one asset stays with the first
// asset; the later definitions are returned as duplicates.
func (r *ChannelRegistry) ApplyDiscovery(assets []Asset) (duplicates []string) {
	catalogue := make(map[string][]string, len(assets))
	channels := make(map[string]*Channel)

	for _, a := range assets {
		names := catalogue[a.Name]
		for _, def := range a.Channels {
			if _, exists := channels[def.Name]; exists {
				duplicates = append(duplicates, a.Name+"/"+def.Name)
				continue
			}
			channels[def.Name] = &Channel{
				Name:  def.Name,
				Asset: a.Name,
				Kind:  def.Kind,
				Mode:  def.Mode,
			}
			names = append(names, def.Name)
		}
		catalogue[a.Name] = names
	}

	r.mu.Lock()
	r.assets = catalogue
	r.channels = channels
	r.mu.Unlock()

	return duplicates
}

// Classify returns ClassTelemetry for READ channels, ClassAttribute for any
// other known channel and ClassUnknown for names not in the catalogue.
func (r *ChannelRegistry) Classify(name string) Class {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ch, ok := r.channels[name]
	if !ok {
		return ClassUnknown
	}
	if ch.Mode == ModeRead {
		return ClassTelemetry
	}
	return ClassAttribute
}

// Get returns the cached value of a channel. ok is false when the channel is
// unknown or has no value yet.
func (r *ChannelRegistry) Get(name string) (v kurapayload.Value, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ch, exists := r.channels[name]
	if !exists || ch.Value == nil {
		return nil, false
	}
	return ch.Value, true
}

// SetCached stores v as the channel's value. It reports false and changes
// nothing when the channel is unknown.
func (r *ChannelRegistry) SetCached(name string, v kurapayload.Value) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[name]
	if !ok {
		return false
	}
	ch.Value = v
	return true
}

// AssetOf returns the asset owning a channel.
func (r *ChannelRegistry) AssetOf(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ch, ok := r.channels[name]
	if !ok {
		return "", false
	}
	return ch.Asset, true
}

// Channel returns a copy of the named channel.
func (r *ChannelRegistry) Channel(name string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ch, ok := r.channels[name]
	if !ok {
		return Channel{}, false
	}
	return *ch, true
}

// Channels returns copies of all channels sorted by name.
func (r *ChannelRegistry) Channels() []Channel {
	r.mu.RLock()
	out := make([]Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, *ch)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Assets returns the asset names sorted.
func (r *ChannelRegistry) Assets() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.assets))
	for name := range r.assets {
		out = append(out, name)
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}
