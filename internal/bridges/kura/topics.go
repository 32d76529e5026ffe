package kura

import (
	"fmt"

	"github.com/nerrad567/kura-gateway/internal/infrastructure/mqtt"
)

// Kura protocol defaults.
const (
	// DefaultPrefix is the Kura control topic prefix.
	DefaultPrefix = "$EDC"

	// DefaultAppID is the cloud application serving asset requests.
	DefaultAppID = "ASSET-V1"
)

// ASSET-V1 resources.
const (
	ResourceAssets = "GET/assets"
	ResourceRead   = "EXEC/read"
	ResourceWrite  = "EXEC/write"
)

// minBirthLevels is the number of levels in {prefix}/{account}/{id}/MQTT/BIRTH.
const minBirthLevels = 5

// Identity names a Kura device. It does not change once a session exists.
type Identity struct {
	Prefix  string
	ID      string
	Account string
}

// RequesterID is the client id the gateway uses when addressing the device.
func (i Identity) RequesterID() string {
	return i.Account + "-" + i.ID + "-requester"
}

// TelemetryTopic is the filter covering everything the device publishes.
func (i Identity) TelemetryTopic() string {
	return i.Account + "/" + i.ID + "/#"
}

// BirthTopic is the wildcard filter matching every device birth under prefix.
func BirthTopic(prefix string) string {
	return prefix + "/+/+/MQTT/BIRTH"
}

// RequestTopic is the topic a request for resource is published on.
func RequestTopic(id Identity, appID, resource string) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", id.Prefix, id.Account, id.ID, appID, resource)
}

// ReplyTopic is the topic the device answers request corrID on.
func ReplyTopic(id Identity, appID, corrID string) string {
	return fmt.Sprintf("%s/%s/%s/%s/REPLY/%s", id.Prefix, id.Account, id.RequesterID(), appID, corrID)
}

// ParseBirthTopic extracts the device identity from a birth topic.
// The account and device id are the second and third levels.
func ParseBirthTopic(topic string) (Identity, error) {
	levels := mqtt.Levels(topic)
	if len(levels) < minBirthLevels {
		return Identity{}, fmt.Errorf("%w: %q has %d levels, want %d", ErrInvalidTopic, topic, len(levels), minBirthLevels)
	}
	if levels[1] == "" || levels[2] == "" {
		return Identity{}, fmt.Errorf("%w: %q has an empty account or device id", ErrInvalidTopic, topic)
	}
	return Identity{Prefix: levels[0], Account: levels[1], ID: levels[2]}, nil
}
