package kura

import (
	"errors"
	"testing"

	"github.com/nerrad567/kura-gateway/internal/infrastructure/mqtt"
)

func TestTopicBuilders(t *testing.T) {
	id := Identity{Prefix: "$EDC", ID: "dev1", Account: "acc1"}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"requester", id.RequesterID(), "acc1-dev1-requester"},
		{"telemetry", id.TelemetryTopic(), "acc1/dev1/#"},
		{"birth", BirthTopic("$EDC"), "$EDC/+/+/MQTT/BIRTH"},
		{"assets request", RequestTopic(id, DefaultAppID, ResourceAssets), "$EDC/acc1/dev1/ASSET-V1/GET/assets"},
		{"write request", RequestTopic(id, DefaultAppID, ResourceWrite), "$EDC/acc1/dev1/ASSET-V1/EXEC/write"},
		{"reply", ReplyTopic(id, DefaultAppID, "abc123"), "$EDC/acc1/acc1-dev1-requester/ASSET-V1/REPLY/abc123"},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestBirthTopicMatchesDeviceBirths(t *testing.T) {
	filter := BirthTopic(DefaultPrefix)
	if !mqtt.Match(filter, "$EDC/acc1/dev1/MQTT/BIRTH") {
		t.Error("birth filter does not match a device birth")
	}
	if mqtt.Match(filter, "$EDC/acc1/dev1/MQTT/DC") {
		t.Error("birth filter matches a disconnect")
	}
}

func TestParseBirthTopic(t *testing.T) {
	id, err := ParseBirthTopic("$EDC/acc1/dev1/MQTT/BIRTH")
	if err != nil {
		t.Fatalf("ParseBirthTopic() error = %v", err)
	}
	want := Identity{Prefix: "$EDC", ID: "dev1", Account: "acc1"}
	if id != want {
		t.Errorf("ParseBirthTopic() = %+v, want %+v", id, want)
	}

	for _, topic := range []string{
		"$EDC/acc1/dev1/MQTT",
		"$EDC/acc1",
		"$EDC//dev1/MQTT/BIRTH",
		"$EDC/acc1//MQTT/BIRTH",
	} {
		if _, err := ParseBirthTopic(topic); !errors.Is(err, ErrInvalidTopic) {
			t.Errorf("ParseBirthTopic(%q) error = %v, want ErrInvalidTopic", topic, err)
		}
	}
}
