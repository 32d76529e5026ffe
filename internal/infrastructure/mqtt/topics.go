package mqtt

import "strings"

// Match reports whether topic matches the subscription filter using MQTT
// wildcard rules: '+' matches exactly one level and a trailing '#' matches
// the parent level and everything below it.
//
// Topics beginning with '$' are not matched by a leading wildcard, as brokers
// reserve them. A filter that names the '$' level explicitly (for example
// "$EDC/+/+/MQTT/BIRTH") matches normally.
func Match(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}
	if strings.HasPrefix(topic, "$") && (filter[0] == '+' || filter[0] == '#') {
		return false
	}

	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")

	for i, level := range fl {
		if level == "#" {
			return i == len(fl)-1
		}
		if i >= len(tl) {
			return false
		}
		if level != "+" && level != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}

// Levels splits a topic into its levels.
func Levels(topic string) []string {
	return strings.Split(topic, "/")
}
