package bridge

import (
	"strings"
)

// Topics builds the MQTT topics under a common prefix. Per-device topics end
// with the short address: the MAC without colons, lowercased.
type Topics struct {
	Prefix string
}

func (t Topics) join(kind, suffix string) string {
	return t.Prefix + "/" + kind + "/" + suffix
}

// Advertisements is the wildcard subscription for raw advertisements
func (t Topics) Advertisements() string { return t.join("adv", "+") }

// Commands is the wildcard subscription for command messages
func (t Topics) Commands() string { return t.join("commands", "+") }

// Responses is the wildcard subscription for transport responses
func (t Topics) Responses() string { return t.join("responses", "+") }

func (t Topics) Readings(short string) string { return t.join("readings", short) }
func (t Topics) Requests(short string) string { return t.join("requests", short) }
func (t Topics) Response(short string) string { return t.join("responses", short) }
func (t Topics) Outcomes(short string) string { return t.join("outcomes", short) }

// DeviceFromTopic returns the short address a per-device topic ends with
func DeviceFromTopic(topic string) string {
	i := strings.LastIndexByte(topic, '/')
	return strings.ToLower(topic[i+1:])
}
