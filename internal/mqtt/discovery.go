//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"

	"ble-sensor-hub/internal/scanner"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/ble_AA_BB_.../temperature/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	Device            haDevice `json:"device"`
}

// sensorSlots enumerates the reading fields the hub's devices report over
// the shared telemetry topic.
var sensorSlots = []struct {
	objectID    string
	suffix      string
	deviceClass string
	unit        string
	valueTmpl   string
}{
	{"temperature", "Temperature", "temperature", "°C", "{{ value_json.temperature }}"},
	{"humidity", "Humidity", "humidity", "%", "{{ value_json.humidity }}"},
	{"pressure", "Pressure", "pressure", "hPa", "{{ value_json.pressure }}"},
	{"battery", "Battery", "battery", "%", "{{ value_json.battery }}"},
	{"rssi", "Signal", "signal_strength", "dBm", "{{ value_json.rssi }}"},
}

// deviceDisplayName returns a display name for the entry.
func deviceDisplayName(e scanner.Entry) string {
	if e.Name != "" {
		return e.Name
	}
	return e.Address
}

// deviceIdentifier returns the unique identifier for the HA device registry.
func deviceIdentifier(e scanner.Entry) string {
	return "ble_" + sanitizeTopic(e.Address)
}

// deviceTopicName returns the per-device topic segment, preferring the
// advertised name over the raw address.
func deviceTopicName(e scanner.Entry) string {
	if e.Name != "" {
		return sanitizeTopic(strings.ToLower(e.Name))
	}
	return sanitizeTopic(e.Address)
}

// sanitizeTopic keeps only characters safe in an MQTT topic segment.
func sanitizeTopic(s string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, s)
}

// buildDiscovery generates HA discovery messages for one device entry.
func buildDiscovery(e scanner.Entry, prefix string) []discoveryMsg {
	if e.Address == "" {
		return nil
	}

	avail := prefix + "/bridge/state"
	stateTopic := prefix + "/" + deviceTopicName(e)
	nodeID := deviceIdentifier(e)
	displayName := deviceDisplayName(e)

	haDev := haDevice{
		Identifiers: []string{nodeID},
		Model:       e.ModelKey,
		Name:        displayName,
	}

	msgs := make([]discoveryMsg, 0, len(sensorSlots))
	for _, slot := range sensorSlots {
		topic := fmt.Sprintf("homeassistant/sensor/%s/%s/config", nodeID, slot.objectID)
		payload := haDiscovery{
			Name:              displayName + " " + slot.suffix,
			UniqueID:          nodeID + "_" + slot.objectID,
			StateTopic:        stateTopic,
			AvailabilityTopic: avail,
			ValueTemplate:     slot.valueTmpl,
			UnitOfMeasurement: slot.unit,
			DeviceClass:       slot.deviceClass,
			StateClass:        "measurement",
			Device:            haDev,
		}
		msgs = append(msgs, discoveryMsg{Topic: topic, Payload: mustJSON(payload)})
	}
	return msgs
}

// buildRemoveDiscovery generates empty retained messages that delete a
// device's entities from HA.
func buildRemoveDiscovery(e scanner.Entry) []discoveryMsg {
	nodeID := deviceIdentifier(e)
	msgs := make([]discoveryMsg, 0, len(sensorSlots))
	for _, slot := range sensorSlots {
		msgs = append(msgs, discoveryMsg{
			Topic: fmt.Sprintf("homeassistant/sensor/%s/%s/config", nodeID, slot.objectID),
		})
	}
	return msgs
}

// staleAnnouncements returns the announced entries that appear in neither
// the new sweep nor the configured set. Keys in both maps are uppercased
// addresses.
func staleAnnouncements(announced map[string]scanner.Entry, sweep []scanner.Entry, configured map[string]bool) []scanner.Entry {
	present := make(map[string]bool, len(sweep))
	for _, e := range sweep {
		present[strings.ToUpper(e.Address)] = true
	}

	var stale []scanner.Entry
	for addr, e := range announced {
		if !present[addr] && !configured[addr] {
			stale = append(stale, e)
		}
	}
	return stale
}

// decodeReading parses one telemetry payload. The device address may appear
// under "mac", "address" or "id". The address key itself is not part of the
// published state.
func decodeReading(payload []byte) (addr string, reading map[string]any) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return "", nil
	}
	for _, key := range []string{"mac", "address", "id"} {
		if v, ok := raw[key].(string); ok && v != "" {
			addr = strings.ToUpper(strings.TrimSpace(v))
			delete(raw, key)
			break
		}
	}
	if addr == "" {
		return "", nil
	}
	return addr, raw
}
