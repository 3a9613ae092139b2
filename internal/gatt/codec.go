package gatt

import (
	"strings"
)

// Endpoint identifies one addressable location on a device: a characteristic
// within its declaring service. Characteristic UUIDs are not guaranteed unique
// across services, so the service UUID is required context for every lookup.
type Endpoint struct {
	Service        string `json:"service"`
	Characteristic string `json:"characteristic"`
}

// Codec is the per-model contract: the endpoint table plus the encode/decode
// rules between semantic values and on-wire bytes. Implementations do no I/O.
type Codec interface {
	// Key is the model key, e.g. "ZP2".
	Key() string

	// Endpoint table.
	Identity() Endpoint
	FirmwareVersion() Endpoint
	Model() Endpoint
	Mode() Endpoint
	MQTT() Endpoint
	WiFiCombo() Endpoint
	Command() Endpoint

	// Decoders (bytes -> semantic value).
	DecodeText(raw []byte) string
	DecodeMode(raw []byte) string

	// Encoders (semantic value -> payload). Text endpoints return strings;
	// only binary-layout endpoints return bytes.
	EncodeMode(mode string) string
	EncodeMQTT(broker string) string
	EncodeWiFiCombo(ssid, password string) []byte
	EncodeCommand(cmd string) string
}

// Network modes a device can be switched between.
const (
	ModeAWS   = "AWS"
	ModeLocal = "LOCAL"
)

// decodeText is the generic text decode shared by the model codecs:
// UTF-8 with replacement on invalid sequences, NUL bytes stripped,
// surrounding whitespace trimmed.
func decodeText(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	s := strings.ToValidUTF8(string(raw), "�")
	s = strings.ReplaceAll(s, "\x00", "")
	return strings.TrimSpace(s)
}
