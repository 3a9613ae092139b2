package gatt

import (
	"strings"
)

// ZP2 service UUIDs.
const (
	zp2SvcSysInfo = "0000120a-0000-1000-8000-00805f9b34fb" // IP / firmware
	zp2SvcWiFiCfg = "000012aa-0000-1000-8000-00805f9b34fb" // wifi / mqtt / mode / command
	zp2SvcModel   = "000012c0-0000-1000-8000-00805f9b34fb" // model string
)

// ZP2 characteristic UUIDs.
const (
	zp2ChIP        = "0000121a-0000-1000-8000-00805f9b34fb" // read
	zp2ChFW        = "00002a26-0000-1000-8000-00805f9b34fb" // read
	zp2ChWiFiCombo = "000012a1-0000-1000-8000-00805f9b34fb" // write: ssid + 0x00 + password
	zp2ChMode      = "000012a5-0000-1000-8000-00805f9b34fb" // write text: "0" AWS / "1" LOCAL
	zp2ChMQTT      = "000012a6-0000-1000-8000-00805f9b34fb" // write text
	zp2ChCommand   = "000012a4-0000-1000-8000-00805f9b34fb" // write text, e.g. "reset"
	zp2ChModel     = "00000000-0000-1000-8000-00805f9b34fb" // read
)

const (
	zp2DefaultBrokerPort = "1883"
	zp2DefaultTopicPath  = "/test/test"
)

// ZP2 is the codec for the ZP2 sensor. The UUID table and payload layouts are
// the compatibility surface with real hardware; they must not drift.
type ZP2 struct{}

func (ZP2) Key() string { return "ZP2" }

func (ZP2) Identity() Endpoint {
	return Endpoint{Service: zp2SvcSysInfo, Characteristic: zp2ChIP}
}

func (ZP2) FirmwareVersion() Endpoint {
	return Endpoint{Service: zp2SvcSysInfo, Characteristic: zp2ChFW}
}

func (ZP2) Model() Endpoint {
	return Endpoint{Service: zp2SvcModel, Characteristic: zp2ChModel}
}

func (ZP2) Mode() Endpoint {
	return Endpoint{Service: zp2SvcWiFiCfg, Characteristic: zp2ChMode}
}

func (ZP2) MQTT() Endpoint {
	return Endpoint{Service: zp2SvcWiFiCfg, Characteristic: zp2ChMQTT}
}

func (ZP2) WiFiCombo() Endpoint {
	return Endpoint{Service: zp2SvcWiFiCfg, Characteristic: zp2ChWiFiCombo}
}

func (ZP2) Command() Endpoint {
	return Endpoint{Service: zp2SvcWiFiCfg, Characteristic: zp2ChCommand}
}

func (ZP2) DecodeText(raw []byte) string { return decodeText(raw) }

// DecodeMode maps the on-wire mode byte to a mode name. Unknown values fall
// back to the generic text decode so a firmware surprise stays inspectable
// instead of failing the read.
func (ZP2) DecodeMode(raw []byte) string {
	if len(raw) > 0 {
		switch raw[0] {
		case '0':
			return ModeAWS
		case '1':
			return ModeLocal
		}
	}
	return decodeText(raw)
}

// EncodeMode produces the single-character mode payload. Anything that is not
// AWS (case-insensitive) writes as LOCAL; the device has no third mode.
func (ZP2) EncodeMode(mode string) string {
	if strings.EqualFold(strings.TrimSpace(mode), ModeAWS) {
		return "0"
	}
	return "1"
}

// EncodeMQTT turns the profile's broker field into the full target string the
// firmware expects. A value that already contains a path separator is the
// user's fully qualified intent and passes through unchanged. A bare host gets
// the default port appended when it has none, then the default topic path.
// Empty input encodes to empty; callers treat that as an incomplete profile.
func (ZP2) EncodeMQTT(broker string) string {
	s := strings.TrimSpace(broker)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "/") {
		return s
	}
	if !strings.Contains(s, ":") {
		s += ":" + zp2DefaultBrokerPort
	}
	return s + zp2DefaultTopicPath
}

// EncodeWiFiCombo builds the single binary-layout payload:
// ssid bytes, one NUL separator, password bytes.
func (ZP2) EncodeWiFiCombo(ssid, password string) []byte {
	out := make([]byte, 0, len(ssid)+1+len(password))
	out = append(out, ssid...)
	out = append(out, 0x00)
	out = append(out, password...)
	return out
}

// EncodeCommand passes the trimmed command string through. Whether a given
// command does anything is a firmware property; a successful write does not
// imply the command took effect.
func (ZP2) EncodeCommand(cmd string) string {
	return strings.TrimSpace(cmd)
}
