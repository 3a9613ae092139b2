// Package configurator sequences configuration reads and writes against one
// or many target devices.
package configurator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ble-sensor-hub/internal/ble"
	"ble-sensor-hub/internal/gatt"
	"ble-sensor-hub/internal/profile"
	"ble-sensor-hub/internal/scanner"
)

// TargetResult is the outcome for one target address. It is built once and
// never mutated afterwards.
type TargetResult struct {
	Address string            `json:"address"`
	OK      bool              `json:"ok"`
	Error   string            `json:"error,omitempty"`
	Values  map[string]string `json:"values,omitempty"`
}

// BatchResult aggregates per-target outcomes. OK is false when the whole
// operation failed up front (nothing attempted) or any target failed, so a
// caller can tell "nothing attempted" from "partial failure" from "all good".
type BatchResult struct {
	OK      bool           `json:"ok"`
	Error   string         `json:"error,omitempty"`
	Results []TargetResult `json:"results"`
}

// Config carries the pipeline's timing tunables.
type Config struct {
	Session ble.SessionConfig
	// WritePause is waited after each configuration write so the device
	// firmware can settle before the next one. The duration is a tunable;
	// the pause itself is required.
	WritePause time.Duration
}

// DefaultConfig returns the timings used when the config file leaves them
// unset.
func DefaultConfig() Config {
	return Config{
		Session:    ble.DefaultSessionConfig(),
		WritePause: 500 * time.Millisecond,
	}
}

// Pipeline resolves each target's codec from the scan cache and drives one
// link session per target. Targets are processed strictly sequentially: the
// wireless medium is shared and the devices expect predictable timing.
type Pipeline struct {
	transport ble.Transport
	cache     *scanner.Cache
	registry  *gatt.Registry
	profiles  *profile.Store
	cfg       Config
	logger    *slog.Logger

	// Observer, when set, is invoked after each target completes.
	Observer func(op string, res TargetResult)
}

// New creates a pipeline.
func New(transport ble.Transport, cache *scanner.Cache, registry *gatt.Registry, profiles *profile.Store, cfg Config, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		transport: transport,
		cache:     cache,
		registry:  registry,
		profiles:  profiles,
		cfg:       cfg,
		logger:    logger.With("component", "configurator"),
	}
}

// FetchDetails connects to each target in turn and reads its identity,
// firmware version, model, network mode, Wi-Fi and MQTT endpoints. A failing
// target never affects the others.
func (p *Pipeline) FetchDetails(ctx context.Context, addrs []string) BatchResult {
	batch := BatchResult{OK: true}
	for _, addr := range addrs {
		res := p.fetchOne(ctx, addr)
		if !res.OK {
			batch.OK = false
		}
		batch.Results = append(batch.Results, res)
		p.notify("fetch", res)
	}
	return batch
}

func (p *Pipeline) fetchOne(ctx context.Context, addr string) TargetResult {
	codec := p.resolveCodec(addr)
	if codec == nil {
		return failure(addr, "unsupported device")
	}

	session, err := ble.OpenSession(ctx, p.transport, addr, p.cfg.Session, p.logger)
	if err != nil {
		return failure(addr, err.Error())
	}
	defer session.Close()

	values := make(map[string]string)
	reads := []struct {
		key    string
		ep     gatt.Endpoint
		decode func([]byte) string
	}{
		{"ip", codec.Identity(), codec.DecodeText},
		{"firmware", codec.FirmwareVersion(), codec.DecodeText},
		{"model", codec.Model(), codec.DecodeText},
		{"mode", codec.Mode(), codec.DecodeMode},
		{"wifi", codec.WiFiCombo(), codec.DecodeText},
		{"mqtt", codec.MQTT(), codec.DecodeText},
	}
	for _, r := range reads {
		raw, err := session.Read(ctx, r.ep)
		if err != nil {
			return failure(addr, err.Error())
		}
		values[r.key] = r.decode(raw)
	}

	return TargetResult{Address: addr, OK: true, Values: values}
}

// WriteProfile pushes the stored profile onto every target. A missing profile
// or a blank MQTT field fails the whole operation before any device is
// touched; the blank-MQTT rule is deliberately stricter than per-target
// isolation. Each surviving target gets the fixed write sequence
// mode / MQTT / Wi-Fi combo, with a settling pause after every write.
func (p *Pipeline) WriteProfile(ctx context.Context, profileID string, addrs []string) BatchResult {
	prof, err := p.profiles.Get(profileID)
	if err != nil {
		return BatchResult{Error: fmt.Sprintf("load profile: %v", err)}
	}

	// Every codec encodes a blank broker field to an empty payload, so this
	// precondition holds for all targets regardless of model.
	if strings.TrimSpace(prof.MQTT) == "" {
		return BatchResult{Error: "profile mqtt field is empty, refusing to write"}
	}

	batch := BatchResult{OK: true}
	for _, addr := range addrs {
		res := p.writeOne(ctx, prof, addr)
		if !res.OK {
			batch.OK = false
		}
		batch.Results = append(batch.Results, res)
		p.notify("write", res)
	}
	return batch
}

func (p *Pipeline) writeOne(ctx context.Context, prof profile.Profile, addr string) TargetResult {
	codec := p.resolveCodec(addr)
	if codec == nil {
		return failure(addr, "unsupported device")
	}

	modeText := codec.EncodeMode(prof.Mode)
	mqttText := codec.EncodeMQTT(prof.MQTT)
	if mqttText == "" {
		return failure(addr, "profile mqtt field encodes to empty")
	}
	wifiCombo := codec.EncodeWiFiCombo(prof.SSID, prof.Password)

	session, err := ble.OpenSession(ctx, p.transport, addr, p.cfg.Session, p.logger)
	if err != nil {
		return failure(addr, err.Error())
	}
	defer session.Close()

	writes := []struct {
		name    string
		ep      gatt.Endpoint
		payload []byte
	}{
		{"mode", codec.Mode(), []byte(modeText)},
		{"mqtt", codec.MQTT(), []byte(mqttText)},
		{"wifi", codec.WiFiCombo(), wifiCombo},
	}
	for _, w := range writes {
		if err := session.Write(ctx, w.ep, w.payload); err != nil {
			return failure(addr, fmt.Sprintf("write %s: %v", w.name, err))
		}
		if err := p.pause(ctx); err != nil {
			return failure(addr, err.Error())
		}
	}

	p.logger.Info("profile applied", "addr", addr, "profile", prof.ID, "mode", prof.Mode)
	return TargetResult{Address: addr, OK: true, Values: map[string]string{
		"mode": modeText,
		"mqtt": mqttText,
		"ssid": prof.SSID,
	}}
}

// SendCommand encodes and writes the command string to each target's command
// endpoint. A successful write says nothing about whether the firmware acted
// on the command.
func (p *Pipeline) SendCommand(ctx context.Context, cmd string, addrs []string) BatchResult {
	if strings.TrimSpace(cmd) == "" {
		return BatchResult{Error: "command must not be empty"}
	}

	batch := BatchResult{OK: true}
	for _, addr := range addrs {
		res := p.commandOne(ctx, cmd, addr)
		if !res.OK {
			batch.OK = false
		}
		batch.Results = append(batch.Results, res)
		p.notify("command", res)
	}
	return batch
}

func (p *Pipeline) commandOne(ctx context.Context, cmd, addr string) TargetResult {
	codec := p.resolveCodec(addr)
	if codec == nil {
		return failure(addr, "unsupported device")
	}

	session, err := ble.OpenSession(ctx, p.transport, addr, p.cfg.Session, p.logger)
	if err != nil {
		return failure(addr, err.Error())
	}
	defer session.Close()

	payload := codec.EncodeCommand(cmd)
	if err := session.Write(ctx, codec.Command(), []byte(payload)); err != nil {
		return failure(addr, err.Error())
	}

	p.logger.Info("command sent", "addr", addr, "command", payload)
	return TargetResult{Address: addr, OK: true, Values: map[string]string{"command": payload}}
}

// resolveCodec re-derives the target's codec from the advertised name in the
// scan cache. The name is authoritative for model identification but the
// codec is resolved afresh at use time, not carried over from the sweep.
func (p *Pipeline) resolveCodec(addr string) gatt.Codec {
	return p.registry.Resolve(p.cache.LookupName(addr))
}

func (p *Pipeline) pause(ctx context.Context) error {
	if p.cfg.WritePause <= 0 {
		return nil
	}
	select {
	case <-time.After(p.cfg.WritePause):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) notify(op string, res TargetResult) {
	if p.Observer != nil {
		p.Observer(op, res)
	}
}

func failure(addr, msg string) TargetResult {
	return TargetResult{Address: addr, Error: msg}
}
