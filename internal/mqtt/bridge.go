//go:build !no_mqtt

// Package mqtt mirrors the hub's sensor fleet onto an MQTT broker with
// Home Assistant autodiscovery. Devices configured for LOCAL mode publish
// their readings to a shared telemetry topic; the bridge fans those
// readings out into per-device retained state topics that the discovery
// entities point at.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"ble-sensor-hub/internal/hub"
	"ble-sensor-hub/internal/scanner"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker         string
	Username       string
	Password       string
	TopicPrefix    string
	TelemetryTopic string
}

// Bridge connects the hub to MQTT with HA autodiscovery.
type Bridge struct {
	client    pahomqtt.Client
	hub       *hub.Hub
	prefix    string
	telemetry string
	logger    *slog.Logger
	unsub     func()
	ctx       context.Context
	cancel    context.CancelFunc

	// Per-device state, keyed by uppercased address: the reading
	// accumulator and the entries whose discovery configs are currently
	// published.
	mu        sync.Mutex
	states    map[string]map[string]any
	announced map[string]scanner.Entry
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(h *hub.Hub, cfg Config, logger *slog.Logger) (*Bridge, error) {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		hub:       h,
		prefix:    cfg.TopicPrefix,
		telemetry: cfg.TelemetryTopic,
		logger:    logger.With("component", "mqtt"),
		states:    make(map[string]map[string]any),
		announced: make(map[string]scanner.Entry),
		ctx:       ctx,
		cancel:    cancel,
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("ble-sensor-hub").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAllDiscovery()
			b.subscribeTelemetry()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to hub events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.hub.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event hub.Event) {
	switch event.Type {
	case hub.EventScanCompleted:
		b.publishSweep(event)
	case hub.EventWriteCompleted:
		b.publishAllDiscovery()
	}
}

// publishSweep mirrors the latest scan result onto the bridge topic and
// refreshes discovery for any newly seen supported device.
func (b *Bridge) publishSweep(event hub.Event) {
	data, ok := event.Data.(map[string]any)
	if !ok {
		return
	}
	entries, ok := data["devices"].([]scanner.Entry)
	if !ok {
		return
	}
	b.publish(b.prefix+"/bridge/devices", mustJSON(entries), true)
	for _, e := range entries {
		if e.Supported {
			b.publishEntryDiscovery(e)
		}
	}
	b.retractMissing(entries)
}

// retractMissing deletes the HA entities of previously announced devices
// that are in neither the new sweep nor the apply history.
func (b *Bridge) retractMissing(sweep []scanner.Entry) {
	configured := make(map[string]bool)
	if hist := b.hub.History(); hist != nil {
		records, err := hist.ListDevices()
		if err != nil {
			b.logger.Error("list devices for retraction", "err", err)
			return
		}
		for _, rec := range records {
			configured[strings.ToUpper(rec.Address)] = true
		}
	}

	b.mu.Lock()
	stale := staleAnnouncements(b.announced, sweep, configured)
	for _, e := range stale {
		delete(b.announced, strings.ToUpper(e.Address))
		delete(b.states, strings.ToUpper(e.Address))
	}
	b.mu.Unlock()

	for _, e := range stale {
		for _, msg := range buildRemoveDiscovery(e) {
			b.publish(msg.Topic, msg.Payload, true)
		}
		b.logger.Info("retracted HA discovery", "address", e.Address)
	}
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

// publishAllDiscovery announces every device the hub knows about: the
// current sweep's supported devices plus everything in the apply history.
func (b *Bridge) publishAllDiscovery() {
	entries, _, _ := b.hub.Devices(0, true)
	for _, e := range entries {
		b.publishEntryDiscovery(e)
	}

	hist := b.hub.History()
	if hist == nil {
		return
	}
	records, err := hist.ListDevices()
	if err != nil {
		b.logger.Error("list devices for discovery", "err", err)
		return
	}
	for _, rec := range records {
		name := b.hub.Cache().LookupName(rec.Address)
		b.publishEntryDiscovery(scanner.Entry{
			Address:   rec.Address,
			Name:      name,
			Supported: true,
		})
	}
}

func (b *Bridge) publishEntryDiscovery(e scanner.Entry) {
	b.mu.Lock()
	b.announced[strings.ToUpper(e.Address)] = e
	b.mu.Unlock()

	for _, msg := range buildDiscovery(e, b.prefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Debug("published HA discovery", "address", e.Address, "name", deviceDisplayName(e))
}

func (b *Bridge) subscribeTelemetry() {
	if b.telemetry == "" {
		return
	}
	token := b.client.Subscribe(b.telemetry, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleTelemetry(msg.Payload())
	})
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("telemetry subscribe timeout", "topic", b.telemetry)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("telemetry subscribe error", "topic", b.telemetry, "err", err)
		}
	}()
}

// handleTelemetry routes one shared-topic reading to its device's state
// topic. Readings without a routable address are republished raw so they
// stay inspectable.
func (b *Bridge) handleTelemetry(payload []byte) {
	addr, reading := decodeReading(payload)
	if addr == "" {
		b.publish(b.prefix+"/telemetry", payload, false)
		return
	}

	state := b.mergeReading(addr, reading)
	name := b.hub.Cache().LookupName(addr)
	topic := b.prefix + "/" + deviceTopicName(scanner.Entry{Address: addr, Name: name})
	b.publish(topic, mustJSON(state), true)
}

// mergeReading folds a reading into the device accumulator and returns a
// snapshot safe to marshal outside the lock.
func (b *Bridge) mergeReading(addr string, reading map[string]any) map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.states[addr]
	if !ok {
		state = make(map[string]any)
		b.states[addr] = state
	}
	for k, v := range reading {
		state[k] = v
	}
	state["last_seen"] = time.Now().UTC().Format(time.RFC3339)

	snapshot := make(map[string]any, len(state))
	for k, v := range state {
		snapshot[k] = v
	}
	return snapshot
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
