// Package hub wires the discovery scanner, the configuration pipeline, the
// profile store and the history log together behind one orchestrating object.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"ble-sensor-hub/internal/configurator"
	"ble-sensor-hub/internal/history"
	"ble-sensor-hub/internal/profile"
	"ble-sensor-hub/internal/scanner"
)

// Config carries the hub-level timing defaults.
type Config struct {
	// ScanTimeout is the default sweep duration.
	ScanTimeout time.Duration
	// CacheTTL is how long a sweep stays servable.
	CacheTTL time.Duration
}

// DefaultConfig returns the timings used when the config file leaves them
// unset.
func DefaultConfig() Config {
	return Config{
		ScanTimeout: 8 * time.Second,
		CacheTTL:    60 * time.Second,
	}
}

// Hub owns the device-facing components. All radio-touching operations are
// serialized through one mutex: the wireless medium is shared, and
// interleaving scans with configuration traffic makes device-side timing
// unpredictable.
type Hub struct {
	scanner  *scanner.Scanner
	pipeline *configurator.Pipeline
	profiles *profile.Store
	history  *history.Store
	events   *EventBus
	cfg      Config
	logger   *slog.Logger

	radioMu sync.Mutex
}

// New creates a hub and hooks the pipeline's per-target progress into the
// event bus.
func New(sc *scanner.Scanner, pipeline *configurator.Pipeline, profiles *profile.Store, hist *history.Store, events *EventBus, cfg Config, logger *slog.Logger) *Hub {
	h := &Hub{
		scanner:  sc,
		pipeline: pipeline,
		profiles: profiles,
		history:  hist,
		events:   events,
		cfg:      cfg,
		logger:   logger.With("component", "hub"),
	}
	pipeline.Observer = func(op string, res configurator.TargetResult) {
		events.Emit(Event{Type: EventWriteProgress, Data: map[string]any{
			"operation": op,
			"result":    res,
		}})
	}
	return h
}

// Events returns the hub's event bus.
func (h *Hub) Events() *EventBus { return h.events }

// Cache returns the scan cache.
func (h *Hub) Cache() *scanner.Cache { return h.scanner.Cache() }

// Profiles returns the profile store.
func (h *Hub) Profiles() *profile.Store { return h.profiles }

// History returns the history store, which may be nil when history is
// disabled.
func (h *Hub) History() *history.Store { return h.history }

// Scan runs one discovery sweep. A zero timeout uses the configured default.
func (h *Hub) Scan(ctx context.Context, timeout time.Duration) ([]scanner.Entry, error) {
	if timeout <= 0 {
		timeout = h.cfg.ScanTimeout
	}

	h.radioMu.Lock()
	defer h.radioMu.Unlock()

	h.events.Emit(Event{Type: EventScanStarted, Data: map[string]any{
		"timeout_seconds": timeout.Seconds(),
	}})
	entries, err := h.scanner.Scan(ctx, timeout)
	if err != nil {
		return nil, err
	}
	h.events.Emit(Event{Type: EventScanCompleted, Data: map[string]any{
		"devices": entries,
	}})
	return entries, nil
}

// Devices reads the cached sweep. A zero ttl uses the configured default.
func (h *Hub) Devices(ttl time.Duration, supportedOnly bool) (entries []scanner.Entry, age time.Duration, expired bool) {
	if ttl <= 0 {
		ttl = h.cfg.CacheTTL
	}
	return h.scanner.Cache().Read(ttl, supportedOnly)
}

// FetchDetails reads the configuration state of each target device.
func (h *Hub) FetchDetails(ctx context.Context, addrs []string) configurator.BatchResult {
	h.radioMu.Lock()
	batch := h.pipeline.FetchDetails(ctx, addrs)
	h.radioMu.Unlock()

	h.events.Emit(Event{Type: EventFetchCompleted, Data: batch})
	h.logOperation(history.Operation{Kind: "fetch", OK: batch.OK, Error: batch.Error, Results: batch.Results})
	return batch
}

// ApplyProfile pushes a stored profile onto each target device and records
// the applied configuration for every target that succeeded.
func (h *Hub) ApplyProfile(ctx context.Context, profileID string, addrs []string) configurator.BatchResult {
	h.radioMu.Lock()
	batch := h.pipeline.WriteProfile(ctx, profileID, addrs)
	h.radioMu.Unlock()

	for _, res := range batch.Results {
		if !res.OK {
			continue
		}
		err := h.recordApply(history.DeviceRecord{
			Address:   res.Address,
			ProfileID: profileID,
			Mode:      res.Values["mode"],
			MQTT:      res.Values["mqtt"],
			SSID:      res.Values["ssid"],
		})
		if err != nil {
			h.logger.Warn("record applied profile", "addr", res.Address, "err", err)
		}
	}

	h.events.Emit(Event{Type: EventWriteCompleted, Data: batch})
	h.logOperation(history.Operation{Kind: "write", ProfileID: profileID, OK: batch.OK, Error: batch.Error, Results: batch.Results})
	return batch
}

// SendCommand writes a command string to each target device.
func (h *Hub) SendCommand(ctx context.Context, cmd string, addrs []string) configurator.BatchResult {
	h.radioMu.Lock()
	batch := h.pipeline.SendCommand(ctx, cmd, addrs)
	h.radioMu.Unlock()

	h.events.Emit(Event{Type: EventCommandCompleted, Data: batch})
	h.logOperation(history.Operation{Kind: "command", Command: cmd, OK: batch.OK, Error: batch.Error, Results: batch.Results})
	return batch
}

// UpsertProfile stores a profile and announces the change.
func (h *Hub) UpsertProfile(p profile.Profile, overwriteID string) (profile.Profile, error) {
	stored, err := h.profiles.Upsert(p, overwriteID)
	if err != nil {
		return profile.Profile{}, err
	}
	h.emitProfileChanged("upsert", stored.ID)
	return stored, nil
}

// DeleteProfile removes a profile and announces the change when anything was
// removed.
func (h *Hub) DeleteProfile(id string) (bool, error) {
	removed, err := h.profiles.Delete(id)
	if err == nil && removed {
		h.emitProfileChanged("delete", id)
	}
	return removed, err
}

// SelectProfile sets the current profile selection.
func (h *Hub) SelectProfile(id string) error {
	if err := h.profiles.SetCurrent(id); err != nil {
		return err
	}
	h.emitProfileChanged("select", id)
	return nil
}

func (h *Hub) emitProfileChanged(action, id string) {
	h.events.Emit(Event{Type: EventProfileChanged, Data: map[string]any{
		"action": action,
		"id":     id,
	}})
}

func (h *Hub) recordApply(rec history.DeviceRecord) error {
	if h.history == nil {
		return nil
	}
	return h.history.RecordApply(rec)
}

func (h *Hub) logOperation(op history.Operation) {
	if h.history == nil {
		return
	}
	if err := h.history.AppendOperation(op); err != nil {
		h.logger.Warn("append operation history", "kind", op.Kind, "err", err)
	}
}
