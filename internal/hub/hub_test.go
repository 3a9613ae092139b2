package hub

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"ble-sensor-hub/internal/ble"
	"ble-sensor-hub/internal/configurator"
	"ble-sensor-hub/internal/gatt"
	"ble-sensor-hub/internal/history"
	"ble-sensor-hub/internal/profile"
	"ble-sensor-hub/internal/scanner"
)

// fakeTransport advertises one ZP2 device and scripts its connection.
type fakeTransport struct {
	conn *fakeConn
}

func (f *fakeTransport) Scan(ctx context.Context, timeout time.Duration, found func(ble.Advertisement)) error {
	found(ble.Advertisement{Address: "AA:01", Name: "ZP2-test", RSSI: -50, HasRSSI: true})
	return nil
}

func (f *fakeTransport) Connect(ctx context.Context, address string) (ble.Conn, error) {
	return f.conn, nil
}

type fakeConn struct {
	writes int
}

func (c *fakeConn) DiscoverEndpoint(ep gatt.Endpoint) (ble.Characteristic, error) {
	return &fakeCharacteristic{conn: c}, nil
}

func (c *fakeConn) Disconnect() error { return nil }

type fakeCharacteristic struct {
	conn *fakeConn
}

func (f *fakeCharacteristic) Read() ([]byte, error) { return []byte("x"), nil }

func (f *fakeCharacteristic) Write(p []byte) error {
	f.conn.writes++
	return nil
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()

	registry := gatt.NewRegistry(logger)
	registry.Register(gatt.ZP2{})

	cache := scanner.NewCache(filepath.Join(dir, "scan-cache.json"), logger)
	transport := &fakeTransport{conn: &fakeConn{}}
	sc := scanner.New(transport, registry, cache, logger)

	profiles := profile.NewStore(filepath.Join(dir, "profiles.json"), logger)
	hist, err := history.NewStore(filepath.Join(dir, "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { hist.Close() })

	pipeline := configurator.New(transport, cache, registry, profiles, configurator.Config{
		Session:    ble.SessionConfig{ConnectTimeout: time.Second},
		WritePause: time.Millisecond,
	}, logger)

	return New(sc, pipeline, profiles, hist, NewEventBus(logger), DefaultConfig(), logger)
}

func TestScanEmitsEvents(t *testing.T) {
	h := newTestHub(t)

	var types []string
	unsub := h.Events().OnAll(func(e Event) { types = append(types, e.Type) })
	defer unsub()

	entries, err := h.Scan(context.Background(), time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Address != "AA:01" {
		t.Fatalf("entries = %+v", entries)
	}
	if len(types) != 2 || types[0] != EventScanStarted || types[1] != EventScanCompleted {
		t.Errorf("events = %v", types)
	}

	// The sweep is now readable through the hub.
	cached, _, expired := h.Devices(0, false)
	if expired || len(cached) != 1 {
		t.Errorf("cached = %+v, expired = %v", cached, expired)
	}
}

func TestApplyProfileRecordsHistoryAndEvents(t *testing.T) {
	h := newTestHub(t)
	if _, err := h.Scan(context.Background(), time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if _, err := h.UpsertProfile(profile.Profile{ID: "home", Mode: "AWS", SSID: "net", MQTT: "10.0.0.1"}, ""); err != nil {
		t.Fatal(err)
	}

	var progress, completed int
	defer h.Events().On(EventWriteProgress, func(Event) { progress++ })()
	defer h.Events().On(EventWriteCompleted, func(Event) { completed++ })()

	batch := h.ApplyProfile(context.Background(), "home", []string{"AA:01"})
	if !batch.OK {
		t.Fatalf("batch failed: %+v", batch)
	}
	if progress != 1 || completed != 1 {
		t.Errorf("progress = %d, completed = %d", progress, completed)
	}

	rec, err := h.History().GetDevice("AA:01")
	if err != nil {
		t.Fatal(err)
	}
	if rec.ProfileID != "home" || rec.Mode != "0" {
		t.Errorf("record = %+v", rec)
	}

	ops, err := h.History().ListOperations(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 1 || ops[0].Kind != "write" || ops[0].ProfileID != "home" {
		t.Errorf("ops = %+v", ops)
	}
}

func TestProfileChangeEvents(t *testing.T) {
	h := newTestHub(t)

	var actions []string
	defer h.Events().On(EventProfileChanged, func(e Event) {
		data := e.Data.(map[string]any)
		actions = append(actions, data["action"].(string))
	})()

	if _, err := h.UpsertProfile(profile.Profile{ID: "a"}, ""); err != nil {
		t.Fatal(err)
	}
	if err := h.SelectProfile(""); err != nil {
		t.Fatal(err)
	}
	if _, err := h.DeleteProfile("a"); err != nil {
		t.Fatal(err)
	}
	// Deleting a missing id is not a change.
	if _, err := h.DeleteProfile("a"); err != nil {
		t.Fatal(err)
	}

	want := []string{"upsert", "select", "delete"}
	if len(actions) != len(want) {
		t.Fatalf("actions = %v, want %v", actions, want)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Errorf("actions[%d] = %q, want %q", i, actions[i], want[i])
		}
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eb := NewEventBus(logger)

	var count int
	unsub := eb.On("x", func(Event) { count++ })
	eb.Emit(Event{Type: "x"})
	unsub()
	eb.Emit(Event{Type: "x"})

	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestEventBusRecoversPanic(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eb := NewEventBus(logger)

	eb.OnAll(func(Event) { panic("boom") })

	var delivered bool
	eb.On("x", func(Event) { delivered = true })

	eb.Emit(Event{Type: "x"})
	if !delivered {
		t.Error("panicking handler blocked delivery")
	}
}
