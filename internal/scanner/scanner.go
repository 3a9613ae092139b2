// Package scanner turns raw BLE discovery events into a de-duplicated,
// ranked, time-bounded result set.
package scanner

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"ble-sensor-hub/internal/ble"
	"ble-sensor-hub/internal/gatt"
)

// Scanner performs bounded discovery sweeps and populates the cache.
type Scanner struct {
	transport ble.Transport
	registry  *gatt.Registry
	cache     *Cache
	logger    *slog.Logger
}

// New creates a scanner.
func New(transport ble.Transport, registry *gatt.Registry, cache *Cache, logger *slog.Logger) *Scanner {
	return &Scanner{
		transport: transport,
		registry:  registry,
		cache:     cache,
		logger:    logger.With("component", "scanner"),
	}
}

// Cache returns the scan cache the scanner populates.
func (s *Scanner) Cache() *Cache { return s.cache }

// Scan runs one discovery sweep of the given duration, classifies every
// observed device, ranks the result and replaces the cache content with it.
func (s *Scanner) Scan(ctx context.Context, timeout time.Duration) ([]Entry, error) {
	seen := make(map[string]ble.Advertisement)
	order := make([]string, 0, 16)

	err := s.transport.Scan(ctx, timeout, func(adv ble.Advertisement) {
		prev, ok := seen[adv.Address]
		if !ok {
			order = append(order, adv.Address)
			seen[adv.Address] = adv
			return
		}
		// Later observations supersede earlier ones, but a name once seen is
		// not forgotten: many devices alternate named and anonymous frames.
		if adv.Name == "" {
			adv.Name = prev.Name
		}
		if !adv.HasRSSI {
			adv.RSSI, adv.HasRSSI = prev.RSSI, prev.HasRSSI
		}
		if len(adv.ManufacturerData) == 0 {
			adv.ManufacturerData = prev.ManufacturerData
		}
		seen[adv.Address] = adv
	})
	if err != nil {
		return nil, fmt.Errorf("discovery sweep: %w", err)
	}

	entries := make([]Entry, 0, len(order))
	for _, addr := range order {
		entries = append(entries, s.classify(seen[addr]))
	}
	rank(entries)

	s.cache.Replace(entries, timeout)
	s.logger.Info("scan complete", "devices", len(entries), "timeout", timeout)
	return entries, nil
}

// classify builds a cache entry from one advertisement.
func (s *Scanner) classify(adv ble.Advertisement) Entry {
	e := Entry{
		Address:   adv.Address,
		Name:      adv.Name,
		RSSI:      adv.RSSI,
		RSSIValid: adv.HasRSSI,
		IsZP2:     strings.Contains(strings.ToUpper(adv.Name), "ZP2"),
	}
	if codec := s.registry.Resolve(adv.Name); codec != nil {
		e.ModelKey = codec.Key()
		e.Supported = true
	}
	if len(adv.ManufacturerData) > 0 {
		e.ManufacturerData = make(map[string]string, len(adv.ManufacturerData))
		for id, data := range adv.ManufacturerData {
			e.ManufacturerData[fmt.Sprintf("0x%04x", id)] = hex.EncodeToString(data)
		}
	}
	return e
}

// rank sorts supported models first, then by descending signal strength.
// A missing signal reading ranks as the weakest possible.
func rank(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Supported != b.Supported {
			return a.Supported
		}
		return rankRSSI(a) > rankRSSI(b)
	})
}

func rankRSSI(e Entry) int16 {
	if !e.RSSIValid {
		return math.MinInt16
	}
	return e.RSSI
}
