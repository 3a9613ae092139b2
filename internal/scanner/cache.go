package scanner

import (
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"ble-sensor-hub/internal/jsonfile"
)

// Entry is one device observed in a discovery sweep.
type Entry struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
	// RSSI is only meaningful when RSSIValid is set; some advertisements
	// arrive without a signal reading.
	RSSI      int16 `json:"rssi"`
	RSSIValid bool  `json:"rssi_valid"`
	// ManufacturerData carries the advertisement payload verbatim:
	// company id (hex) -> data (hex).
	ManufacturerData map[string]string `json:"manufacturer_data,omitempty"`
	// ModelKey and Supported come from codec resolution.
	ModelKey  string `json:"model_key,omitempty"`
	Supported bool   `json:"supported"`
	// IsZP2 is the legacy name-substring heuristic. It can disagree with
	// Supported for a name containing "ZP2" inside an unrelated token; both
	// signals are kept distinct on purpose.
	IsZP2 bool `json:"is_zp2"`
}

// sweepDoc is the persisted shape of one discovery sweep.
type sweepDoc struct {
	ScannedAt      time.Time `json:"scanned_at"`
	TimeoutSeconds float64   `json:"timeout_seconds"`
	Devices        []Entry   `json:"devices"`
}

// Cache holds the most recent discovery sweep. Each sweep replaces the prior
// content in full; there is no incremental merge. The cache mirrors itself to
// a JSON file so a restart does not forget the last sweep.
type Cache struct {
	path   string
	logger *slog.Logger

	mu  sync.Mutex
	cur *sweepDoc // nil: no sweep available
}

// NewCache creates a cache backed by the file at path. An existing file is
// loaded best-effort; unreadable or corrupt content starts the cache empty.
func NewCache(path string, logger *slog.Logger) *Cache {
	c := &Cache{path: path, logger: logger.With("component", "scan-cache")}

	var doc sweepDoc
	if err := jsonfile.Read(path, &doc); err == nil && !doc.ScannedAt.IsZero() {
		c.cur = &doc
	} else if err != nil && !os.IsNotExist(err) {
		logger.Warn("scan cache unreadable, starting empty", "path", path, "err", err)
	}
	return c
}

// Replace installs the result of one sweep atomically, stamping it with the
// current time.
func (c *Cache) Replace(entries []Entry, sweepTimeout time.Duration) {
	doc := &sweepDoc{
		ScannedAt:      time.Now(),
		TimeoutSeconds: sweepTimeout.Seconds(),
		Devices:        entries,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = doc
	if err := jsonfile.WriteAtomic(c.path, doc); err != nil {
		c.logger.Warn("persist scan cache", "err", err)
	}
}

// Read returns the cached sweep if it is younger than ttl. When no sweep has
// completed, or the sweep has aged past ttl, the cache is cleared and the
// call reports expired with no entries; stale data is never served silently.
func (c *Cache) Read(ttl time.Duration, supportedOnly bool) (entries []Entry, age time.Duration, expired bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cur == nil {
		return nil, 0, true
	}
	age = time.Since(c.cur.ScannedAt)
	if age > ttl {
		c.clearLocked()
		return nil, 0, true
	}

	for _, e := range c.cur.Devices {
		if supportedOnly && !e.Supported {
			continue
		}
		entries = append(entries, e)
	}
	return entries, age, false
}

// LookupName returns the advertised name last seen for the address, or ""
// on a miss. The TTL is deliberately not enforced here: the name is a
// best-effort hint for re-resolving a device's codec, not a freshness-critical
// value.
func (c *Cache) LookupName(address string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cur == nil {
		return ""
	}
	for _, e := range c.cur.Devices {
		if strings.EqualFold(e.Address, address) {
			return e.Name
		}
	}
	return ""
}

// Invalidate drops the cached sweep.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
}

func (c *Cache) clearLocked() {
	c.cur = nil
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		c.logger.Debug("remove scan cache file", "err", err)
	}
}
