package gatt

import (
	"log/slog"
	"strings"
)

// Registry maps advertised device names to model codecs. Registration order
// matters: Resolve checks entries in the order they were registered and the
// first match wins.
type Registry struct {
	entries []registryEntry
	logger  *slog.Logger
}

type registryEntry struct {
	key   string
	codec Codec
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds a codec under its model key. The registry is built once at
// startup and read-only afterwards, so there is no locking here.
func (r *Registry) Register(c Codec) {
	r.entries = append(r.entries, registryEntry{key: strings.ToUpper(c.Key()), codec: c})
	r.logger.Debug("codec registered", "model", c.Key())
}

// Resolve returns the codec whose model key is contained in the advertised
// name, case-insensitively, or nil when the name is empty or matches nothing.
// A nil result means "unsupported device" and is a normal outcome.
func (r *Registry) Resolve(advName string) Codec {
	n := strings.ToUpper(strings.TrimSpace(advName))
	if n == "" {
		return nil
	}
	for _, e := range r.entries {
		if strings.Contains(n, e.key) {
			return e.codec
		}
	}
	return nil
}

// Keys returns the registered model keys in registration order.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		keys = append(keys, e.codec.Key())
	}
	return keys
}
