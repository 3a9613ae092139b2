package gatt

import (
	"io"
	"log/slog"
	"testing"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewRegistry(logger)
	r.Register(ZP2{})
	return r
}

func TestResolve(t *testing.T) {
	r := newTestRegistry(t)

	tests := []struct {
		name    string
		advName string
		wantKey string // "" means no codec
	}{
		{"exact", "ZP2", "ZP2"},
		{"substring", "MyZP2Device-1234", "ZP2"},
		{"lowercase", "myzp2device", "ZP2"},
		{"empty", "", ""},
		{"whitespace", "   ", ""},
		{"unrelated", "Other", ""},
		{"near miss", "ZP-2", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := r.Resolve(tt.advName)
			switch {
			case tt.wantKey == "" && c != nil:
				t.Errorf("Resolve(%q) = %s, want none", tt.advName, c.Key())
			case tt.wantKey != "" && c == nil:
				t.Errorf("Resolve(%q) = none, want %s", tt.advName, tt.wantKey)
			case tt.wantKey != "" && c.Key() != tt.wantKey:
				t.Errorf("Resolve(%q) = %s, want %s", tt.advName, c.Key(), tt.wantKey)
			}
		})
	}
}

func TestRegistrationOrderWins(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewRegistry(logger)
	r.Register(aliasCodec{ZP2{}, "P2"})
	r.Register(ZP2{})

	// "ZP2" contains both "P2" and "ZP2"; the earlier registration matches first.
	c := r.Resolve("ZP2-sensor")
	if c == nil || c.Key() != "P2" {
		t.Fatalf("expected first-registered codec to win, got %v", c)
	}
}

func TestKeys(t *testing.T) {
	r := newTestRegistry(t)
	keys := r.Keys()
	if len(keys) != 1 || keys[0] != "ZP2" {
		t.Errorf("Keys() = %v, want [ZP2]", keys)
	}
}

// aliasCodec wraps a codec under a different model key, for ordering tests.
type aliasCodec struct {
	Codec
	key string
}

func (a aliasCodec) Key() string { return a.key }
