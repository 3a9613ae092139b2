package profile

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewStore(filepath.Join(t.TempDir(), "profiles.json"), logger)
}

func TestLoadMissingFileCreatesDefault(t *testing.T) {
	s := newTestStore(t)

	doc := s.Load()
	if doc.Schema != SchemaVersion {
		t.Errorf("schema = %d, want %d", doc.Schema, SchemaVersion)
	}
	if doc.CurrentProfileID != "" {
		t.Errorf("current = %q, want empty", doc.CurrentProfileID)
	}
	if len(doc.Profiles) != 0 {
		t.Errorf("profiles = %d, want 0", len(doc.Profiles))
	}

	// The default document was persisted.
	if _, err := os.Stat(s.path); err != nil {
		t.Errorf("default document not written: %v", err)
	}
}

func TestLoadCorruptFileRebuilds(t *testing.T) {
	s := newTestStore(t)
	if err := os.WriteFile(s.path, []byte("{{{ not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	doc := s.Load()
	if doc.Schema != SchemaVersion || len(doc.Profiles) != 0 {
		t.Errorf("corrupt file not rebuilt: %+v", doc)
	}
}

func TestLoadNonObjectRootRebuilds(t *testing.T) {
	s := newTestStore(t)
	if err := os.WriteFile(s.path, []byte(`[1, 2, 3]`), 0o600); err != nil {
		t.Fatal(err)
	}

	doc := s.Load()
	if len(doc.Profiles) != 0 {
		t.Errorf("profiles = %d, want 0", len(doc.Profiles))
	}
}

func TestLoadMangledProfileListDegradesToEmpty(t *testing.T) {
	s := newTestStore(t)
	raw := `{"schema": 1, "current_profile_id": "x", "profiles": "oops"}`
	if err := os.WriteFile(s.path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}

	doc := s.Load()
	if len(doc.Profiles) != 0 {
		t.Errorf("profiles = %d, want 0", len(doc.Profiles))
	}
	if doc.CurrentProfileID != "x" {
		t.Errorf("current = %q, want preserved", doc.CurrentProfileID)
	}
}

func TestSaveFixedPointAndSchemaPinned(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Upsert(Profile{ID: "home", Name: "Home", Mode: "aws", MQTT: "10.0.0.1"}, ""); err != nil {
		t.Fatal(err)
	}
	first := s.Load()
	second := s.Load()
	if first.CurrentProfileID != second.CurrentProfileID || len(first.Profiles) != len(second.Profiles) {
		t.Error("load is not a fixed point for a canonical document")
	}

	// External schema edits are overwritten on the next save.
	data, err := os.ReadFile(s.path)
	if err != nil {
		t.Fatal(err)
	}
	var onDisk map[string]any
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatal(err)
	}
	if int(onDisk["schema"].(float64)) != SchemaVersion {
		t.Errorf("stored schema = %v, want %d", onDisk["schema"], SchemaVersion)
	}
	if len(onDisk) != 3 {
		t.Errorf("stored keys = %d, want exactly 3 canonical fields", len(onDisk))
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   Profile
		want Profile
	}{
		{
			"trims and uppercases mode",
			Profile{ID: " p1 ", Name: " Home ", Mode: "aws", SSID: " net ", Password: " pw ", MQTT: " 1.2.3.4 "},
			Profile{ID: "p1", Name: "Home", Mode: "AWS", SSID: "net", Password: "pw", MQTT: "1.2.3.4"},
		},
		{
			"defaults mode to LOCAL",
			Profile{ID: "p1"},
			Profile{ID: "p1", Mode: "LOCAL"},
		},
		{
			"clamps unknown mode",
			Profile{ID: "p1", Mode: "CLOUD"},
			Profile{ID: "p1", Mode: "LOCAL"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalize(tt.in)
			if got.UpdatedAt == 0 {
				t.Error("updated_at not backfilled")
			}
			got.UpdatedAt = 0
			if got != tt.want {
				t.Errorf("normalize = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestUpsertInsertAndOverwrite(t *testing.T) {
	s := newTestStore(t)

	stored, err := s.Upsert(Profile{ID: "home", Name: "Home"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if stored.UpdatedAt == 0 {
		t.Error("updated_at not stamped")
	}

	doc := s.Load()
	if len(doc.Profiles) != 1 {
		t.Fatalf("profiles = %d, want 1", len(doc.Profiles))
	}
	if doc.CurrentProfileID != "home" {
		t.Errorf("current = %q, want home (upsert selects)", doc.CurrentProfileID)
	}

	// overwriteID takes precedence over the profile's own id.
	if _, err := s.Upsert(Profile{ID: "ignored", Name: "Home v2"}, "home"); err != nil {
		t.Fatal(err)
	}
	doc = s.Load()
	if len(doc.Profiles) != 1 {
		t.Fatalf("profiles = %d after overwrite, want 1", len(doc.Profiles))
	}
	if doc.Profiles[0].Name != "Home v2" {
		t.Errorf("name = %q, want Home v2", doc.Profiles[0].Name)
	}
}

func TestUpsertEmptyID(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Upsert(Profile{Name: "no id"}, ""); err != ErrEmptyID {
		t.Errorf("err = %v, want ErrEmptyID", err)
	}
}

func TestUpsertThenDeleteRestoresEmptyShape(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Upsert(Profile{ID: "tmp"}, ""); err != nil {
		t.Fatal(err)
	}
	removed, err := s.Delete("tmp")
	if err != nil {
		t.Fatal(err)
	}
	if !removed {
		t.Error("delete reported nothing removed")
	}

	doc := s.Load()
	if len(doc.Profiles) != 0 {
		t.Errorf("profiles = %d, want 0", len(doc.Profiles))
	}
	if doc.CurrentProfileID != "" {
		t.Errorf("current = %q, want cleared", doc.CurrentProfileID)
	}
}

func TestDeleteNonexistent(t *testing.T) {
	s := newTestStore(t)
	removed, err := s.Delete("ghost")
	if err != nil {
		t.Fatal(err)
	}
	if removed {
		t.Error("delete of missing id reported removal")
	}
}

func TestDeleteKeepsUnrelatedSelection(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Upsert(Profile{ID: "a"}, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Upsert(Profile{ID: "b"}, ""); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Delete("a"); err != nil {
		t.Fatal(err)
	}
	if doc := s.Load(); doc.CurrentProfileID != "b" {
		t.Errorf("current = %q, want b", doc.CurrentProfileID)
	}
}

func TestSetCurrent(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Upsert(Profile{ID: "a"}, ""); err != nil {
		t.Fatal(err)
	}

	// Unknown id fails without mutating.
	if err := s.SetCurrent("ghost"); err == nil {
		t.Error("expected error for unknown id")
	}
	if doc := s.Load(); doc.CurrentProfileID != "a" {
		t.Errorf("current = %q, want a (unchanged)", doc.CurrentProfileID)
	}

	// Empty id clears.
	if err := s.SetCurrent(""); err != nil {
		t.Fatal(err)
	}
	if doc := s.Load(); doc.CurrentProfileID != "" {
		t.Errorf("current = %q, want empty", doc.CurrentProfileID)
	}
}

func TestGet(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Upsert(Profile{ID: "a", MQTT: "10.0.0.1"}, ""); err != nil {
		t.Fatal(err)
	}

	p, err := s.Get("a")
	if err != nil {
		t.Fatal(err)
	}
	if p.MQTT != "10.0.0.1" {
		t.Errorf("mqtt = %q", p.MQTT)
	}

	if _, err := s.Get("ghost"); err == nil {
		t.Error("expected ErrNotFound")
	}
}
