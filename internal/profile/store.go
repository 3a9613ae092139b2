// Package profile persists user-authored configuration templates.
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"ble-sensor-hub/internal/jsonfile"
)

// SchemaVersion is written on every save; the stored value is never trusted.
const SchemaVersion = 1

// ErrNotFound is returned when a profile id does not exist.
var ErrNotFound = errors.New("profile not found")

// ErrEmptyID rejects upserts whose effective id resolves to nothing.
var ErrEmptyID = errors.New("profile id must not be empty")

// Profile is one configuration template that can be pushed to devices.
type Profile struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Mode      string `json:"mode"` // LOCAL or AWS
	SSID      string `json:"ssid"`
	Password  string `json:"password"`
	MQTT      string `json:"mqtt"`
	UpdatedAt int64  `json:"updated_at"` // unix milliseconds
}

// Document is the persisted collection shape. CurrentProfileID is either
// empty ("none selected") or the id of a profile in the list.
type Document struct {
	Schema           int       `json:"schema"`
	CurrentProfileID string    `json:"current_profile_id"`
	Profiles         []Profile `json:"profiles"`
}

// Store owns the profile document file. Every mutation runs the whole
// load-mutate-save sequence under one lock: load-then-save is not atomic by
// itself and interleaved callers would lose updates.
type Store struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewStore creates a store backed by the file at path.
func NewStore(path string, logger *slog.Logger) *Store {
	return &Store{path: path, logger: logger.With("component", "profile-store")}
}

// Load returns the current document. A missing, unreadable or structurally
// broken file is silently rebuilt as a fresh default and persisted;
// corruption must never take the service down.
func (s *Store) Load() Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// Get returns a profile by id.
func (s *Store) Get(id string) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.loadLocked()
	for _, p := range doc.Profiles {
		if p.ID == id {
			return p, nil
		}
	}
	return Profile{}, fmt.Errorf("%q: %w", id, ErrNotFound)
}

// Upsert normalizes p and inserts or replaces it by id. A non-empty
// overwriteID takes precedence over the profile's own id (the "save as /
// overwrite" flow). The stored profile gets a fresh update timestamp and
// becomes the document's current selection.
func (s *Store) Upsert(p Profile, overwriteID string) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	norm := normalize(p)
	id := strings.TrimSpace(overwriteID)
	if id == "" {
		id = norm.ID
	}
	if id == "" {
		return Profile{}, ErrEmptyID
	}

	norm.ID = id
	norm.UpdatedAt = nowMillis()

	doc := s.loadLocked()
	replaced := false
	for i, existing := range doc.Profiles {
		if existing.ID == id {
			doc.Profiles[i] = norm
			replaced = true
			break
		}
	}
	if !replaced {
		doc.Profiles = append(doc.Profiles, norm)
	}
	doc.CurrentProfileID = id

	if err := s.saveLocked(doc); err != nil {
		return Profile{}, err
	}
	return norm, nil
}

// Delete removes a profile by id and reports whether anything was removed.
// Removing the selected profile clears the selection.
func (s *Store) Delete(id string) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.loadLocked()
	kept := doc.Profiles[:0]
	for _, p := range doc.Profiles {
		if p.ID != id {
			kept = append(kept, p)
		}
	}
	removed := len(kept) != len(doc.Profiles)
	doc.Profiles = kept

	if doc.CurrentProfileID == id {
		doc.CurrentProfileID = ""
	}

	if err := s.saveLocked(doc); err != nil {
		return false, err
	}
	return removed, nil
}

// SetCurrent selects a profile. An empty id clears the selection and always
// succeeds; a non-empty id must reference an existing profile, otherwise the
// document is left untouched.
func (s *Store) SetCurrent(id string) error {
	id = strings.TrimSpace(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.loadLocked()
	if id != "" {
		found := false
		for _, p := range doc.Profiles {
			if p.ID == id {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%q: %w", id, ErrNotFound)
		}
	}
	doc.CurrentProfileID = id
	return s.saveLocked(doc)
}

// rawDocument tolerates a mangled profiles value: a list that fails to parse
// degrades to empty instead of discarding the rest of the document.
type rawDocument struct {
	Schema           int             `json:"schema"`
	CurrentProfileID string          `json:"current_profile_id"`
	Profiles         json.RawMessage `json:"profiles"`
}

func (s *Store) loadLocked() Document {
	var raw rawDocument
	if err := jsonfile.Read(s.path, &raw); err != nil {
		doc := defaultDocument()
		if err := s.saveLocked(doc); err != nil {
			s.logger.Warn("rebuild profile document", "err", err)
		}
		return doc
	}

	doc := Document{
		Schema:           SchemaVersion,
		CurrentProfileID: strings.TrimSpace(raw.CurrentProfileID),
	}
	if len(raw.Profiles) > 0 {
		if err := json.Unmarshal(raw.Profiles, &doc.Profiles); err != nil {
			s.logger.Warn("profile list unreadable, dropping", "err", err)
			doc.Profiles = nil
		}
	}
	if doc.Profiles == nil {
		doc.Profiles = []Profile{}
	}
	return doc
}

// saveLocked writes back exactly the canonical fields. The schema version is
// always the code's constant, so external edits cannot smuggle in drift.
func (s *Store) saveLocked(doc Document) error {
	out := Document{
		Schema:           SchemaVersion,
		CurrentProfileID: doc.CurrentProfileID,
		Profiles:         doc.Profiles,
	}
	if out.Profiles == nil {
		out.Profiles = []Profile{}
	}
	return jsonfile.WriteAtomic(s.path, out)
}

func defaultDocument() Document {
	return Document{Schema: SchemaVersion, Profiles: []Profile{}}
}

// normalize coerces a profile into the canonical shape: strings trimmed, mode
// clamped to {LOCAL, AWS} with LOCAL the default, timestamp backfilled.
func normalize(p Profile) Profile {
	mode := strings.ToUpper(strings.TrimSpace(p.Mode))
	if mode != "AWS" && mode != "LOCAL" {
		mode = "LOCAL"
	}
	out := Profile{
		ID:        strings.TrimSpace(p.ID),
		Name:      strings.TrimSpace(p.Name),
		Mode:      mode,
		SSID:      strings.TrimSpace(p.SSID),
		Password:  strings.TrimSpace(p.Password),
		MQTT:      strings.TrimSpace(p.MQTT),
		UpdatedAt: p.UpdatedAt,
	}
	if out.UpdatedAt == 0 {
		out.UpdatedAt = nowMillis()
	}
	return out
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
