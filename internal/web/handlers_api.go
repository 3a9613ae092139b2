package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"ble-sensor-hub/internal/configurator"
	"ble-sensor-hub/internal/profile"
	"ble-sensor-hub/internal/scanner"
)

const maxBodyBytes = 1 << 20

type scanRequest struct {
	TimeoutSeconds float64 `json:"timeout_seconds"`
}

func (s *Server) handleAPIScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if r.ContentLength != 0 {
		if !s.decodeBody(w, r, &req) {
			return
		}
	}
	if req.TimeoutSeconds < 0 || req.TimeoutSeconds > 120 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "timeout_seconds must be 0-120"})
		return
	}

	timeout := time.Duration(req.TimeoutSeconds * float64(time.Second))
	entries, err := s.hub.Scan(r.Context(), timeout)
	if err != nil {
		s.logger.Error("scan", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "scan failed"})
		return
	}
	if entries == nil {
		entries = []scanner.Entry{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"devices": entries})
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	var ttl time.Duration
	if v := r.URL.Query().Get("ttl_seconds"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil || secs < 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid ttl_seconds"})
			return
		}
		ttl = time.Duration(secs * float64(time.Second))
	}
	supportedOnly := r.URL.Query().Get("supported_only") == "true"

	entries, age, expired := s.hub.Devices(ttl, supportedOnly)
	if entries == nil {
		entries = []scanner.Entry{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"expired":     expired,
		"age_seconds": age.Seconds(),
		"devices":     entries,
	})
}

type fetchRequest struct {
	Addresses []string `json:"addresses"`
}

func (s *Server) handleAPIFetchDetails(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if !s.checkAddresses(w, req.Addresses) {
		return
	}
	s.writeBatch(w, s.hub.FetchDetails(r.Context(), req.Addresses))
}

type applyRequest struct {
	ProfileID string   `json:"profile_id"`
	Addresses []string `json:"addresses"`
}

func (s *Server) handleAPIApplyProfile(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.ProfileID == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "profile_id is required"})
		return
	}
	if !s.checkAddresses(w, req.Addresses) {
		return
	}
	s.writeBatch(w, s.hub.ApplyProfile(r.Context(), req.ProfileID, req.Addresses))
}

type commandRequest struct {
	Command   string   `json:"command"`
	Addresses []string `json:"addresses"`
}

func (s *Server) handleAPISendCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if !s.checkAddresses(w, req.Addresses) {
		return
	}
	s.writeBatch(w, s.hub.SendCommand(r.Context(), req.Command, req.Addresses))
}

func (s *Server) handleAPIListProfiles(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.hub.Profiles().Load())
}

type upsertProfileRequest struct {
	Profile     profile.Profile `json:"profile"`
	OverwriteID string          `json:"overwrite_id"`
}

func (s *Server) handleAPIUpsertProfile(w http.ResponseWriter, r *http.Request) {
	var req upsertProfileRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	stored, err := s.hub.UpsertProfile(req.Profile, req.OverwriteID)
	if err != nil {
		if errors.Is(err, profile.ErrEmptyID) {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		s.logger.Error("upsert profile", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleAPIDeleteProfile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	removed, err := s.hub.DeleteProfile(id)
	if err != nil {
		s.logger.Error("delete profile", "err", err, "id", id)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	if !removed {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "profile not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type setCurrentRequest struct {
	ID string `json:"id"`
}

func (s *Server) handleAPISetCurrentProfile(w http.ResponseWriter, r *http.Request) {
	var req setCurrentRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.hub.SelectProfile(req.ID); err != nil {
		if errors.Is(err, profile.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "profile not found"})
			return
		}
		s.logger.Error("set current profile", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "id": req.ID})
}

func (s *Server) handleAPIHistoryDevices(w http.ResponseWriter, r *http.Request) {
	hist := s.hub.History()
	if hist == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "history disabled"})
		return
	}
	records, err := hist.ListDevices()
	if err != nil {
		s.logger.Error("list device history", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleAPIHistoryOperations(w http.ResponseWriter, r *http.Request) {
	hist := s.hub.History()
	if hist == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "history disabled"})
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be 1-500"})
			return
		}
		limit = n
	}

	ops, err := hist.ListOperations(limit)
	if err != nil {
		s.logger.Error("list operation history", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, ops)
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// decodeBody parses a JSON request body, reporting 400 on failure.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func (s *Server) checkAddresses(w http.ResponseWriter, addrs []string) bool {
	if len(addrs) == 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "addresses must not be empty"})
		return false
	}
	if len(addrs) > 32 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "addresses limited to 32"})
		return false
	}
	return true
}

// writeBatch maps a batch outcome to a response: a top-level failure with
// nothing attempted is the caller's mistake, partial failure is still a
// completed operation.
func (s *Server) writeBatch(w http.ResponseWriter, batch configurator.BatchResult) {
	if batch.Error != "" && len(batch.Results) == 0 {
		s.writeJSON(w, http.StatusBadRequest, batch)
		return
	}
	s.writeJSON(w, http.StatusOK, batch)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
