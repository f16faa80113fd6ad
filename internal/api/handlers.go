package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/zerofleet/backend/internal/core"
	"github.com/zerofleet/backend/internal/events"
	"github.com/zerofleet/backend/internal/profiler"
	"github.com/zerofleet/backend/internal/stats"
)

// --- Device lifecycle ---

type onboardRequest struct {
	ID         string `json:"id,omitempty"`
	Address    string `json:"address"`
	DeviceType string `json:"device_type,omitempty"`
}

// handleOnboard admits a device: registers it, seeds its trust record at the
// initial score, and opens its profiling window. One transaction from the
// caller's view; a duplicate address rejects the whole request.
func (s *Server) handleOnboard(w http.ResponseWriter, r *http.Request) {
	var req onboardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("decode request: %v: %w", err, core.ErrValidation))
		return
	}
	if req.Address == "" {
		writeError(w, fmt.Errorf("address is required: %w", core.ErrValidation))
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	dev := core.Device{
		ID:         req.ID,
		Address:    req.Address,
		DeviceType: req.DeviceType,
		Status:     core.StatusActive,
	}
	if err := s.registry.Register(dev); err != nil {
		writeError(w, err)
		return
	}

	s.scorer.Initialize(dev.ID)
	s.profiler.StartProfiling(dev.ID)

	s.emit(events.TypeDeviceOnboarded, "/api/v1/devices", dev.ID, map[string]interface{}{
		"address":     dev.Address,
		"device_type": dev.DeviceType,
	})
	s.logger.Printf("Onboarded %s (%s)", dev.ID, dev.Address)

	stored, _ := s.registry.GetDevice(dev.ID)
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.ListDevices())
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	dev, err := s.registry.GetDevice(id)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]interface{}{
		"device":    dev,
		"profiling": s.profiler.GetProfilingStatus(id),
	}
	if score, err := s.scorer.GetTrustScore(id); err == nil {
		resp["trust_score"] = score
		resp["trust_level"] = s.scorer.LevelFor(score)
	}
	if state, err := s.adapter.GetPolicy(id); err == nil {
		resp["policy"] = state
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRevoke soft-revokes a device and forces its policy to deny.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := s.registry.UpdateStatus(id, core.StatusRevoked); err != nil {
		writeError(w, err)
		return
	}
	state, err := s.adapter.AdaptPolicyForDevice(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	s.emit(events.TypeDeviceRevoked, "/api/v1/devices", id, nil)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": core.StatusRevoked,
		"policy": state,
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if s.attestor == nil {
		// No attestor wired; still refresh liveness in the registry.
		if err := s.registry.UpdateLastSeen(id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
		return
	}
	if err := s.attestor.RecordHeartbeat(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// --- Profiling and traffic ingest ---

func (s *Server) handleProfilingStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.registry.GetDevice(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.profiler.GetProfilingStatus(id))
}

// handleFinishProfiling closes the profiling window, installs the resulting
// baseline in the registry and the detector, and returns it.
func (s *Server) handleFinishProfiling(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if _, err := s.registry.GetDevice(id); err != nil {
		writeError(w, err)
		return
	}

	baseline, err := s.profiler.FinishProfiling(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.registry.SetBaseline(id, baseline); err != nil {
		writeError(w, err)
		return
	}
	s.detector.SetBaseline(id, baseline)

	s.emit(events.TypeBaselineSet, "/api/v1/devices", id, map[string]interface{}{
		"packets_per_second": baseline.PacketsPerSecond,
		"bytes_per_second":   baseline.BytesPerSecond,
	})
	writeJSON(w, http.StatusOK, baseline)
}

type trafficRequest struct {
	Packets     int64  `json:"packets"`
	Bytes       int64  `json:"bytes"`
	Destination string `json:"destination,omitempty"`
	Port        int    `json:"port,omitempty"`
	Protocol    int    `json:"protocol,omitempty"`
}

// handleTraffic is the producer ingest point. One sample feeds both the
// profiling window (if open) and the rolling stats the alert sweep reads.
func (s *Server) handleTraffic(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if _, err := s.registry.GetDevice(id); err != nil {
		writeError(w, err)
		return
	}
	var req trafficRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("decode request: %v: %w", err, core.ErrValidation))
		return
	}

	s.profiler.RecordTraffic(id, profiler.PacketInfo{
		Size:        int(req.Bytes),
		Destination: req.Destination,
		Port:        req.Port,
		Protocol:    req.Protocol,
	})
	s.source.Record(stats.Observation{
		DeviceID:    id,
		Timestamp:   time.Now(),
		Packets:     req.Packets,
		Bytes:       req.Bytes,
		Destination: req.Destination,
		Port:        req.Port,
	})
	s.registry.UpdateLastSeen(id)

	w.WriteHeader(http.StatusAccepted)
}

// --- Trust ---

func (s *Server) handleTrust(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	score, err := s.scorer.GetTrustScore(id)
	if err != nil {
		writeError(w, err)
		return
	}
	factors, _ := s.scorer.GetScoreFactors(id)
	history, _ := s.scorer.GetHistory(id)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"device_id": id,
		"score":     score,
		"level":     s.scorer.LevelFor(score),
		"factors":   factors,
		"history":   history,
	})
}

type alertRequest struct {
	AlertType string        `json:"alert_type"`
	Severity  core.Severity `json:"severity"`
}

// handleAlert is the analyst override path: severity drives both the score
// penalty and an immediate policy decision.
func (s *Server) handleAlert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req alertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("decode request: %v: %w", err, core.ErrValidation))
		return
	}
	if req.AlertType == "" {
		writeError(w, fmt.Errorf("alert_type is required: %w", core.ErrValidation))
		return
	}
	switch req.Severity {
	case core.SeverityLow, core.SeverityMedium, core.SeverityHigh:
	default:
		writeError(w, fmt.Errorf("severity must be low, medium or high: %w", core.ErrValidation))
		return
	}

	state, err := s.adapter.OrchestratePolicy(r.Context(), id, req.AlertType, req.Severity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// --- Policy ---

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	state, err := s.adapter.GetPolicy(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleRemovePolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.adapter.RemovePolicy(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.adapter.ListPolicies())
}

// --- Threat intelligence ---

func (s *Server) handleBlocked(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"blocked":     s.intel.GetBlockedIdentifiers(),
		"mitigations": s.intel.GetMitigationRules(),
	})
}

type blockRequest struct {
	Identifier string `json:"identifier"`
	Reason     string `json:"reason"`
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("decode request: %v: %w", err, core.ErrValidation))
		return
	}
	if req.Identifier == "" {
		writeError(w, fmt.Errorf("identifier is required: %w", core.ErrValidation))
		return
	}
	if req.Reason == "" {
		req.Reason = "manual block"
	}

	s.intel.BlockIdentifier(req.Identifier, req.Reason)
	s.emit(events.TypeThreatBlocked, "/api/v1/threats", req.Identifier, map[string]interface{}{
		"reason": req.Reason,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "blocked"})
}

func (s *Server) handleThreatStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.intel.GetStatistics())
}
