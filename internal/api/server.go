// Package api exposes the decision engine over REST/JSON plus a websocket
// event stream for dashboards.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zerofleet/backend/internal/anomaly"
	"github.com/zerofleet/backend/internal/attestation"
	"github.com/zerofleet/backend/internal/core"
	"github.com/zerofleet/backend/internal/events"
	"github.com/zerofleet/backend/internal/policy"
	"github.com/zerofleet/backend/internal/profiler"
	"github.com/zerofleet/backend/internal/registry"
	"github.com/zerofleet/backend/internal/stats"
	"github.com/zerofleet/backend/internal/threatintel"
	"github.com/zerofleet/backend/internal/trust"
)

// Server wires the engine's components behind HTTP.
type Server struct {
	registry *registry.Store
	scorer   *trust.Scorer
	profiler *profiler.Profiler
	detector *anomaly.Detector
	adapter  *policy.Adapter
	intel    *threatintel.Intel
	source   *stats.RollingSource
	attestor *attestation.HeartbeatAttestor // optional
	emitter  events.EventEmitter            // optional
	bus      *events.EventBus               // optional, for the ws stream

	streamer *Streamer
	logger   *log.Logger
}

// Deps carries the server's collaborators. Attestor, Emitter and Bus may be
// nil; the endpoints that need them degrade gracefully.
type Deps struct {
	Registry *registry.Store
	Scorer   *trust.Scorer
	Profiler *profiler.Profiler
	Detector *anomaly.Detector
	Adapter  *policy.Adapter
	Intel    *threatintel.Intel
	Source   *stats.RollingSource
	Attestor *attestation.HeartbeatAttestor
	Emitter  events.EventEmitter
	Bus      *events.EventBus
}

// NewServer creates the HTTP server facade.
func NewServer(deps Deps) *Server {
	s := &Server{
		registry: deps.Registry,
		scorer:   deps.Scorer,
		profiler: deps.Profiler,
		detector: deps.Detector,
		adapter:  deps.Adapter,
		intel:    deps.Intel,
		source:   deps.Source,
		attestor: deps.Attestor,
		emitter:  deps.Emitter,
		bus:      deps.Bus,
		logger:   log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
	if deps.Bus != nil {
		s.streamer = NewStreamer(deps.Bus)
	}
	return s
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	// CORS Middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()

	// Device lifecycle
	v1.HandleFunc("/devices", s.handleOnboard).Methods("POST")
	v1.HandleFunc("/devices", s.handleListDevices).Methods("GET")
	v1.HandleFunc("/devices/{id}", s.handleGetDevice).Methods("GET")
	v1.HandleFunc("/devices/{id}/revoke", s.handleRevoke).Methods("POST")
	v1.HandleFunc("/devices/{id}/heartbeat", s.handleHeartbeat).Methods("POST")

	// Profiling and traffic ingest
	v1.HandleFunc("/devices/{id}/profiling", s.handleProfilingStatus).Methods("GET")
	v1.HandleFunc("/devices/{id}/profiling/finish", s.handleFinishProfiling).Methods("POST")
	v1.HandleFunc("/devices/{id}/traffic", s.handleTraffic).Methods("POST")

	// Trust
	v1.HandleFunc("/devices/{id}/trust", s.handleTrust).Methods("GET")
	v1.HandleFunc("/devices/{id}/alerts", s.handleAlert).Methods("POST")

	// Policy
	v1.HandleFunc("/devices/{id}/policy", s.handleGetPolicy).Methods("GET")
	v1.HandleFunc("/devices/{id}/policy", s.handleRemovePolicy).Methods("DELETE")
	v1.HandleFunc("/policies", s.handleListPolicies).Methods("GET")

	// Threat intelligence
	v1.HandleFunc("/threats/blocked", s.handleBlocked).Methods("GET")
	v1.HandleFunc("/threats/block", s.handleBlock).Methods("POST")
	v1.HandleFunc("/threats/stats", s.handleThreatStats).Methods("GET")

	if s.streamer != nil {
		r.HandleFunc("/ws", s.streamer.HandleWebSocket)
	}

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"devices": len(s.registry.ListDevices()),
	})
}

func (s *Server) emit(eventType, source, subject string, data map[string]interface{}) {
	if s.emitter != nil {
		s.emitter.Emit(eventType, source, subject, data)
	}
}

// writeJSON sends a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the engine's error taxonomy to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, core.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, core.ErrBackendUnavailable):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
