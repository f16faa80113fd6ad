// Package attestation verifies that fleet devices are still live and
// healthy. The attestation sweep treats the attestor as an opaque
// collaborator; this package ships a heartbeat implementation where devices
// periodically check in and silence past the staleness bound fails them.
package attestation

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zerofleet/backend/internal/core"
	"github.com/zerofleet/backend/internal/registry"
)

// Result is one attestation verdict.
type Result struct {
	DeviceID  string          `json:"device_id"`
	Passed    bool            `json:"passed"`
	Checks    map[string]bool `json:"checks"`
	CheckedAt time.Time       `json:"checked_at"`
}

// Attestor is what the attestation sweep calls per device.
type Attestor interface {
	PerformAttestation(ctx context.Context, deviceID string) (Result, error)
}

// HeartbeatAttestor passes devices that have checked in recently and are not
// revoked. A device that never sent a heartbeat fails the liveness check.
type HeartbeatAttestor struct {
	registry *registry.Store
	maxAge   time.Duration

	mu         sync.RWMutex
	heartbeats map[string]time.Time

	logger *log.Logger
}

// NewHeartbeatAttestor creates the attestor. maxAge defaults to 10 minutes.
func NewHeartbeatAttestor(reg *registry.Store, maxAge time.Duration) *HeartbeatAttestor {
	if maxAge == 0 {
		maxAge = 10 * time.Minute
	}
	return &HeartbeatAttestor{
		registry:   reg,
		maxAge:     maxAge,
		heartbeats: make(map[string]time.Time),
		logger:     log.New(log.Writer(), "[ATTEST] ", log.LstdFlags),
	}
}

// RecordHeartbeat registers a device check-in and refreshes its last-seen
// time in the registry.
func (h *HeartbeatAttestor) RecordHeartbeat(deviceID string) error {
	if _, err := h.registry.GetDevice(deviceID); err != nil {
		return err
	}

	h.mu.Lock()
	h.heartbeats[deviceID] = time.Now()
	h.mu.Unlock()

	return h.registry.UpdateLastSeen(deviceID)
}

// PerformAttestation checks liveness and lifecycle state.
func (h *HeartbeatAttestor) PerformAttestation(ctx context.Context, deviceID string) (Result, error) {
	dev, err := h.registry.GetDevice(deviceID)
	if err != nil {
		return Result{}, fmt.Errorf("attest %s: %w", deviceID, err)
	}

	h.mu.RLock()
	last, seen := h.heartbeats[deviceID]
	h.mu.RUnlock()

	checks := map[string]bool{
		"not_revoked":     dev.Status != core.StatusRevoked,
		"heartbeat_seen":  seen,
		"heartbeat_fresh": seen && time.Since(last) <= h.maxAge,
	}

	passed := true
	for _, ok := range checks {
		if !ok {
			passed = false
			break
		}
	}
	if !passed {
		h.logger.Printf("Attestation failed for %s: %v", deviceID, checks)
	}

	return Result{
		DeviceID:  deviceID,
		Passed:    passed,
		Checks:    checks,
		CheckedAt: time.Now(),
	}, nil
}

var _ Attestor = (*HeartbeatAttestor)(nil)
