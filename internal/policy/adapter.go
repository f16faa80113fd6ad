// Package policy converts trust levels into enforcement dispositions and
// keeps the enforcement boundary in sync with them. All policy work for one
// device runs under that device's lock; distinct devices adapt concurrently.
package policy

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zerofleet/backend/internal/config"
	"github.com/zerofleet/backend/internal/core"
	"github.com/zerofleet/backend/internal/registry"
	"github.com/zerofleet/backend/internal/trust"
)

// Enforcer is the boundary to whatever applies policies on the network.
// Implementations must be safe for concurrent use; calls carry a bounded
// timeout so a hung enforcement plane cannot stall the policy sweep.
type Enforcer interface {
	InstallAction(ctx context.Context, deviceID string, action core.Action, match map[string]string, priority int) error
	RemoveAction(ctx context.Context, deviceID string) error
}

// ChangeHook observes every committed policy transition (events, metrics).
type ChangeHook func(state core.PolicyState)

// Adapter owns the device -> PolicyState table.
type Adapter struct {
	scorer   *trust.Scorer
	registry *registry.Store
	enforcer Enforcer
	cfg      config.EnforcementConfig

	mu       sync.RWMutex
	policies map[string]core.PolicyState

	lockMu  sync.Mutex
	devLock map[string]*sync.Mutex

	hookMu sync.RWMutex
	hook   ChangeHook

	logger *log.Logger
}

// NewAdapter wires the adapter. enforcer must not be nil; pass a LogEnforcer
// when no enforcement plane is attached.
func NewAdapter(scorer *trust.Scorer, reg *registry.Store, enforcer Enforcer, cfg config.EnforcementConfig) *Adapter {
	if cfg.TimeoutSeconds == 0 {
		cfg.TimeoutSeconds = 5
	}
	if cfg.DefaultPriority == 0 {
		cfg.DefaultPriority = 100
	}
	return &Adapter{
		scorer:   scorer,
		registry: reg,
		enforcer: enforcer,
		cfg:      cfg,
		policies: make(map[string]core.PolicyState),
		devLock:  make(map[string]*sync.Mutex),
		logger:   log.New(log.Writer(), "[POLICY] ", log.LstdFlags),
	}
}

// SetChangeHook registers the transition observer. Wired once at startup.
func (a *Adapter) SetChangeHook(fn ChangeHook) {
	a.hookMu.Lock()
	a.hook = fn
	a.hookMu.Unlock()
}

func (a *Adapter) lockFor(deviceID string) *sync.Mutex {
	a.lockMu.Lock()
	defer a.lockMu.Unlock()
	l, ok := a.devLock[deviceID]
	if !ok {
		l = &sync.Mutex{}
		a.devLock[deviceID] = l
	}
	return l
}

// ActionForLevel maps a trust level to its enforcement disposition.
func ActionForLevel(level core.TrustLevel) core.Action {
	switch level {
	case core.LevelTrusted:
		return core.ActionAllow
	case core.LevelNormal:
		return core.ActionRedirect
	case core.LevelSuspicious:
		return core.ActionDeny
	default:
		return core.ActionQuarantine
	}
}

// AdaptPolicyForDevice recomputes the device's disposition from its freshest
// trust score and reconciles the enforcement boundary. When the computed
// action equals the enforced one the call is a no-op: the enforcer is never
// touched, so repeated sweeps are idempotent. An enforcement failure keeps
// the previous state intact and surfaces as a transient backend failure.
func (a *Adapter) AdaptPolicyForDevice(ctx context.Context, deviceID string) (core.PolicyState, error) {
	l := a.lockFor(deviceID)
	l.Lock()
	defer l.Unlock()

	dev, err := a.registry.GetDevice(deviceID)
	if err != nil {
		return core.PolicyState{}, err
	}

	var action core.Action
	source := core.SourceThreshold
	if dev.Status == core.StatusRevoked {
		// Revoked devices are denied regardless of score.
		action = core.ActionDeny
	} else {
		level, err := a.scorer.GetTrustLevel(deviceID)
		if err != nil {
			return core.PolicyState{}, err
		}
		action = ActionForLevel(level)
	}

	return a.applyLocked(ctx, dev, action, source)
}

// OrchestratePolicy handles an alert-sourced override. High severity forces
// quarantine and medium forces redirect, both regardless of the current
// score; low severity only lowers the score and lets the threshold path
// decide. The score is lowered first so the next threshold sweep cannot
// quietly revert the override.
func (a *Adapter) OrchestratePolicy(ctx context.Context, deviceID, alertType string, severity core.Severity) (core.PolicyState, error) {
	// Outside the device lock: the score drop may fire the threshold
	// notifier, which re-enters AdaptPolicyForDevice.
	if _, err := a.scorer.RecordSecurityAlert(deviceID, alertType, severity); err != nil {
		return core.PolicyState{}, err
	}

	var action core.Action
	switch severity {
	case core.SeverityHigh:
		action = core.ActionQuarantine
	case core.SeverityMedium:
		action = core.ActionRedirect
	default:
		return a.AdaptPolicyForDevice(ctx, deviceID)
	}

	l := a.lockFor(deviceID)
	l.Lock()
	defer l.Unlock()

	dev, err := a.registry.GetDevice(deviceID)
	if err != nil {
		return core.PolicyState{}, err
	}
	return a.applyLocked(ctx, dev, action, core.SourceOverride)
}

// applyLocked reconciles the stored state and the enforcement boundary to
// action. Caller holds the device lock.
func (a *Adapter) applyLocked(ctx context.Context, dev core.Device, action core.Action, source core.PolicySource) (core.PolicyState, error) {
	a.mu.RLock()
	prev, had := a.policies[dev.ID]
	a.mu.RUnlock()

	if had && prev.Action == action {
		return prev, nil
	}

	state := core.PolicyState{
		DeviceID:  dev.ID,
		Action:    action,
		Match:     map[string]string{"src": dev.Address},
		Priority:  a.cfg.DefaultPriority,
		Source:    source,
		AppliedAt: time.Now(),
	}

	ectx, cancel := context.WithTimeout(ctx, time.Duration(a.cfg.TimeoutSeconds)*time.Second)
	err := a.enforcer.InstallAction(ectx, dev.ID, action, state.Match, state.Priority)
	cancel()
	if err != nil {
		a.logger.Printf("Enforcement failed for %s (%s): %v", dev.ID, action, err)
		return prev, fmt.Errorf("install %s for %s: %v: %w", action, dev.ID, err, core.ErrBackendUnavailable)
	}

	a.mu.Lock()
	a.policies[dev.ID] = state
	a.mu.Unlock()

	a.syncStatus(dev, action)
	a.logger.Printf("Policy for %s: %s -> %s (source=%s)", dev.ID, prev.Action, action, source)

	a.hookMu.RLock()
	hook := a.hook
	a.hookMu.RUnlock()
	if hook != nil {
		hook(state)
	}
	return state, nil
}

// syncStatus keeps the registry lifecycle state aligned with the enforced
// action. Revocation is never undone here.
func (a *Adapter) syncStatus(dev core.Device, action core.Action) {
	if dev.Status == core.StatusRevoked {
		return
	}
	switch {
	case action == core.ActionQuarantine && dev.Status != core.StatusQuarantined:
		if err := a.registry.UpdateStatus(dev.ID, core.StatusQuarantined); err != nil {
			a.logger.Printf("Status update failed for %s: %v", dev.ID, err)
		}
	case action != core.ActionQuarantine && dev.Status == core.StatusQuarantined:
		if err := a.registry.UpdateStatus(dev.ID, core.StatusActive); err != nil {
			a.logger.Printf("Status update failed for %s: %v", dev.ID, err)
		}
	}
}

// RemovePolicy clears the device's policy at the boundary and in the table.
func (a *Adapter) RemovePolicy(ctx context.Context, deviceID string) error {
	l := a.lockFor(deviceID)
	l.Lock()
	defer l.Unlock()

	a.mu.RLock()
	_, had := a.policies[deviceID]
	a.mu.RUnlock()
	if !had {
		return fmt.Errorf("policy for %s: %w", deviceID, core.ErrNotFound)
	}

	ectx, cancel := context.WithTimeout(ctx, time.Duration(a.cfg.TimeoutSeconds)*time.Second)
	defer cancel()
	if err := a.enforcer.RemoveAction(ectx, deviceID); err != nil {
		return fmt.Errorf("remove policy for %s: %v: %w", deviceID, err, core.ErrBackendUnavailable)
	}

	a.mu.Lock()
	delete(a.policies, deviceID)
	a.mu.Unlock()
	return nil
}

// GetPolicy returns the enforced policy for a device.
func (a *Adapter) GetPolicy(deviceID string) (core.PolicyState, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	state, ok := a.policies[deviceID]
	if !ok {
		return core.PolicyState{}, fmt.Errorf("policy for %s: %w", deviceID, core.ErrNotFound)
	}
	return state, nil
}

// ListPolicies returns all enforced policies.
func (a *Adapter) ListPolicies() []core.PolicyState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]core.PolicyState, 0, len(a.policies))
	for _, s := range a.policies {
		out = append(out, s)
	}
	return out
}

// HandleTrustLevelChange is the scorer's threshold notifier: re-evaluate the
// device's policy as soon as its score crosses a band boundary, instead of
// waiting for the next sweep.
func (a *Adapter) HandleTrustLevelChange(deviceID string, old, new core.TrustLevel) {
	if _, err := a.AdaptPolicyForDevice(context.Background(), deviceID); err != nil {
		a.logger.Printf("Threshold re-evaluation failed for %s (%s -> %s): %v", deviceID, old, new, err)
	}
}
