// Package orchestrator runs the background sweeps that keep the fleet's
// trust state current: decoy intelligence, device attestation, policy
// reconciliation, and behavioral alerting. Each sweep is an independent
// ticker loop; a collaborator that is not wired at startup disables its loop
// rather than failing the process.
package orchestrator

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/zerofleet/backend/internal/anomaly"
	"github.com/zerofleet/backend/internal/attestation"
	"github.com/zerofleet/backend/internal/config"
	"github.com/zerofleet/backend/internal/core"
	"github.com/zerofleet/backend/internal/decoy"
	"github.com/zerofleet/backend/internal/events"
	"github.com/zerofleet/backend/internal/metrics"
	"github.com/zerofleet/backend/internal/policy"
	"github.com/zerofleet/backend/internal/registry"
	"github.com/zerofleet/backend/internal/stats"
	"github.com/zerofleet/backend/internal/threatintel"
	"github.com/zerofleet/backend/internal/trust"
)

// dedupRetention bounds how long processed anomaly keys are remembered.
const dedupRetention = 10 * time.Minute

// Deps carries the orchestrator's collaborators. Registry, Scorer, Detector,
// Adapter and Intel are required; Decoy, Attestor, StatsSource and Emitter
// are optional — a nil optional disables the sweep that needs it.
type Deps struct {
	Registry    *registry.Store
	Scorer      *trust.Scorer
	Detector    *anomaly.Detector
	Adapter     *policy.Adapter
	Intel       *threatintel.Intel
	Decoy       decoy.Decoy
	Attestor    attestation.Attestor
	StatsSource stats.Source
	Emitter     events.EventEmitter
	Metrics     *metrics.Metrics
}

// Orchestrator owns the four sweep loops.
type Orchestrator struct {
	deps Deps
	cfg  config.SweepsConfig
	tail int

	seenMu sync.Mutex
	seen   map[string]time.Time // anomaly dedup keys -> first seen

	wg     sync.WaitGroup
	cancel context.CancelFunc
	logger *log.Logger
}

// New creates the orchestrator. Sweep intervals come from cfg; logTail is how
// many decoy log lines each decoy sweep reads.
func New(deps Deps, cfg config.SweepsConfig, logTail int) *Orchestrator {
	if logTail == 0 {
		logTail = 50
	}
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		tail:   logTail,
		seen:   make(map[string]time.Time),
		logger: log.New(log.Writer(), "[ORCH] ", log.LstdFlags),
	}
}

// Start launches the enabled sweep loops. Loops run until Stop.
func (o *Orchestrator) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	o.cancel = cancel

	if o.deps.Decoy != nil {
		o.startLoop(ctx, "decoy", o.cfg.DecoySeconds, o.DecoySweepTick)
	} else {
		o.logger.Printf("No decoy wired; decoy sweep disabled")
	}

	if o.deps.Attestor != nil {
		o.startLoop(ctx, "attestation", o.cfg.AttestationSeconds, o.AttestationSweepTick)
	} else {
		o.logger.Printf("No attestor wired; attestation sweep disabled")
	}

	o.startLoop(ctx, "policy", o.cfg.PolicySeconds, o.PolicySweepTick)

	if o.deps.StatsSource != nil {
		o.startLoop(ctx, "alert", o.cfg.AlertSeconds, o.AlertSweepTick)
	} else {
		o.logger.Printf("No stats source wired; alert sweep disabled")
	}
}

// Stop cancels all loops and waits for them to drain.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

func (o *Orchestrator) startLoop(ctx context.Context, name string, intervalSeconds int, tick func(context.Context)) {
	interval := time.Duration(intervalSeconds) * time.Second
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		o.logger.Printf("%s sweep started (every %s)", name, interval)
		for {
			select {
			case <-ctx.Done():
				o.logger.Printf("%s sweep stopped", name)
				return
			case <-ticker.C:
				start := time.Now()
				tick(ctx)
				if o.deps.Metrics != nil {
					o.deps.Metrics.RecordSweep(name, time.Since(start).Seconds())
				}
			}
		}
	}()
}

// DecoySweepTick pulls the decoy's interaction log, feeds it through threat
// intelligence, and escalates threats whose source resolves to a fleet
// device. Identifier blocking happens inside Intel; this tick only handles
// the fleet-device override path.
func (o *Orchestrator) DecoySweepTick(ctx context.Context) {
	if !o.deps.Decoy.IsRunning(ctx) {
		o.logger.Printf("Decoy not running; skipping sweep")
		return
	}

	logs, err := o.deps.Decoy.GetLogs(ctx, o.tail)
	if err != nil {
		o.logger.Printf("Decoy log fetch failed: %v", err)
		o.sweepError("decoy")
		return
	}

	threats := o.deps.Intel.ProcessInteractionLog(logs)
	for _, t := range threats {
		if o.deps.Metrics != nil {
			o.deps.Metrics.RecordThreat(string(t.Severity))
		}
		if t.Severity == core.SeverityLow || t.SourceIP == "" {
			continue
		}

		deviceID, err := o.deps.Registry.GetDeviceIDByAddress(t.SourceIP)
		if err != nil {
			continue // external attacker, handled by the block list
		}
		if _, err := o.deps.Adapter.OrchestratePolicy(ctx, deviceID, t.EventType, t.Severity); err != nil {
			o.logger.Printf("Override for %s failed: %v", deviceID, err)
			o.sweepError("decoy")
		}
	}

	if o.deps.Metrics != nil {
		o.deps.Metrics.BlockedIdentifiers.Set(float64(len(o.deps.Intel.GetBlockedIdentifiers())))
	}
}

// AttestationSweepTick re-attests every non-revoked device. A failed
// attestation lowers the device's trust score; an errored one is logged and
// the sweep moves on.
func (o *Orchestrator) AttestationSweepTick(ctx context.Context) {
	for _, dev := range o.deps.Registry.ListDevices() {
		if dev.Status == core.StatusRevoked {
			continue
		}

		result, err := o.deps.Attestor.PerformAttestation(ctx, dev.ID)
		if err != nil {
			o.logger.Printf("Attestation error for %s: %v", dev.ID, err)
			o.sweepError("attestation")
			continue
		}
		if result.Passed {
			continue
		}

		if _, err := o.deps.Scorer.RecordAttestationFailure(dev.ID); err != nil {
			o.logger.Printf("Score adjustment for %s failed: %v", dev.ID, err)
			o.sweepError("attestation")
			continue
		}
		o.emit(events.TypeAttestationFailed, "/sweep/attestation", dev.ID, map[string]interface{}{
			"checks": result.Checks,
		})
	}
}

// PolicySweepTick reconciles every device's policy with its current trust
// level. Adaptation is idempotent, so the common case touches nothing.
func (o *Orchestrator) PolicySweepTick(ctx context.Context) {
	for _, dev := range o.deps.Registry.ListDevices() {
		if _, err := o.deps.Adapter.AdaptPolicyForDevice(ctx, dev.ID); err != nil {
			if errors.Is(err, core.ErrBackendUnavailable) {
				o.logger.Printf("Enforcement unavailable for %s; retrying next sweep", dev.ID)
			} else {
				o.logger.Printf("Policy adaptation for %s failed: %v", dev.ID, err)
			}
			o.sweepError("policy")
		}
	}
}

// AlertSweepTick runs the detector over each tracked device's latest traffic
// window. Each anomaly event is consumed exactly once: verdicts are
// deduplicated by (device, timestamp, type). A clean window on a device with
// an installed baseline earns a positive adjustment.
func (o *Orchestrator) AlertSweepTick(ctx context.Context) {
	window := time.Duration(o.cfg.AlertSeconds) * time.Second

	for _, deviceID := range o.deps.StatsSource.TrackedDevices() {
		live, ok := o.deps.StatsSource.DeviceStats(deviceID, window)
		if !ok {
			continue
		}
		if _, err := o.deps.Registry.GetDevice(deviceID); err != nil {
			continue // stats for an unknown device are producer noise
		}

		event := o.deps.Detector.DetectAnomalies(deviceID, live)
		if !event.IsAnomaly() {
			if o.deps.Detector.HasBaseline(deviceID) {
				if _, err := o.deps.Scorer.RecordPositiveBehavior(deviceID, "clean traffic window"); err != nil {
					o.logger.Printf("Positive adjustment for %s failed: %v", deviceID, err)
				}
			}
			continue
		}

		if !o.markProcessed(event) {
			continue
		}

		if _, err := o.deps.Scorer.RecordBehavioralAnomaly(deviceID, event.Severity); err != nil {
			o.logger.Printf("Anomaly adjustment for %s failed: %v", deviceID, err)
			o.sweepError("alert")
			continue
		}
		if o.deps.Metrics != nil {
			o.deps.Metrics.RecordAnomaly(string(event.Type), string(event.Severity))
		}
		o.emit(events.TypeAnomalyDetected, "/sweep/alert", deviceID, map[string]interface{}{
			"type":     event.Type,
			"severity": event.Severity,
			"triggers": event.Triggers,
		})
	}
}

// markProcessed returns true exactly once per anomaly event identity.
func (o *Orchestrator) markProcessed(event core.AnomalyEvent) bool {
	key := event.DedupKey()
	now := time.Now()

	o.seenMu.Lock()
	defer o.seenMu.Unlock()

	if _, done := o.seen[key]; done {
		return false
	}
	o.seen[key] = now

	for k, at := range o.seen {
		if now.Sub(at) > dedupRetention {
			delete(o.seen, k)
		}
	}
	return true
}

func (o *Orchestrator) emit(eventType, source, subject string, data map[string]interface{}) {
	if o.deps.Emitter != nil {
		o.deps.Emitter.Emit(eventType, source, subject, data)
	}
}

func (o *Orchestrator) sweepError(worker string) {
	if o.deps.Metrics != nil {
		o.deps.Metrics.RecordSweepError(worker)
	}
}
