// Package trust holds the bounded trust score for every device and derives
// the discrete trust level from it. All mutations to a device's record are
// atomic read-modify-writes behind a per-record lock: concurrent adjustments
// interleave but never lose an update.
package trust

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"sync"
	"time"

	"github.com/zerofleet/backend/internal/config"
	"github.com/zerofleet/backend/internal/core"
)

const (
	// Score bounds. Every adjustment clamps into this range.
	MinScore = 0
	MaxScore = 100
)

// AuditSink receives every committed score adjustment for durable audit.
// Failures are logged, never propagated — the in-memory record is the source
// of truth for decisions.
type AuditSink interface {
	Append(ctx context.Context, deviceID string, entry core.ScoreEntry, newScore int) error
}

// ThresholdNotifier is told whenever an adjustment moves a device across a
// trust-level boundary, so the policy adapter can re-evaluate before the
// score drifts further. Called synchronously after the adjustment commits.
type ThresholdNotifier func(deviceID string, old, new core.TrustLevel)

type record struct {
	mu      sync.Mutex
	score   int
	history []core.ScoreEntry

	// factor counters, for observability
	positive    int
	behavioral  int
	alerts      int
	attestation int
}

// Factors counts how many deltas of each origin contributed to the current
// score.
type Factors struct {
	Positive    int `json:"positive"`
	Behavioral  int `json:"behavioral"`
	Alerts      int `json:"alerts"`
	Attestation int `json:"attestation"`
}

// Scorer manages TrustRecords keyed by device id.
type Scorer struct {
	mu      sync.RWMutex
	records map[string]*record

	cfg      config.TrustConfig
	audit    AuditSink
	notify   ThresholdNotifier
	notifyMu sync.RWMutex

	logger *log.Logger
}

// NewScorer creates a scorer with the given band/delta configuration.
// audit may be nil.
func NewScorer(cfg config.TrustConfig, audit AuditSink) *Scorer {
	if cfg.InitialScore == 0 {
		cfg.InitialScore = 70
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = 100
	}
	return &Scorer{
		records: make(map[string]*record),
		cfg:     cfg,
		audit:   audit,
		logger:  log.New(log.Writer(), "[TRUST] ", log.LstdFlags),
	}
}

// SetThresholdNotifier registers the policy re-evaluation hook. Wired once
// at startup, after the policy adapter exists.
func (s *Scorer) SetThresholdNotifier(fn ThresholdNotifier) {
	s.notifyMu.Lock()
	s.notify = fn
	s.notifyMu.Unlock()
}

// Initialize creates a TrustRecord at the initial score if none exists.
// Re-initializing an existing record is a no-op.
func (s *Scorer) Initialize(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[deviceID]; ok {
		return
	}
	s.records[deviceID] = &record{score: s.cfg.InitialScore}
	s.logger.Printf("Initialized trust record for %s at %d", deviceID, s.cfg.InitialScore)
}

func (s *Scorer) get(deviceID string) (*record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[deviceID]
	if !ok {
		return nil, fmt.Errorf("trust record for %s: %w", deviceID, core.ErrNotFound)
	}
	return rec, nil
}

// factor tags an adjustment's origin for GetScoreFactors.
type factor int

const (
	factorNone factor = iota
	factorPositive
	factorBehavioral
	factorAlert
	factorAttestation
)

// Adjust applies a clamped delta and appends a history entry, atomically.
// Returns the new score. Unknown device ids fail with NotFound.
func (s *Scorer) Adjust(deviceID string, delta int, reason string) (int, error) {
	return s.adjust(deviceID, delta, reason, factorNone)
}

func (s *Scorer) adjust(deviceID string, delta int, reason string, f factor) (int, error) {
	rec, err := s.get(deviceID)
	if err != nil {
		return 0, err
	}

	rec.mu.Lock()
	oldScore := rec.score
	newScore := clamp(oldScore+delta, MinScore, MaxScore)
	entry := core.ScoreEntry{Delta: delta, Reason: reason, Timestamp: time.Now()}

	rec.score = newScore
	rec.history = append(rec.history, entry)
	if len(rec.history) > s.cfg.HistoryLimit {
		rec.history = rec.history[len(rec.history)-s.cfg.HistoryLimit:]
	}
	switch f {
	case factorPositive:
		rec.positive++
	case factorBehavioral:
		rec.behavioral++
	case factorAlert:
		rec.alerts++
	case factorAttestation:
		rec.attestation++
	}
	rec.mu.Unlock()

	if s.audit != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.audit.Append(ctx, deviceID, entry, newScore); err != nil {
			slog.Warn("trust audit append failed", "device_id", deviceID, "error", err)
		}
		cancel()
	}

	oldLevel := s.LevelFor(oldScore)
	newLevel := s.LevelFor(newScore)
	if oldLevel != newLevel {
		s.logger.Printf("%s: %d -> %d (%s -> %s): %s", deviceID, oldScore, newScore, oldLevel, newLevel, reason)
		s.notifyMu.RLock()
		notify := s.notify
		s.notifyMu.RUnlock()
		if notify != nil {
			notify(deviceID, oldLevel, newLevel)
		}
	}

	return newScore, nil
}

// RecordPositiveBehavior rewards consistent good behavior. Repeated positive
// events cannot push the score past the ceiling.
func (s *Scorer) RecordPositiveBehavior(deviceID, reason string) (int, error) {
	return s.adjust(deviceID, s.cfg.Deltas.Positive, reason, factorPositive)
}

// RecordBehavioralAnomaly lowers the score for a detected anomaly.
func (s *Scorer) RecordBehavioralAnomaly(deviceID string, severity core.Severity) (int, error) {
	var delta int
	switch severity {
	case core.SeverityHigh:
		delta = s.cfg.Deltas.AnomalyHigh
	case core.SeverityMedium:
		delta = s.cfg.Deltas.AnomalyMedium
	default:
		delta = s.cfg.Deltas.AnomalyLow
	}
	return s.adjust(deviceID, delta, fmt.Sprintf("behavioral anomaly (%s)", severity), factorBehavioral)
}

// RecordSecurityAlert lowers the score for an alert from an external source
// (analyst, threat intelligence).
func (s *Scorer) RecordSecurityAlert(deviceID, alertType string, severity core.Severity) (int, error) {
	var delta int
	switch severity {
	case core.SeverityHigh:
		delta = s.cfg.Deltas.AlertHigh
	case core.SeverityMedium:
		delta = s.cfg.Deltas.AlertMedium
	default:
		delta = s.cfg.Deltas.AlertLow
	}
	return s.adjust(deviceID, delta, fmt.Sprintf("security alert: %s (%s)", alertType, severity), factorAlert)
}

// RecordAttestationFailure lowers the score after a failed attestation sweep.
func (s *Scorer) RecordAttestationFailure(deviceID string) (int, error) {
	return s.adjust(deviceID, s.cfg.Deltas.AttestationFailure, "attestation failure", factorAttestation)
}

// GetTrustScore returns the current score.
func (s *Scorer) GetTrustScore(deviceID string) (int, error) {
	rec, err := s.get(deviceID)
	if err != nil {
		return 0, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.score, nil
}

// GetTrustLevel derives the discrete level from the current score.
func (s *Scorer) GetTrustLevel(deviceID string) (core.TrustLevel, error) {
	score, err := s.GetTrustScore(deviceID)
	if err != nil {
		return "", err
	}
	return s.LevelFor(score), nil
}

// LevelFor maps a score to its band.
func (s *Scorer) LevelFor(score int) core.TrustLevel {
	switch {
	case score >= s.cfg.Bands.Trusted:
		return core.LevelTrusted
	case score >= s.cfg.Bands.Normal:
		return core.LevelNormal
	case score >= s.cfg.Bands.Suspicious:
		return core.LevelSuspicious
	default:
		return core.LevelUntrusted
	}
}

// GetScoreFactors reports how many alert-derived vs. behavior-derived deltas
// contributed to the current score.
func (s *Scorer) GetScoreFactors(deviceID string) (Factors, error) {
	rec, err := s.get(deviceID)
	if err != nil {
		return Factors{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return Factors{
		Positive:    rec.positive,
		Behavioral:  rec.behavioral,
		Alerts:      rec.alerts,
		Attestation: rec.attestation,
	}, nil
}

// GetHistory returns a copy of the bounded adjustment history.
func (s *Scorer) GetHistory(deviceID string) ([]core.ScoreEntry, error) {
	rec, err := s.get(deviceID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	out := make([]core.ScoreEntry, len(rec.history))
	copy(out, rec.history)
	return out, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
