// Package threatintel turns decoy-interaction logs into block decisions.
// It is agnostic to the decoy's own protocol: it consumes raw log text,
// extracts threat descriptors, and blocks offending network identifiers.
package threatintel

import (
	"log"
	"sync"
	"time"

	"github.com/zerofleet/backend/internal/core"
)

// Threat is one extracted interaction record.
type Threat struct {
	SourceIP  string        `json:"source_ip"`
	EventType string        `json:"event_type"`
	Command   string        `json:"command,omitempty"`
	Message   string        `json:"message,omitempty"`
	Severity  core.Severity `json:"severity"`
	Timestamp time.Time     `json:"timestamp"`
}

// Statistics aggregates what the intel component has seen.
type Statistics struct {
	TotalThreats    int            `json:"total_threats"`
	ThreatsByType   map[string]int `json:"threats_by_type"`
	BlockedCount    int            `json:"blocked_count"`
	MitigationRules int            `json:"mitigation_rules"`
}

// MitigationSink receives the rule descriptor produced for every newly
// blocked identifier. nil is valid — descriptors are still queryable.
type MitigationSink func(rule core.MitigationRule)

// Intel manages the block list and mitigation descriptors.
type Intel struct {
	mu          sync.Mutex
	blocked     map[string]core.BlockEntry
	mitigations map[string]core.MitigationRule // identifier -> rule (one per identifier)
	byType      map[string]int
	total       int

	blockPriority int
	sink          MitigationSink
	logger        *log.Logger
}

// New creates a threat intelligence component. blockPriority is the priority
// attached to generated mitigation rules (default 200).
func New(blockPriority int, sink MitigationSink) *Intel {
	if blockPriority == 0 {
		blockPriority = 200
	}
	return &Intel{
		blocked:       make(map[string]core.BlockEntry),
		mitigations:   make(map[string]core.MitigationRule),
		byType:        make(map[string]int),
		blockPriority: blockPriority,
		sink:          sink,
		logger:        log.New(log.Writer(), "[THREATINTEL] ", log.LstdFlags),
	}
}

// ProcessInteractionLog parses a batch of decoy-interaction records,
// classifies each threat's severity, and blocks high-severity sources.
// Malformed records are skipped; the batch never aborts.
func (ti *Intel) ProcessInteractionLog(logContent string) []Threat {
	threats := parseLog(logContent)

	for i := range threats {
		threats[i].Severity = classify(threats[i])

		ti.mu.Lock()
		ti.total++
		ti.byType[threats[i].EventType]++
		ti.mu.Unlock()

		if threats[i].Severity == core.SeverityHigh && threats[i].SourceIP != "" {
			ti.BlockIdentifier(threats[i].SourceIP, "high severity threat: "+threats[i].EventType)
		}
	}
	return threats
}

// BlockIdentifier records a BlockEntry and emits a mitigation rule
// descriptor. Blocking the same identifier twice updates the reason but is
// otherwise idempotent: one entry, one rule.
func (ti *Intel) BlockIdentifier(id, reason string) {
	ti.mu.Lock()

	if existing, ok := ti.blocked[id]; ok {
		existing.Reason = reason
		ti.blocked[id] = existing
		if rule, ok := ti.mitigations[id]; ok {
			rule.Reason = reason
			ti.mitigations[id] = rule
		}
		ti.mu.Unlock()
		return
	}

	now := time.Now()
	ti.blocked[id] = core.BlockEntry{Identifier: id, Reason: reason, BlockedAt: now}
	rule := core.MitigationRule{
		Action:      core.ActionDeny,
		Match:       map[string]string{"src": id},
		Priority:    ti.blockPriority,
		Reason:      reason,
		GeneratedAt: now,
	}
	ti.mitigations[id] = rule
	sink := ti.sink
	ti.mu.Unlock()

	ti.logger.Printf("Blocked %s: %s", id, reason)
	if sink != nil {
		sink(rule)
	}
}

// IsBlocked reports whether an identifier is on the block list.
func (ti *Intel) IsBlocked(id string) bool {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	_, ok := ti.blocked[id]
	return ok
}

// GetBlockedIdentifiers returns the current block list.
func (ti *Intel) GetBlockedIdentifiers() []core.BlockEntry {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	out := make([]core.BlockEntry, 0, len(ti.blocked))
	for _, e := range ti.blocked {
		out = append(out, e)
	}
	return out
}

// GetMitigationRules returns the generated rule descriptors.
func (ti *Intel) GetMitigationRules() []core.MitigationRule {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	out := make([]core.MitigationRule, 0, len(ti.mitigations))
	for _, r := range ti.mitigations {
		out = append(out, r)
	}
	return out
}

// GetStatistics aggregates counts of threats seen plus block-list size.
func (ti *Intel) GetStatistics() Statistics {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	byType := make(map[string]int, len(ti.byType))
	for k, v := range ti.byType {
		byType[k] = v
	}
	return Statistics{
		TotalThreats:    ti.total,
		ThreatsByType:   byType,
		BlockedCount:    len(ti.blocked),
		MitigationRules: len(ti.mitigations),
	}
}
