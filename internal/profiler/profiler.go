// Package profiler collects a bounded-duration traffic sample for each newly
// admitted device and reduces it to a behavioral baseline. Recording traffic
// is cheap and safe to call from any producer; packets for a device with no
// open window are dropped.
package profiler

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/zerofleet/backend/internal/core"
)

// PacketInfo is one observed packet during profiling.
type PacketInfo struct {
	Size        int
	Destination string
	Port        int
	Protocol    int
}

// Status reports a device's profiling progress.
type Status struct {
	State       string        `json:"state"` // "profiling", "complete", "not_profiling"
	Elapsed     time.Duration `json:"elapsed"`
	Remaining   time.Duration `json:"remaining"`
	PacketCount int           `json:"packet_count"`
	ByteCount   int64         `json:"byte_count"`
}

type session struct {
	mu        sync.Mutex
	startedAt time.Time
	packets   []PacketInfo
	byteCount int64
}

// Profiler accumulates per-device traffic samples over a fixed window.
type Profiler struct {
	mu       sync.RWMutex
	sessions map[string]*session

	window time.Duration
	topN   int
	logger *log.Logger
}

// New creates a profiler. window defaults to 300s, topN to 10.
func New(window time.Duration, topN int) *Profiler {
	if window == 0 {
		window = 300 * time.Second
	}
	if topN == 0 {
		topN = 10
	}
	return &Profiler{
		sessions: make(map[string]*session),
		window:   window,
		topN:     topN,
		logger:   log.New(log.Writer(), "[PROFILER] ", log.LstdFlags),
	}
}

// StartProfiling opens the accumulation window for a device. Starting an
// already open window resets it.
func (p *Profiler) StartProfiling(deviceID string) {
	p.mu.Lock()
	p.sessions[deviceID] = &session{startedAt: time.Now()}
	p.mu.Unlock()
	p.logger.Printf("Profiling started for %s (window %s)", deviceID, p.window)
}

// RecordTraffic accumulates one packet sample. Packets for a device with no
// open window are dropped silently — producers don't track profiling state.
func (p *Profiler) RecordTraffic(deviceID string, pkt PacketInfo) {
	p.mu.RLock()
	sess, ok := p.sessions[deviceID]
	p.mu.RUnlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	sess.packets = append(sess.packets, pkt)
	sess.byteCount += int64(pkt.Size)
	sess.mu.Unlock()
}

// FinishProfiling reduces the accumulated samples into a Baseline and
// discards the raw samples. A window with zero packets still produces a
// zero-valued baseline — a silent device is itself useful signal. Finishing
// a device that never started is an InvalidState error.
func (p *Profiler) FinishProfiling(deviceID string) (core.Baseline, error) {
	p.mu.Lock()
	sess, ok := p.sessions[deviceID]
	if ok {
		delete(p.sessions, deviceID)
	}
	p.mu.Unlock()

	if !ok {
		return core.Baseline{}, fmt.Errorf("no profiling window for %s: %w", deviceID, core.ErrInvalidState)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	elapsed := time.Since(sess.startedAt)
	if elapsed > p.window {
		elapsed = p.window
	}
	secs := elapsed.Seconds()

	baseline := core.Baseline{
		DeviceID:           deviceID,
		PacketCount:        int64(len(sess.packets)),
		CommonDestinations: make(map[string]int),
		CommonPorts:        make(map[int]int),
		EstablishedAt:      time.Now(),
	}
	if secs > 0 {
		baseline.PacketsPerSecond = float64(len(sess.packets)) / secs
		baseline.BytesPerSecond = float64(sess.byteCount) / secs
	}

	destFreq := make(map[string]int)
	portFreq := make(map[int]int)
	for _, pkt := range sess.packets {
		if pkt.Destination != "" {
			destFreq[pkt.Destination]++
		}
		if pkt.Port != 0 {
			portFreq[pkt.Port]++
		}
	}
	baseline.CommonDestinations = topNStrings(destFreq, p.topN)
	baseline.CommonPorts = topNInts(portFreq, p.topN)

	p.logger.Printf("Profiling finished for %s: %d packets, %.2f pps, %.2f bps",
		deviceID, baseline.PacketCount, baseline.PacketsPerSecond, baseline.BytesPerSecond)
	return baseline, nil
}

// GetProfilingStatus reports elapsed/remaining time and running counters.
// A device with no open window reports "not_profiling" — the caller decides
// whether a stored baseline exists.
func (p *Profiler) GetProfilingStatus(deviceID string) Status {
	p.mu.RLock()
	sess, ok := p.sessions[deviceID]
	p.mu.RUnlock()
	if !ok {
		return Status{State: "not_profiling"}
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	elapsed := time.Since(sess.startedAt)
	remaining := p.window - elapsed
	state := "profiling"
	if remaining <= 0 {
		remaining = 0
		state = "complete" // window expired, awaiting FinishProfiling
	}
	return Status{
		State:       state,
		Elapsed:     elapsed,
		Remaining:   remaining,
		PacketCount: len(sess.packets),
		ByteCount:   sess.byteCount,
	}
}

// WindowExpired reports whether the device's window has run its full course.
func (p *Profiler) WindowExpired(deviceID string) bool {
	p.mu.RLock()
	sess, ok := p.sessions[deviceID]
	p.mu.RUnlock()
	if !ok {
		return false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return time.Since(sess.startedAt) >= p.window
}

func topNStrings(freq map[string]int, n int) map[string]int {
	type kv struct {
		k string
		v int
	}
	items := make([]kv, 0, len(freq))
	for k, v := range freq {
		items = append(items, kv{k, v})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].v != items[j].v {
			return items[i].v > items[j].v
		}
		return items[i].k < items[j].k
	})
	if len(items) > n {
		items = items[:n]
	}
	out := make(map[string]int, len(items))
	for _, it := range items {
		out[it.k] = it.v
	}
	return out
}

func topNInts(freq map[int]int, n int) map[int]int {
	type kv struct {
		k, v int
	}
	items := make([]kv, 0, len(freq))
	for k, v := range freq {
		items = append(items, kv{k, v})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].v != items[j].v {
			return items[i].v > items[j].v
		}
		return items[i].k < items[j].k
	})
	if len(items) > n {
		items = items[:n]
	}
	out := make(map[int]int, len(items))
	for _, it := range items {
		out[it.k] = it.v
	}
	return out
}
