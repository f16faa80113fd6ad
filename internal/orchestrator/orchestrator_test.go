package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerofleet/backend/internal/anomaly"
	"github.com/zerofleet/backend/internal/attestation"
	"github.com/zerofleet/backend/internal/config"
	"github.com/zerofleet/backend/internal/core"
	"github.com/zerofleet/backend/internal/decoy"
	"github.com/zerofleet/backend/internal/policy"
	"github.com/zerofleet/backend/internal/registry"
	"github.com/zerofleet/backend/internal/threatintel"
	"github.com/zerofleet/backend/internal/trust"
)

// fixedSource serves one canned stats window per device.
type fixedSource struct {
	stats map[string]anomaly.LiveStats
}

func (f *fixedSource) DeviceStats(deviceID string, window time.Duration) (anomaly.LiveStats, bool) {
	s, ok := f.stats[deviceID]
	return s, ok
}

func (f *fixedSource) TrackedDevices() []string {
	out := make([]string, 0, len(f.stats))
	for id := range f.stats {
		out = append(out, id)
	}
	return out
}

// fixedAttestor returns a canned pass/fail per device.
type fixedAttestor struct {
	passed map[string]bool
	calls  int
}

func (f *fixedAttestor) PerformAttestation(ctx context.Context, deviceID string) (attestation.Result, error) {
	f.calls++
	return attestation.Result{DeviceID: deviceID, Passed: f.passed[deviceID], CheckedAt: time.Now()}, nil
}

type fixture struct {
	orch    *Orchestrator
	reg     *registry.Store
	scorer  *trust.Scorer
	adapter *policy.Adapter
	intel   *threatintel.Intel
	deps    *Deps
}

func newFixture(t *testing.T, mutate func(*Deps)) *fixture {
	t.Helper()
	cfg := config.Default()

	reg := registry.NewStore(nil)
	scorer := trust.NewScorer(cfg.Trust, nil)
	detector := anomaly.NewDetector(cfg.Anomaly)
	adapter := policy.NewAdapter(scorer, reg, policy.NewLogEnforcer(), cfg.Enforcement)
	intel := threatintel.New(cfg.Enforcement.BlockPriority, nil)

	deps := Deps{
		Registry: reg,
		Scorer:   scorer,
		Detector: detector,
		Adapter:  adapter,
		Intel:    intel,
	}
	if mutate != nil {
		mutate(&deps)
	}

	return &fixture{
		orch:    New(deps, cfg.Sweeps, cfg.Decoy.LogTail),
		reg:     reg,
		scorer:  scorer,
		adapter: adapter,
		intel:   intel,
		deps:    &deps,
	}
}

func onboard(t *testing.T, f *fixture, id, addr string) {
	t.Helper()
	require.NoError(t, f.reg.Register(core.Device{ID: id, Address: addr}))
	f.scorer.Initialize(id)
}

func TestPolicySweepConvergesAllDevices(t *testing.T) {
	f := newFixture(t, nil)
	onboard(t, f, "dev-1", "aa:bb:cc:dd:ee:01")
	onboard(t, f, "dev-2", "aa:bb:cc:dd:ee:02")
	f.scorer.Adjust("dev-2", -60, "incident") // 10 -> untrusted

	f.orch.PolicySweepTick(context.Background())

	p1, err := f.adapter.GetPolicy("dev-1")
	require.NoError(t, err)
	assert.Equal(t, core.ActionAllow, p1.Action)

	p2, err := f.adapter.GetPolicy("dev-2")
	require.NoError(t, err)
	assert.Equal(t, core.ActionQuarantine, p2.Action)
}

func TestAlertSweepScoresAnomalyOnce(t *testing.T) {
	windowEnd := time.Now()
	source := &fixedSource{stats: map[string]anomaly.LiveStats{
		"dev-1": {DeviceID: "dev-1", WindowEnd: windowEnd, PacketsPerSecond: 600, BytesPerSecond: 1000},
	}}
	f := newFixture(t, func(d *Deps) { d.StatsSource = source })
	onboard(t, f, "dev-1", "aa:bb:cc:dd:ee:01")
	f.deps.Detector.SetBaseline("dev-1", core.Baseline{
		DeviceID:           "dev-1",
		PacketsPerSecond:   10,
		BytesPerSecond:     1000,
		CommonDestinations: map[string]int{"10.0.0.1": 1},
		CommonPorts:        map[int]int{443: 1},
	})

	f.orch.AlertSweepTick(context.Background())
	score1, _ := f.scorer.GetTrustScore("dev-1")
	assert.Less(t, score1, 70, "anomaly lowered the score")

	// The same window produces an identical verdict identity on the next
	// sweep; dedup must swallow it.
	f.orch.AlertSweepTick(context.Background())
	score2, _ := f.scorer.GetTrustScore("dev-1")
	assert.Equal(t, score1, score2)
}

func TestAlertSweepRewardsCleanWindow(t *testing.T) {
	source := &fixedSource{stats: map[string]anomaly.LiveStats{
		"dev-1": {DeviceID: "dev-1", PacketsPerSecond: 10, BytesPerSecond: 1000},
	}}
	f := newFixture(t, func(d *Deps) { d.StatsSource = source })
	onboard(t, f, "dev-1", "aa:bb:cc:dd:ee:01")
	f.deps.Detector.SetBaseline("dev-1", core.Baseline{
		DeviceID:         "dev-1",
		PacketsPerSecond: 10,
		BytesPerSecond:   1000,
	})
	f.scorer.Adjust("dev-1", -20, "earlier incident") // 50

	f.orch.AlertSweepTick(context.Background())

	score, _ := f.scorer.GetTrustScore("dev-1")
	assert.Equal(t, 55, score, "clean window recovers trust")
}

func TestAlertSweepSkipsDevicesWithoutBaseline(t *testing.T) {
	source := &fixedSource{stats: map[string]anomaly.LiveStats{
		"dev-1": {DeviceID: "dev-1", PacketsPerSecond: 1e6},
	}}
	f := newFixture(t, func(d *Deps) { d.StatsSource = source })
	onboard(t, f, "dev-1", "aa:bb:cc:dd:ee:01")

	f.orch.AlertSweepTick(context.Background())

	// No baseline: no verdict and no positive reward either.
	score, _ := f.scorer.GetTrustScore("dev-1")
	assert.Equal(t, 70, score)
}

func TestAttestationSweepPenalizesFailures(t *testing.T) {
	att := &fixedAttestor{passed: map[string]bool{"dev-1": true, "dev-2": false}}
	f := newFixture(t, func(d *Deps) { d.Attestor = att })
	onboard(t, f, "dev-1", "aa:bb:cc:dd:ee:01")
	onboard(t, f, "dev-2", "aa:bb:cc:dd:ee:02")
	onboard(t, f, "dev-3", "aa:bb:cc:dd:ee:03")
	require.NoError(t, f.reg.UpdateStatus("dev-3", core.StatusRevoked))

	f.orch.AttestationSweepTick(context.Background())

	score1, _ := f.scorer.GetTrustScore("dev-1")
	assert.Equal(t, 70, score1)

	score2, _ := f.scorer.GetTrustScore("dev-2")
	assert.Equal(t, 45, score2, "attestation failure costs 25")

	// Revoked devices are not attested at all.
	assert.Equal(t, 2, att.calls)
}

func TestDecoySweepBlocksAttackersAndOverridesFleetDevices(t *testing.T) {
	dec := decoy.NewStaticDecoy()
	dec.Append(`{"eventid":"cowrie.login.success","src_ip":"203.0.113.50"}`)
	dec.Append(`{"eventid":"cowrie.login.success","src_ip":"aa:bb:cc:dd:ee:01"}`)

	f := newFixture(t, func(d *Deps) { d.Decoy = dec })
	onboard(t, f, "dev-1", "aa:bb:cc:dd:ee:01")

	f.orch.DecoySweepTick(context.Background())

	// The external attacker lands on the block list.
	assert.True(t, f.intel.IsBlocked("203.0.113.50"))

	// The compromised fleet device gets an override quarantine.
	state, err := f.adapter.GetPolicy("dev-1")
	require.NoError(t, err)
	assert.Equal(t, core.ActionQuarantine, state.Action)
	assert.Equal(t, core.SourceOverride, state.Source)
}

func TestDecoySweepSkipsWhenDecoyDown(t *testing.T) {
	dec := decoy.NewStaticDecoy()
	dec.Append(`{"eventid":"cowrie.login.success","src_ip":"203.0.113.50"}`)
	dec.SetRunning(false)

	f := newFixture(t, func(d *Deps) { d.Decoy = dec })

	f.orch.DecoySweepTick(context.Background())
	assert.False(t, f.intel.IsBlocked("203.0.113.50"))
}

func TestStartStopWithMissingCollaborators(t *testing.T) {
	// No decoy, attestor or stats source: only the policy loop runs, and
	// startup/shutdown still work.
	f := newFixture(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.orch.Start(ctx)
	f.orch.Stop()
}

func TestMarkProcessedDedup(t *testing.T) {
	f := newFixture(t, nil)

	event := core.AnomalyEvent{
		DeviceID:  "dev-1",
		Timestamp: time.Now(),
		Type:      core.AnomalyDoS,
	}
	assert.True(t, f.orch.markProcessed(event))
	assert.False(t, f.orch.markProcessed(event))

	// A different type at the same instant is a distinct identity.
	event.Type = core.AnomalyScan
	assert.True(t, f.orch.markProcessed(event))
}
