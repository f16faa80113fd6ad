package trust

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerofleet/backend/internal/config"
	"github.com/zerofleet/backend/internal/core"
)

func testScorer() *Scorer {
	return NewScorer(config.Default().Trust, nil)
}

func TestInitializeIsIdempotent(t *testing.T) {
	s := testScorer()
	s.Initialize("dev-1")

	_, err := s.Adjust("dev-1", -20, "test")
	require.NoError(t, err)

	// Re-initializing must not reset the score.
	s.Initialize("dev-1")
	score, err := s.GetTrustScore("dev-1")
	require.NoError(t, err)
	assert.Equal(t, 50, score)
}

func TestAdjustUnknownDeviceIsNotFound(t *testing.T) {
	s := testScorer()

	_, err := s.Adjust("ghost", 5, "test")
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestScoreClampsAtBounds(t *testing.T) {
	s := testScorer()
	s.Initialize("dev-1")

	// Push far past the ceiling.
	for i := 0; i < 20; i++ {
		_, err := s.RecordPositiveBehavior("dev-1", "good")
		require.NoError(t, err)
	}
	score, _ := s.GetTrustScore("dev-1")
	assert.Equal(t, MaxScore, score)

	// Push far past the floor.
	for i := 0; i < 10; i++ {
		_, err := s.RecordSecurityAlert("dev-1", "intrusion", core.SeverityHigh)
		require.NoError(t, err)
	}
	score, _ = s.GetTrustScore("dev-1")
	assert.Equal(t, MinScore, score)
}

func TestTrustLevelBands(t *testing.T) {
	s := testScorer()

	assert.Equal(t, core.LevelTrusted, s.LevelFor(100))
	assert.Equal(t, core.LevelTrusted, s.LevelFor(70))
	assert.Equal(t, core.LevelNormal, s.LevelFor(69))
	assert.Equal(t, core.LevelNormal, s.LevelFor(50))
	assert.Equal(t, core.LevelSuspicious, s.LevelFor(49))
	assert.Equal(t, core.LevelSuspicious, s.LevelFor(30))
	assert.Equal(t, core.LevelUntrusted, s.LevelFor(29))
	assert.Equal(t, core.LevelUntrusted, s.LevelFor(0))
}

func TestEscalationScenario(t *testing.T) {
	s := testScorer()
	s.Initialize("dev-1")

	// Fresh device starts trusted.
	level, err := s.GetTrustLevel("dev-1")
	require.NoError(t, err)
	assert.Equal(t, core.LevelTrusted, level)

	// High-severity anomaly: 70 - 30 = 40 -> suspicious.
	score, err := s.RecordBehavioralAnomaly("dev-1", core.SeverityHigh)
	require.NoError(t, err)
	assert.Equal(t, 40, score)
	level, _ = s.GetTrustLevel("dev-1")
	assert.Equal(t, core.LevelSuspicious, level)

	// High-severity alert: 40 - 40 = 0 -> untrusted.
	score, err = s.RecordSecurityAlert("dev-1", "honeypot login", core.SeverityHigh)
	require.NoError(t, err)
	assert.Equal(t, 0, score)
	level, _ = s.GetTrustLevel("dev-1")
	assert.Equal(t, core.LevelUntrusted, level)
}

func TestConcurrentAdjustmentsLoseNoUpdates(t *testing.T) {
	s := testScorer()
	s.Initialize("dev-1")

	// 30 decrements of 2 from 70 must land exactly at 10. The range stays
	// inside the clamp bounds so a lost update would show in the total.
	const workers = 30
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Adjust("dev-1", -2, "concurrent")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	score, err := s.GetTrustScore("dev-1")
	require.NoError(t, err)
	assert.Equal(t, 70-workers*2, score)

	history, err := s.GetHistory("dev-1")
	require.NoError(t, err)
	assert.Len(t, history, workers)
}

func TestHistoryIsBounded(t *testing.T) {
	cfg := config.Default().Trust
	cfg.HistoryLimit = 10
	s := NewScorer(cfg, nil)
	s.Initialize("dev-1")

	for i := 0; i < 25; i++ {
		_, err := s.Adjust("dev-1", 0, "noop")
		require.NoError(t, err)
	}

	history, err := s.GetHistory("dev-1")
	require.NoError(t, err)
	assert.Len(t, history, 10)
}

func TestScoreFactorsTrackOrigins(t *testing.T) {
	s := testScorer()
	s.Initialize("dev-1")

	s.RecordPositiveBehavior("dev-1", "clean window")
	s.RecordPositiveBehavior("dev-1", "clean window")
	s.RecordBehavioralAnomaly("dev-1", core.SeverityLow)
	s.RecordSecurityAlert("dev-1", "alert", core.SeverityLow)
	s.RecordAttestationFailure("dev-1")

	factors, err := s.GetScoreFactors("dev-1")
	require.NoError(t, err)
	assert.Equal(t, 2, factors.Positive)
	assert.Equal(t, 1, factors.Behavioral)
	assert.Equal(t, 1, factors.Alerts)
	assert.Equal(t, 1, factors.Attestation)
}

func TestThresholdNotifierFiresOnBandCrossing(t *testing.T) {
	s := testScorer()
	s.Initialize("dev-1")

	type transition struct{ old, new core.TrustLevel }
	var mu sync.Mutex
	var seen []transition
	s.SetThresholdNotifier(func(deviceID string, old, new core.TrustLevel) {
		mu.Lock()
		seen = append(seen, transition{old, new})
		mu.Unlock()
	})

	// Inside the trusted band: no notification.
	s.Adjust("dev-1", 10, "still trusted")
	mu.Lock()
	assert.Empty(t, seen)
	mu.Unlock()

	// 80 -> 40 crosses trusted -> suspicious.
	s.Adjust("dev-1", -40, "incident")
	mu.Lock()
	require.Len(t, seen, 1)
	assert.Equal(t, core.LevelTrusted, seen[0].old)
	assert.Equal(t, core.LevelSuspicious, seen[0].new)
	mu.Unlock()
}

func TestNotifierMayReadScoreWithoutDeadlock(t *testing.T) {
	s := testScorer()
	s.Initialize("dev-1")

	// The policy adapter re-reads the score from inside the notifier; the
	// scorer must have released the record lock by then.
	done := make(chan struct{})
	s.SetThresholdNotifier(func(deviceID string, old, new core.TrustLevel) {
		_, err := s.GetTrustScore(deviceID)
		assert.NoError(t, err)
		close(done)
	})

	s.Adjust("dev-1", -40, "incident")
	<-done
}
