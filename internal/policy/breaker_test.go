package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerofleet/backend/internal/core"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &fakeEnforcer{}
	inner.setFail(true)
	b := NewBreakerEnforcer(inner, 3, time.Hour)
	ctx := context.Background()

	// First three failures pass through to the enforcer.
	for i := 0; i < 3; i++ {
		err := b.InstallAction(ctx, "dev-1", core.ActionDeny, nil, 100)
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrCircuitOpen))
	}

	// Circuit is open: fail fast, classified as a transient backend failure.
	err := b.InstallAction(ctx, "dev-1", core.ActionDeny, nil, 100)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.True(t, errors.Is(err, core.ErrBackendUnavailable))
}

func TestBreakerRecoversAfterCooldown(t *testing.T) {
	inner := &fakeEnforcer{}
	inner.setFail(true)
	b := NewBreakerEnforcer(inner, 2, time.Millisecond)
	ctx := context.Background()

	b.InstallAction(ctx, "dev-1", core.ActionDeny, nil, 100)
	b.InstallAction(ctx, "dev-1", core.ActionDeny, nil, 100)

	// Wait out the cooldown; the probe succeeds and closes the circuit.
	time.Sleep(5 * time.Millisecond)
	inner.setFail(false)
	require.NoError(t, b.InstallAction(ctx, "dev-1", core.ActionDeny, nil, 100))

	// Fully closed again.
	require.NoError(t, b.InstallAction(ctx, "dev-1", core.ActionAllow, nil, 100))
	assert.Equal(t, 2, inner.installCount())
}

func TestBreakerSuccessResetsCounter(t *testing.T) {
	inner := &fakeEnforcer{}
	b := NewBreakerEnforcer(inner, 2, time.Hour)
	ctx := context.Background()

	// fail, success, fail: never two consecutive, circuit stays closed.
	inner.setFail(true)
	b.InstallAction(ctx, "dev-1", core.ActionDeny, nil, 100)
	inner.setFail(false)
	require.NoError(t, b.InstallAction(ctx, "dev-1", core.ActionDeny, nil, 100))
	inner.setFail(true)
	err := b.InstallAction(ctx, "dev-1", core.ActionDeny, nil, 100)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrCircuitOpen))
}
