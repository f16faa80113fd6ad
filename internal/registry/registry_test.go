package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerofleet/backend/internal/core"
)

func TestRegisterAndGet(t *testing.T) {
	s := NewStore(nil)

	err := s.Register(core.Device{ID: "dev-1", Address: "aa:bb:cc:dd:ee:01", DeviceType: "camera"})
	require.NoError(t, err)

	dev, err := s.GetDevice("dev-1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusActive, dev.Status)
	assert.Equal(t, "camera", dev.DeviceType)
	assert.False(t, dev.OnboardedAt.IsZero())

	id, err := s.GetDeviceIDByAddress("aa:bb:cc:dd:ee:01")
	require.NoError(t, err)
	assert.Equal(t, "dev-1", id)
}

func TestDuplicateRegistrationIsInvalidState(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.Register(core.Device{ID: "dev-1", Address: "aa:bb:cc:dd:ee:01"}))

	err := s.Register(core.Device{ID: "dev-1", Address: "aa:bb:cc:dd:ee:99"})
	assert.True(t, errors.Is(err, core.ErrInvalidState))

	err = s.Register(core.Device{ID: "dev-2", Address: "aa:bb:cc:dd:ee:01"})
	assert.True(t, errors.Is(err, core.ErrInvalidState))
}

func TestUnknownLookupsAreNotFound(t *testing.T) {
	s := NewStore(nil)

	_, err := s.GetDevice("ghost")
	assert.True(t, errors.Is(err, core.ErrNotFound))

	_, err = s.GetDeviceIDByAddress("ff:ff:ff:ff:ff:ff")
	assert.True(t, errors.Is(err, core.ErrNotFound))

	err = s.UpdateStatus("ghost", core.StatusQuarantined)
	assert.True(t, errors.Is(err, core.ErrNotFound))

	_, err = s.GetBaseline("ghost")
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestRevocationIsSoft(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.Register(core.Device{ID: "dev-1", Address: "aa:bb:cc:dd:ee:01"}))

	require.NoError(t, s.UpdateStatus("dev-1", core.StatusRevoked))

	// The record survives revocation.
	dev, err := s.GetDevice("dev-1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusRevoked, dev.Status)
	assert.Len(t, s.ListDevices(), 1)
}

func TestBaselineRoundTrip(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.Register(core.Device{ID: "dev-1", Address: "aa:bb:cc:dd:ee:01"}))

	_, err := s.GetBaseline("dev-1")
	assert.True(t, errors.Is(err, core.ErrNotFound), "no baseline before profiling completes")

	baseline := core.Baseline{
		DeviceID:         "dev-1",
		PacketsPerSecond: 12.5,
		CommonPorts:      map[int]int{443: 10},
	}
	require.NoError(t, s.SetBaseline("dev-1", baseline))

	got, err := s.GetBaseline("dev-1")
	require.NoError(t, err)
	assert.Equal(t, 12.5, got.PacketsPerSecond)
	assert.Equal(t, 10, got.CommonPorts[443])
}

func TestConcurrentRegistrationAcrossShards(t *testing.T) {
	s := NewStore(nil)

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.Register(core.Device{
				ID:      fmt.Sprintf("dev-%03d", i),
				Address: fmt.Sprintf("aa:bb:cc:dd:%02x:%02x", i/256, i%256),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Len(t, s.ListDevices(), n)
}

func TestConcurrentStatusUpdatesOnOneDevice(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.Register(core.Device{ID: "dev-1", Address: "aa:bb:cc:dd:ee:01"}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := core.StatusActive
			if i%2 == 0 {
				status = core.StatusQuarantined
			}
			assert.NoError(t, s.UpdateStatus("dev-1", status))
			assert.NoError(t, s.UpdateLastSeen("dev-1"))
		}(i)
	}
	wg.Wait()

	// The final status is one of the two written values, never corrupt.
	dev, err := s.GetDevice("dev-1")
	require.NoError(t, err)
	assert.Contains(t, []core.DeviceStatus{core.StatusActive, core.StatusQuarantined}, dev.Status)
}
