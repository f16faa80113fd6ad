// Redis-backed persistence for the device registry. In a multi-instance
// deployment each engine process keeps its own in-memory table; Redis makes
// onboarded devices and baselines survive restarts and lets a standby
// instance pick up the fleet.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/zerofleet/backend/internal/core"
)

// RedisClient is a minimal interface that any Redis library can satisfy.
// The registry doesn't import a specific driver — cmd/server creates the
// concrete client and injects it.
type RedisClient interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
}

// RedisPersister implements Persister on top of a Redis key space.
type RedisPersister struct {
	client    RedisClient
	keyPrefix string // e.g. "fleet:" to namespace keys
}

// NewRedisPersister creates a Redis-backed persister.
func NewRedisPersister(client RedisClient, keyPrefix string) *RedisPersister {
	if keyPrefix == "" {
		keyPrefix = "fleet:"
	}
	return &RedisPersister{client: client, keyPrefix: keyPrefix}
}

// SaveDevice persists a device record and indexes its id.
func (rp *RedisPersister) SaveDevice(ctx context.Context, dev core.Device) error {
	data, err := json.Marshal(dev)
	if err != nil {
		return fmt.Errorf("marshal device: %w", err)
	}

	devKey := rp.keyPrefix + "device:" + dev.ID
	if err := rp.client.Set(ctx, devKey, data, 0); err != nil {
		return fmt.Errorf("redis SET device: %w", err)
	}

	if err := rp.client.SAdd(ctx, rp.keyPrefix+"devices", dev.ID); err != nil {
		return fmt.Errorf("redis SADD device index: %w", err)
	}
	return nil
}

// SaveBaseline persists a device's behavioral baseline.
func (rp *RedisPersister) SaveBaseline(ctx context.Context, baseline core.Baseline) error {
	data, err := json.Marshal(baseline)
	if err != nil {
		return fmt.Errorf("marshal baseline: %w", err)
	}

	key := rp.keyPrefix + "baseline:" + baseline.DeviceID
	if err := rp.client.Set(ctx, key, data, 0); err != nil {
		return fmt.Errorf("redis SET baseline: %w", err)
	}

	if err := rp.client.SAdd(ctx, rp.keyPrefix+"baselines", baseline.DeviceID); err != nil {
		return fmt.Errorf("redis SADD baseline index: %w", err)
	}
	return nil
}

// LoadDevices reads every persisted device record. Corrupt entries are
// skipped, not fatal.
func (rp *RedisPersister) LoadDevices(ctx context.Context) ([]core.Device, error) {
	ids, err := rp.client.SMembers(ctx, rp.keyPrefix+"devices")
	if err != nil {
		return nil, fmt.Errorf("redis SMEMBERS devices: %w", err)
	}

	out := make([]core.Device, 0, len(ids))
	for _, id := range ids {
		data, err := rp.client.Get(ctx, rp.keyPrefix+"device:"+id)
		if err != nil {
			slog.Warn("device record unreadable", "device_id", id, "error", err)
			continue
		}
		var dev core.Device
		if err := json.Unmarshal(data, &dev); err != nil {
			slog.Warn("device record corrupt", "device_id", id, "error", err)
			continue
		}
		out = append(out, dev)
	}
	return out, nil
}

// LoadBaselines reads every persisted baseline.
func (rp *RedisPersister) LoadBaselines(ctx context.Context) ([]core.Baseline, error) {
	ids, err := rp.client.SMembers(ctx, rp.keyPrefix+"baselines")
	if err != nil {
		return nil, fmt.Errorf("redis SMEMBERS baselines: %w", err)
	}

	out := make([]core.Baseline, 0, len(ids))
	for _, id := range ids {
		data, err := rp.client.Get(ctx, rp.keyPrefix+"baseline:"+id)
		if err != nil {
			slog.Warn("baseline unreadable", "device_id", id, "error", err)
			continue
		}
		var b core.Baseline
		if err := json.Unmarshal(data, &b); err != nil {
			slog.Warn("baseline corrupt", "device_id", id, "error", err)
			continue
		}
		out = append(out, b)
	}
	return out, nil
}
