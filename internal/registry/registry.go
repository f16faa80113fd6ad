// Package registry is the durable record store for fleet devices. It is the
// shared-state hub: every component reads it and several mutate it, so all
// mutations are atomic read-modify-writes scoped to one device id. The store
// shards its lock space by device id — a global lock would serialize the
// whole fleet.
package registry

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/zerofleet/backend/internal/core"
)

const shardCount = 32

// Persister is an optional durable backend for device records and baselines.
// Persistence is best-effort: a failed write is logged and retried on the
// next mutation, never propagated to the caller's device-level transaction.
type Persister interface {
	SaveDevice(ctx context.Context, dev core.Device) error
	SaveBaseline(ctx context.Context, baseline core.Baseline) error
	LoadDevices(ctx context.Context) ([]core.Device, error)
	LoadBaselines(ctx context.Context) ([]core.Baseline, error)
}

type entry struct {
	dev      core.Device
	baseline *core.Baseline
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Store holds the device table, address index, and baselines.
type Store struct {
	shards [shardCount]*shard

	addrMu sync.RWMutex
	byAddr map[string]string // network address -> device id

	persister Persister
}

// NewStore creates an in-memory store. persister may be nil.
func NewStore(persister Persister) *Store {
	s := &Store{
		byAddr:    make(map[string]string),
		persister: persister,
	}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return s
}

// Restore loads previously persisted devices and baselines. Called once at
// startup before any worker runs.
func (s *Store) Restore(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}

	devices, err := s.persister.LoadDevices(ctx)
	if err != nil {
		return fmt.Errorf("load devices: %w", err)
	}
	for _, dev := range devices {
		sh := s.shardFor(dev.ID)
		sh.mu.Lock()
		sh.entries[dev.ID] = &entry{dev: dev}
		sh.mu.Unlock()

		s.addrMu.Lock()
		s.byAddr[dev.Address] = dev.ID
		s.addrMu.Unlock()
	}

	baselines, err := s.persister.LoadBaselines(ctx)
	if err != nil {
		return fmt.Errorf("load baselines: %w", err)
	}
	for _, b := range baselines {
		sh := s.shardFor(b.DeviceID)
		sh.mu.Lock()
		if e, ok := sh.entries[b.DeviceID]; ok {
			bCopy := b
			e.baseline = &bCopy
		}
		sh.mu.Unlock()
	}

	slog.Info("registry restored", "devices", len(devices), "baselines", len(baselines))
	return nil
}

func (s *Store) shardFor(deviceID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	return s.shards[h.Sum32()%shardCount]
}

// Register adds a new device. Re-registering an existing id or address is an
// InvalidState error — onboarding is explicit, not an upsert.
func (s *Store) Register(dev core.Device) error {
	s.addrMu.Lock()
	if existing, ok := s.byAddr[dev.Address]; ok && existing != dev.ID {
		s.addrMu.Unlock()
		return fmt.Errorf("address %s already registered to %s: %w", dev.Address, existing, core.ErrInvalidState)
	}
	s.byAddr[dev.Address] = dev.ID
	s.addrMu.Unlock()

	sh := s.shardFor(dev.ID)
	sh.mu.Lock()
	if _, ok := sh.entries[dev.ID]; ok {
		sh.mu.Unlock()
		return fmt.Errorf("device %s already onboarded: %w", dev.ID, core.ErrInvalidState)
	}
	if dev.Status == "" {
		dev.Status = core.StatusActive
	}
	if dev.OnboardedAt.IsZero() {
		dev.OnboardedAt = time.Now()
	}
	dev.LastSeen = time.Now()
	sh.entries[dev.ID] = &entry{dev: dev}
	sh.mu.Unlock()

	s.persist(dev)
	return nil
}

// GetDevice returns a copy of the device record.
func (s *Store) GetDevice(id string) (core.Device, error) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	e, ok := sh.entries[id]
	if !ok {
		return core.Device{}, fmt.Errorf("device %s: %w", id, core.ErrNotFound)
	}
	return e.dev, nil
}

// GetDeviceIDByAddress resolves a network address to a device id.
func (s *Store) GetDeviceIDByAddress(addr string) (string, error) {
	s.addrMu.RLock()
	defer s.addrMu.RUnlock()

	id, ok := s.byAddr[addr]
	if !ok {
		return "", fmt.Errorf("address %s: %w", addr, core.ErrNotFound)
	}
	return id, nil
}

// ListDevices returns copies of all device records.
func (s *Store) ListDevices() []core.Device {
	var out []core.Device
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, e := range sh.entries {
			out = append(out, e.dev)
		}
		sh.mu.RUnlock()
	}
	return out
}

// UpdateStatus transitions a device's lifecycle state. Revocation is soft:
// the record stays in the table.
func (s *Store) UpdateStatus(id string, status core.DeviceStatus) error {
	sh := s.shardFor(id)
	sh.mu.Lock()
	e, ok := sh.entries[id]
	if !ok {
		sh.mu.Unlock()
		return fmt.Errorf("device %s: %w", id, core.ErrNotFound)
	}
	e.dev.Status = status
	dev := e.dev
	sh.mu.Unlock()

	s.persist(dev)
	return nil
}

// UpdateLastSeen stamps the device's last-seen time.
func (s *Store) UpdateLastSeen(id string) error {
	sh := s.shardFor(id)
	sh.mu.Lock()
	e, ok := sh.entries[id]
	if !ok {
		sh.mu.Unlock()
		return fmt.Errorf("device %s: %w", id, core.ErrNotFound)
	}
	e.dev.LastSeen = time.Now()
	sh.mu.Unlock()
	return nil
}

// SetBaseline installs the device's behavioral baseline.
func (s *Store) SetBaseline(id string, baseline core.Baseline) error {
	sh := s.shardFor(id)
	sh.mu.Lock()
	e, ok := sh.entries[id]
	if !ok {
		sh.mu.Unlock()
		return fmt.Errorf("device %s: %w", id, core.ErrNotFound)
	}
	bCopy := baseline
	e.baseline = &bCopy
	sh.mu.Unlock()

	if s.persister != nil {
		ctx, cancel := persistCtx()
		defer cancel()
		if err := s.persister.SaveBaseline(ctx, baseline); err != nil {
			slog.Warn("baseline persist failed", "device_id", id, "error", err)
		}
	}
	return nil
}

// GetBaseline returns the stored baseline, or NotFound if the device has none.
func (s *Store) GetBaseline(id string) (core.Baseline, error) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	e, ok := sh.entries[id]
	if !ok || e.baseline == nil {
		return core.Baseline{}, fmt.Errorf("baseline for %s: %w", id, core.ErrNotFound)
	}
	return *e.baseline, nil
}

func (s *Store) persist(dev core.Device) {
	if s.persister == nil {
		return
	}
	ctx, cancel := persistCtx()
	defer cancel()
	if err := s.persister.SaveDevice(ctx, dev); err != nil {
		slog.Warn("device persist failed", "device_id", dev.ID, "error", err)
	}
}

func persistCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Second)
}
