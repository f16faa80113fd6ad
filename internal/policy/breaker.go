package policy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zerofleet/backend/internal/core"
)

// ErrCircuitOpen is returned while the breaker is cooling off after repeated
// enforcement failures.
var ErrCircuitOpen = errors.New("enforcement circuit open")

// BreakerEnforcer wraps an Enforcer with a circuit breaker. A flapping or
// down enforcement plane would otherwise make every policy sweep wait out a
// full timeout per device; after consecutiveLimit failures the breaker fails
// fast until the cooldown elapses, then lets one probe call through.
type BreakerEnforcer struct {
	inner Enforcer

	mu          sync.Mutex
	consecutive int
	openedAt    time.Time
	probing     bool
	failLimit   int
	cooldown    time.Duration
	logger      *log.Logger
}

// NewBreakerEnforcer wraps inner. failLimit defaults to 5, cooldown to 30s.
func NewBreakerEnforcer(inner Enforcer, failLimit int, cooldown time.Duration) *BreakerEnforcer {
	if failLimit == 0 {
		failLimit = 5
	}
	if cooldown == 0 {
		cooldown = 30 * time.Second
	}
	return &BreakerEnforcer{
		inner:     inner,
		failLimit: failLimit,
		cooldown:  cooldown,
		logger:    log.New(log.Writer(), "[BREAKER] ", log.LstdFlags),
	}
}

// allow decides whether a call may proceed. Returns a release func the
// caller must invoke with the call's outcome.
func (b *BreakerEnforcer) allow() (func(err error), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.consecutive >= b.failLimit {
		if time.Since(b.openedAt) < b.cooldown {
			return nil, fmt.Errorf("%w: retry after %s", ErrCircuitOpen, b.cooldown)
		}
		// Half-open: admit exactly one probe.
		if b.probing {
			return nil, fmt.Errorf("%w: probe in flight", ErrCircuitOpen)
		}
		b.probing = true
	}

	return func(err error) {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.probing = false
		if err != nil {
			b.consecutive++
			if b.consecutive == b.failLimit {
				b.openedAt = time.Now()
				b.logger.Printf("Circuit opened after %d consecutive failures", b.consecutive)
			} else if b.consecutive > b.failLimit {
				b.openedAt = time.Now() // failed probe restarts the cooldown
			}
			return
		}
		if b.consecutive >= b.failLimit {
			b.logger.Printf("Circuit closed after successful probe")
		}
		b.consecutive = 0
	}, nil
}

func (b *BreakerEnforcer) InstallAction(ctx context.Context, deviceID string, action core.Action, match map[string]string, priority int) error {
	release, err := b.allow()
	if err != nil {
		return fmt.Errorf("%v: %w", err, core.ErrBackendUnavailable)
	}
	err = b.inner.InstallAction(ctx, deviceID, action, match, priority)
	release(err)
	return err
}

func (b *BreakerEnforcer) RemoveAction(ctx context.Context, deviceID string) error {
	release, err := b.allow()
	if err != nil {
		return fmt.Errorf("%v: %w", err, core.ErrBackendUnavailable)
	}
	err = b.inner.RemoveAction(ctx, deviceID)
	release(err)
	return err
}

var _ Enforcer = (*BreakerEnforcer)(nil)
