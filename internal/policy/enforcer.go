package policy

import (
	"context"
	"log"

	"github.com/zerofleet/backend/internal/core"
)

// LogEnforcer is the default enforcement boundary: it records every install
// and removal to the process log and always succeeds. Deployments with a real
// enforcement plane replace it behind the Enforcer interface.
type LogEnforcer struct {
	logger *log.Logger
}

// NewLogEnforcer creates the logging enforcer.
func NewLogEnforcer() *LogEnforcer {
	return &LogEnforcer{logger: log.New(log.Writer(), "[ENFORCE] ", log.LstdFlags)}
}

func (e *LogEnforcer) InstallAction(ctx context.Context, deviceID string, action core.Action, match map[string]string, priority int) error {
	e.logger.Printf("install device=%s action=%s match=%v priority=%d", deviceID, action, match, priority)
	return nil
}

func (e *LogEnforcer) RemoveAction(ctx context.Context, deviceID string) error {
	e.logger.Printf("remove device=%s", deviceID)
	return nil
}

var _ Enforcer = (*LogEnforcer)(nil)
