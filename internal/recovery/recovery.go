// Package recovery runs startup recovery steps so ChatLoop restarts
// gracefully: outbox messages stuck mid-send are requeued and sessions that
// idled out while the process was down are expired.
package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chatloop/chatloop/internal/flow"
	"github.com/chatloop/chatloop/internal/store"
)

// Recoverable is a component that can restore its state at startup.
type Recoverable interface {
	// Name identifies the step in logs.
	Name() string
	// Recover is called once during application startup.
	Recover(ctx context.Context) error
}

// RecoverFunc adapts a function into a Recoverable.
type RecoverFunc struct {
	StepName string
	Fn       func(ctx context.Context) error
}

func (r RecoverFunc) Name() string { return r.StepName }

func (r RecoverFunc) Recover(ctx context.Context) error { return r.Fn(ctx) }

// Manager orchestrates recovery of all registered components.
type Manager struct {
	logger *slog.Logger
	steps  []Recoverable
}

// NewManager creates a recovery manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger}
}

// Register adds a component that can be recovered.
func (m *Manager) Register(r Recoverable) {
	m.steps = append(m.steps, r)
}

// RecoverAll runs every registered step. Steps are independent: a failed step
// is logged and counted but does not stop the remaining ones.
func (m *Manager) RecoverAll(ctx context.Context) error {
	m.logger.Info("Manager.RecoverAll: starting application recovery", "steps", len(m.steps))

	recovered := 0
	failed := 0
	for _, step := range m.steps {
		if err := step.Recover(ctx); err != nil {
			m.logger.Error("Manager.RecoverAll: recovery step failed", "step", step.Name(), "error", err)
			failed++
			continue
		}
		recovered++
	}

	m.logger.Info("Manager.RecoverAll: application recovery completed", "recovered", recovered, "failed", failed)
	if failed > 0 {
		return fmt.Errorf("recovery completed with %d failed steps out of %d", failed, len(m.steps))
	}
	return nil
}

// OutboxRecovery requeues outbox messages that were claimed for sending when
// a previous process crashed.
func OutboxRecovery(sender *store.OutboxSender) Recoverable {
	return RecoverFunc{
		StepName: "outbox-stale-messages",
		Fn: func(ctx context.Context) error {
			return sender.RecoverStaleMessages()
		},
	}
}

// SweepRecovery runs one expiry sweep so sessions that idled past their
// timeout during downtime are expired before traffic resumes.
func SweepRecovery(sweeper *flow.Sweeper, logger *slog.Logger) Recoverable {
	return RecoverFunc{
		StepName: "session-expiry-sweep",
		Fn: func(ctx context.Context) error {
			expired, err := sweeper.SweepOnce(ctx)
			if err != nil {
				return err
			}
			if expired > 0 && logger != nil {
				logger.Info("SweepRecovery: expired idle sessions at startup", "count", expired)
			}
			return nil
		},
	}
}
