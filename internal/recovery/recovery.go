// Package recovery repairs persisted state at startup, after a restart or crash
// left it describing work that no longer exists in this process.
package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/ReelPipe/internal/store"
)

// Recoverable is a component that repairs its own persisted state.
type Recoverable interface {
	RecoverState(ctx context.Context, registry *RecoveryRegistry) error
}

// Notifier tells a user what recovery did on their behalf.
type Notifier interface {
	SendMessage(ctx context.Context, to, body string) error
}

// RecoveryRegistry provides the services recoverables may use.
type RecoveryRegistry struct {
	states   store.StateRepo
	notifier Notifier
}

// NewRecoveryRegistry creates a registry. notifier may be nil.
func NewRecoveryRegistry(states store.StateRepo, notifier Notifier) *RecoveryRegistry {
	return &RecoveryRegistry{states: states, notifier: notifier}
}

// GetStore returns the state repository.
func (r *RecoveryRegistry) GetStore() store.StateRepo {
	return r.states
}

// Notify sends body to a user; failures are logged only.
func (r *RecoveryRegistry) Notify(ctx context.Context, to, body string) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.SendMessage(ctx, to, body); err != nil {
		slog.Warn("RecoveryRegistry.Notify: send failed", "error", err, "to", to)
	}
}

// RecoveryManager runs every registered Recoverable.
type RecoveryManager struct {
	registry     *RecoveryRegistry
	recoverables []Recoverable
}

// NewRecoveryManager creates a manager.
func NewRecoveryManager(states store.StateRepo, notifier Notifier) *RecoveryManager {
	return &RecoveryManager{registry: NewRecoveryRegistry(states, notifier)}
}

// RegisterRecoverable adds a component to recover.
func (rm *RecoveryManager) RegisterRecoverable(r Recoverable) {
	rm.recoverables = append(rm.recoverables, r)
}

// RecoverAll runs every component, continuing past failures.
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	slog.Info("Starting application recovery", "components", len(rm.recoverables))
	failed := 0
	for _, r := range rm.recoverables {
		if err := r.RecoverState(ctx, rm.registry); err != nil {
			slog.Error("Component recovery failed", "error", err, "component", fmt.Sprintf("%T", r))
			failed++
		}
	}
	slog.Info("Application recovery completed", "recovered", len(rm.recoverables)-failed, "errors", failed)
	if failed > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", failed, len(rm.recoverables))
	}
	return nil
}

// GetRegistry returns the registry passed to recoverables.
func (rm *RecoveryManager) GetRegistry() *RecoveryRegistry {
	return rm.registry
}
