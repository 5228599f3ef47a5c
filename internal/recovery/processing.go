package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/ReelPipe/internal/models"
)

const textInterrupted = "⚠️ Your video request for _%s_ was interrupted by a restart. Please send your prompt again."

// ProcessingRecovery releases users stuck in PROCESSING. Jobs live only in the
// dispatcher's memory, so a PROCESSING record found at startup belongs to a job
// that will never conclude.
type ProcessingRecovery struct{}

// NewProcessingRecovery creates the recoverable.
func NewProcessingRecovery() *ProcessingRecovery {
	return &ProcessingRecovery{}
}

// RecoverState clears every PROCESSING record and tells the user to resend.
func (p *ProcessingRecovery) RecoverState(ctx context.Context, registry *RecoveryRegistry) error {
	states, err := registry.GetStore().ListStates(ctx, models.StateProcessing)
	if err != nil {
		return fmt.Errorf("failed to list processing states: %w", err)
	}
	failed := 0
	for _, st := range states {
		if err := registry.GetStore().ClearState(ctx, st.UserID); err != nil {
			slog.Error("ProcessingRecovery.RecoverState: clear failed", "error", err, "userID", st.UserID)
			failed++
			continue
		}
		prompt := ""
		if payload, ok := st.Payload.(models.ProcessingPayload); ok {
			prompt = payload.Prompt
			slog.Info("ProcessingRecovery.RecoverState: released user", "userID", st.UserID, "jobID", payload.JobID, "style", payload.Style)
		}
		if prompt != "" {
			registry.Notify(ctx, st.UserID, fmt.Sprintf(textInterrupted, prompt))
		}
	}
	if failed > 0 {
		return fmt.Errorf("failed to release %d of %d users", failed, len(states))
	}
	return nil
}
