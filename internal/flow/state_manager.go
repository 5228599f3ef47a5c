package flow

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/ReelPipe/internal/models"
	"github.com/BTreeMap/ReelPipe/internal/store"
)

// StoreBasedStateManager reads and writes conversation state through the store.
// It never fails: reads degrade to the idle state and failed writes are logged and dropped.
type StoreBasedStateManager struct {
	repo store.StateRepo
}

// NewStoreBasedStateManager creates a state manager backed by repo.
func NewStoreBasedStateManager(repo store.StateRepo) *StoreBasedStateManager {
	slog.Debug("Creating StoreBasedStateManager")
	return &StoreBasedStateManager{repo: repo}
}

// Get returns the user's state; an absent or unreadable record is StateNone.
func (sm *StoreBasedStateManager) Get(ctx context.Context, userID string) models.UserState {
	st, err := sm.repo.GetState(ctx, userID)
	if err != nil {
		slog.Error("StateManager.Get: store unavailable, treating as idle", "error", err, "userID", userID)
		return models.UserState{UserID: userID}
	}
	if st == nil {
		slog.Debug("StateManager.Get: no record", "userID", userID)
		return models.UserState{UserID: userID}
	}
	slog.Debug("StateManager.Get: found", "userID", userID, "state", st.Tag())
	return *st
}

// Set overwrites the user's state with payload.
func (sm *StoreBasedStateManager) Set(ctx context.Context, userID string, payload models.Payload) {
	st := models.UserState{UserID: userID, Payload: payload, UpdatedAt: time.Now().UTC()}
	if err := sm.repo.SaveState(ctx, st); err != nil {
		slog.Error("StateManager.Set: write dropped", "error", err, "userID", userID, "state", st.Tag())
		return
	}
	slog.Debug("StateManager.Set succeeded", "userID", userID, "state", st.Tag())
}

// Clear resets the user to StateNone.
func (sm *StoreBasedStateManager) Clear(ctx context.Context, userID string) {
	if err := sm.repo.ClearState(ctx, userID); err != nil {
		slog.Error("StateManager.Clear: write dropped", "error", err, "userID", userID)
		return
	}
	slog.Debug("StateManager.Clear succeeded", "userID", userID)
}
