// Package cache answers "has this user already generated this?" from the generation history,
// and keeps a process-lifetime media cache for the WebSocket path.
package cache

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/ReelPipe/internal/models"
)

// HistoryReader is the slice of the store the lookup needs.
type HistoryReader interface {
	FindExact(ctx context.Context, userID, prompt, style string) (*models.HistoryRecord, error)
	FindStyles(ctx context.Context, userID, prompt string) ([]string, error)
}

// Lookup is backed by the persistent history, so entries never expire.
// Store failures degrade to a miss.
type Lookup struct {
	history HistoryReader
}

// NewLookup creates a Lookup over the history store.
func NewLookup(history HistoryReader) *Lookup {
	return &Lookup{history: history}
}

// FindExact returns the most recent media URL for (user, prompt, style).
// The prompt is matched verbatim and the style case-insensitively.
func (l *Lookup) FindExact(ctx context.Context, userID, prompt, style string) (string, bool) {
	rec, err := l.history.FindExact(ctx, userID, prompt, models.NormalizeStyle(style))
	if err != nil {
		slog.Warn("Lookup.FindExact: history unavailable, treating as miss", "error", err, "userID", userID)
		return "", false
	}
	if rec == nil || rec.MediaURL == "" {
		return "", false
	}
	return rec.MediaURL, true
}

// FindStylesForPrompt returns the distinct styles the user already generated for prompt, ascending.
func (l *Lookup) FindStylesForPrompt(ctx context.Context, userID, prompt string) []string {
	styles, err := l.history.FindStyles(ctx, userID, prompt)
	if err != nil {
		slog.Warn("Lookup.FindStylesForPrompt: history unavailable, treating as empty", "error", err, "userID", userID)
		return nil
	}
	return styles
}
