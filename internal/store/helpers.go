package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/ReelPipe/internal/models"
	"github.com/oklog/ulid/v2"
)

// sqlRepo holds the queries shared by the SQLite and PostgreSQL stores.
// Queries are written with '?' placeholders and rebound per dialect.
type sqlRepo struct {
	db      *sql.DB
	name    string
	dollars bool
}

// rebind rewrites '?' placeholders to $1..$n for PostgreSQL.
func (r *sqlRepo) rebind(query string) string {
	if !r.dollars {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

// validateState rejects records GetState could not restore.
func validateState(state models.UserState) error {
	if state.UserID == "" {
		return models.ErrEmptyUserID
	}
	if tag := state.Tag(); !models.IsValidStateTag(tag) {
		return fmt.Errorf("%w: %q", models.ErrUnknownStateTag, tag)
	}
	return nil
}

func (r *sqlRepo) GetState(ctx context.Context, userID string) (*models.UserState, error) {
	var tag, data string
	var updatedAt time.Time
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT state, state_data, updated_at FROM user_states WHERE user_id = ?`), userID).
		Scan(&tag, &data, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error(r.name+".GetState failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to get state for %s: %w", userID, err)
	}
	return decodeState(r.name, userID, tag, data, updatedAt), nil
}

// decodeState never fails: an unknown tag or corrupt payload degrades the user to the idle state.
func decodeState(name, userID, tag, data string, updatedAt time.Time) *models.UserState {
	if !models.IsValidStateTag(models.StateTag(tag)) {
		slog.Warn(name+": unknown state tag, treating as idle", "userID", userID, "state", tag)
		return &models.UserState{UserID: userID, UpdatedAt: updatedAt}
	}
	payload, err := models.DecodePayload(models.StateTag(tag), data)
	if err != nil {
		slog.Warn(name+": undecodable state payload, treating as idle", "error", err, "userID", userID, "state", tag)
		payload = nil
	}
	return &models.UserState{UserID: userID, Payload: payload, UpdatedAt: updatedAt}
}

func (r *sqlRepo) SaveState(ctx context.Context, state models.UserState) error {
	if err := validateState(state); err != nil {
		return err
	}
	data, err := models.EncodePayload(state.Payload)
	if err != nil {
		return err
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO user_states (user_id, state, state_data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET state = excluded.state, state_data = excluded.state_data, updated_at = excluded.updated_at`
	if _, err := r.db.ExecContext(ctx, r.rebind(query), state.UserID, string(state.Tag()), data, state.UpdatedAt); err != nil {
		slog.Error(r.name+".SaveState failed", "error", err, "userID", state.UserID, "state", state.Tag())
		return fmt.Errorf("failed to save state for %s: %w", state.UserID, err)
	}
	slog.Debug(r.name+".SaveState succeeded", "userID", state.UserID, "state", state.Tag())
	return nil
}

func (r *sqlRepo) ClearState(ctx context.Context, userID string) error {
	return r.SaveState(ctx, models.UserState{UserID: userID, UpdatedAt: time.Now().UTC()})
}

func (r *sqlRepo) ListStates(ctx context.Context, tag models.StateTag) ([]models.UserState, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(`SELECT user_id, state, state_data, updated_at FROM user_states WHERE state = ? ORDER BY user_id`), string(tag))
	if err != nil {
		return nil, fmt.Errorf("failed to list states: %w", err)
	}
	defer rows.Close()
	var out []models.UserState
	for rows.Next() {
		var userID, st, data string
		var updatedAt time.Time
		if err := rows.Scan(&userID, &st, &data, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan state row: %w", err)
		}
		out = append(out, *decodeState(r.name, userID, st, data, updatedAt))
	}
	return out, rows.Err()
}

func (r *sqlRepo) AppendHistory(ctx context.Context, rec models.HistoryRecord) error {
	rec.Style = models.NormalizeStyle(rec.Style)
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, r.rebind(`INSERT INTO history (id, user_id, prompt, style, media_url, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.UserID, rec.Prompt, rec.Style, rec.MediaURL, rec.CreatedAt.UTC())
	if err != nil {
		slog.Error(r.name+".AppendHistory failed", "error", err, "userID", rec.UserID)
		return fmt.Errorf("failed to append history for %s: %w", rec.UserID, err)
	}
	slog.Debug(r.name+".AppendHistory succeeded", "userID", rec.UserID, "style", rec.Style, "id", rec.ID)
	return nil
}

const historyColumns = `id, user_id, prompt, style, media_url, created_at`

func scanHistory(rows *sql.Rows) ([]models.HistoryRecord, error) {
	defer rows.Close()
	var out []models.HistoryRecord
	for rows.Next() {
		var h models.HistoryRecord
		if err := rows.Scan(&h.ID, &h.UserID, &h.Prompt, &h.Style, &h.MediaURL, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history rows: %w", err)
	}
	return out, nil
}

func (r *sqlRepo) RecentHistory(ctx context.Context, userID string, n int) ([]models.HistoryRecord, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(`SELECT `+historyColumns+` FROM history WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`), userID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	return scanHistory(rows)
}

func (r *sqlRepo) FindExact(ctx context.Context, userID, prompt, style string) (*models.HistoryRecord, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(`SELECT `+historyColumns+` FROM history WHERE user_id = ? AND prompt = ? AND style = ? ORDER BY created_at DESC, id DESC LIMIT 1`),
		userID, prompt, models.NormalizeStyle(style))
	if err != nil {
		return nil, fmt.Errorf("failed to query cached media: %w", err)
	}
	recs, err := scanHistory(rows)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &recs[0], nil
}

func (r *sqlRepo) FindStyles(ctx context.Context, userID, prompt string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(`SELECT DISTINCT style FROM history WHERE user_id = ? AND prompt = ? ORDER BY style ASC`), userID, prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to query styles for prompt: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var style string
		if err := rows.Scan(&style); err != nil {
			return nil, fmt.Errorf("failed to scan style row: %w", err)
		}
		out = append(out, style)
	}
	return out, rows.Err()
}

func (r *sqlRepo) UpsertStyle(ctx context.Context, style models.CustomStyle) error {
	style.StyleName = models.NormalizeStyle(style.StyleName)
	if err := style.Validate(); err != nil {
		return err
	}
	if style.UpdatedAt.IsZero() {
		style.UpdatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO custom_styles (user_id, style_name, style_prompt, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, style_name) DO UPDATE SET style_prompt = excluded.style_prompt, updated_at = excluded.updated_at`
	if _, err := r.db.ExecContext(ctx, r.rebind(query), style.UserID, style.StyleName, style.StylePrompt, style.UpdatedAt); err != nil {
		slog.Error(r.name+".UpsertStyle failed", "error", err, "userID", style.UserID, "style", style.StyleName)
		return fmt.Errorf("failed to upsert style %s: %w", style.StyleName, err)
	}
	return nil
}

func (r *sqlRepo) ListStyles(ctx context.Context, userID string) ([]models.CustomStyle, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(`SELECT user_id, style_name, style_prompt, updated_at FROM custom_styles WHERE user_id = ? ORDER BY style_name`), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query styles: %w", err)
	}
	defer rows.Close()
	var out []models.CustomStyle
	for rows.Next() {
		var c models.CustomStyle
		if err := rows.Scan(&c.UserID, &c.StyleName, &c.StylePrompt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan style row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *sqlRepo) DeleteStyle(ctx context.Context, userID, name string) (bool, error) {
	result, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM custom_styles WHERE user_id = ? AND style_name = ?`), userID, models.NormalizeStyle(name))
	if err != nil {
		return false, fmt.Errorf("failed to delete style %s: %w", name, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete style rows affected check failed: %w", err)
	}
	return n > 0, nil
}
