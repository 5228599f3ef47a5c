package store

import (
	"fmt"
	"log/slog"
	"time"
)

var _ DedupRepo = (*SQLiteStore)(nil)

// RecordInbound relies on the primary key: INSERT OR IGNORE affects no rows for a redelivery.
func (s *SQLiteStore) RecordInbound(messageID, userID string) (bool, error) {
	result, err := s.db.Exec(
		`INSERT OR IGNORE INTO inbound_dedup (message_id, user_id, received_at) VALUES (?, ?, ?)`,
		messageID, userID, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	if n == 0 {
		slog.Debug("SQLiteStore.RecordInbound: duplicate message", "messageID", messageID, "userID", userID)
	}
	return n > 0, nil
}

func (s *SQLiteStore) MarkProcessed(messageID string) error {
	if _, err := s.db.Exec(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`, time.Now().UTC(), messageID); err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ForgetInbound(messageID string) error {
	if _, err := s.db.Exec(`DELETE FROM inbound_dedup WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("forget inbound failed: %w", err)
	}
	return nil
}
