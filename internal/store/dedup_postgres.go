package store

import (
	"fmt"
	"log/slog"
	"time"
)

var _ DedupRepo = (*PostgresStore)(nil)

func (s *PostgresStore) RecordInbound(messageID, userID string) (bool, error) {
	result, err := s.db.Exec(
		`INSERT INTO inbound_dedup (message_id, user_id, received_at) VALUES ($1, $2, $3) ON CONFLICT (message_id) DO NOTHING`,
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
		slog.Debug("PostgresStore.RecordInbound: duplicate message", "messageID", messageID, "userID", userID)
	}
	return n > 0, nil
}

func (s *PostgresStore) MarkProcessed(messageID string) error {
	if _, err := s.db.Exec(`UPDATE inbound_dedup SET processed_at = $1 WHERE message_id = $2`, time.Now().UTC(), messageID); err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ForgetInbound(messageID string) error {
	if _, err := s.db.Exec(`DELETE FROM inbound_dedup WHERE message_id = $1`, messageID); err != nil {
		return fmt.Errorf("forget inbound failed: %w", err)
	}
	return nil
}
