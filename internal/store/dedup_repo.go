// Package store provides the DedupRepo interface for inbound message deduplication.
package store

import (
	"time"
)

// DedupRecord represents an inbound message deduplication record.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	UserID      string     `json:"user_id"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo defines the interface for inbound message deduplication.
// Providers redeliver webhooks they consider unacknowledged; the provider
// message ID lets the webhook acknowledge a redelivery without reprocessing it.
type DedupRepo interface {
	// RecordInbound inserts a new inbound message record. Returns false if the
	// message was already recorded (duplicate).
	RecordInbound(messageID, userID string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(messageID string) error

	// ForgetInbound removes a record so a redelivery is accepted again.
	// Used when a recorded message could not be queued.
	ForgetInbound(messageID string) error
}
