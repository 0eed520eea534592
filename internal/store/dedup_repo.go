package store

import (
	"time"
)

// DedupRecord is one Twilio webhook delivery, keyed by MessageSid.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	UserID      string     `json:"user_id"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo remembers which webhook deliveries already produced a turn, so a
// redelivered MessageSid does not run the same turn twice.
type DedupRepo interface {
	// IsDuplicate reports whether messageID has been claimed.
	IsDuplicate(messageID string) (bool, error)

	// RecordInbound claims messageID for userID. It returns false when another
	// delivery of the same message already claimed it.
	RecordInbound(messageID, userID string) (bool, error)

	// MarkProcessed records that the turn for messageID finished and its reply was handed off.
	MarkProcessed(messageID string) error

	// ReleaseInbound drops an unprocessed claim so a redelivery runs the turn.
	// Processed records are kept.
	ReleaseInbound(messageID string) error

	// PurgeInboundBefore forgets deliveries received before cutoff and returns how many were removed.
	PurgeInboundBefore(cutoff time.Time) (int, error)
}
