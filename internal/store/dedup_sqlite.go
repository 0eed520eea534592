package store

import (
	"fmt"
	"time"
)

var _ DedupRepo = (*SQLiteStore)(nil)

func (s *SQLiteStore) IsDuplicate(messageID string) (bool, error) {
	var seen bool
	if err := s.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM inbound_dedup WHERE message_id = ?)`, messageID).Scan(&seen); err != nil {
		return false, fmt.Errorf("lookup webhook delivery %s: %w", messageID, err)
	}
	return seen, nil
}

func (s *SQLiteStore) RecordInbound(messageID, userID string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO inbound_dedup (message_id, user_id, received_at) VALUES (?, ?, ?)`,
		messageID, userID, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("claim webhook delivery %s for %s: %w", messageID, userID, err)
	}
	return claimed(res, messageID)
}

func (s *SQLiteStore) MarkProcessed(messageID string) error {
	if _, err := s.db.Exec(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`, time.Now().UTC(), messageID); err != nil {
		return fmt.Errorf("mark webhook delivery %s processed: %w", messageID, err)
	}
	return nil
}

func (s *SQLiteStore) ReleaseInbound(messageID string) error {
	if _, err := s.db.Exec(`DELETE FROM inbound_dedup WHERE message_id = ? AND processed_at IS NULL`, messageID); err != nil {
		return fmt.Errorf("release webhook delivery %s: %w", messageID, err)
	}
	return nil
}

func (s *SQLiteStore) PurgeInboundBefore(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM inbound_dedup WHERE received_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge webhook deliveries before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
