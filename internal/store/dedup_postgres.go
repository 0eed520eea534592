package store

import (
	"database/sql"
	"fmt"
	"time"
)

var _ DedupRepo = (*PostgresStore)(nil)

func (s *PostgresStore) IsDuplicate(messageID string) (bool, error) {
	var seen bool
	if err := s.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM inbound_dedup WHERE message_id = $1)`, messageID).Scan(&seen); err != nil {
		return false, fmt.Errorf("lookup webhook delivery %s: %w", messageID, err)
	}
	return seen, nil
}

func (s *PostgresStore) RecordInbound(messageID, userID string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT INTO inbound_dedup (message_id, user_id, received_at) VALUES ($1, $2, $3) ON CONFLICT (message_id) DO NOTHING`,
		messageID, userID, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("claim webhook delivery %s for %s: %w", messageID, userID, err)
	}
	return claimed(res, messageID)
}

func (s *PostgresStore) MarkProcessed(messageID string) error {
	if _, err := s.db.Exec(`UPDATE inbound_dedup SET processed_at = $1 WHERE message_id = $2`, time.Now().UTC(), messageID); err != nil {
		return fmt.Errorf("mark webhook delivery %s processed: %w", messageID, err)
	}
	return nil
}

func (s *PostgresStore) ReleaseInbound(messageID string) error {
	if _, err := s.db.Exec(`DELETE FROM inbound_dedup WHERE message_id = $1 AND processed_at IS NULL`, messageID); err != nil {
		return fmt.Errorf("release webhook delivery %s: %w", messageID, err)
	}
	return nil
}

func (s *PostgresStore) PurgeInboundBefore(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM inbound_dedup WHERE received_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge webhook deliveries before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// claimed reports whether an insert-if-absent took the claim.
func claimed(res sql.Result, messageID string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim webhook delivery %s: %w", messageID, err)
	}
	return n == 1, nil
}
