package persistence

import (
	"fmt"
	"time"
)

// RecordDelivery inserts a webhook delivery into the dedup ledger. Returns
// true when the delivery id has not been seen before. The row is written
// before the event is dispatched, so a crash mid-handling shows up as a
// recorded-but-unprocessed delivery rather than a double dispatch.
func (s *Store) RecordDelivery(deliveryID, eventType string) (bool, error) {
	result, err := s.db.Exec(`
		INSERT INTO webhook_deliveries (delivery_id, event_type)
		VALUES (?, ?)
		ON CONFLICT DO NOTHING
	`, deliveryID, eventType)
	if err != nil {
		return false, fmt.Errorf("failed to record delivery %s: %w", deliveryID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected > 0, nil
}

// MarkDeliveryProcessed stamps the delivery as handled. Called even when the
// handler errored; a broken handler must not trigger redelivery storms.
func (s *Store) MarkDeliveryProcessed(deliveryID string) error {
	_, err := s.db.Exec(`
		UPDATE webhook_deliveries
		SET processed_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE delivery_id = ?
	`, deliveryID)
	if err != nil {
		return fmt.Errorf("failed to mark delivery %s processed: %w", deliveryID, err)
	}
	return nil
}

// PurgeDeliveries deletes ledger rows older than the retention window.
func (s *Store) PurgeDeliveries(olderThan time.Duration) (int64, error) {
	cutoff := FormatTime(time.Now().Add(-olderThan))
	result, err := s.db.Exec(`
		DELETE FROM webhook_deliveries WHERE received_at < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge deliveries: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected, nil
}
