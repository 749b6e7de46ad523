package store

import (
	"context"
	"fmt"
	"time"
)

// PurgeCompleted removes session rows completed before the cutoff together
// with their processed-comment ledger entries. Sessions still in flight
// (no completed_at) are never touched. Returns the number of sessions
// removed.
func (s *Store) PurgeCompleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	var purged int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin purge tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM processed_comments
			WHERE work_item_id IN (
				SELECT work_item_id FROM sessions
				WHERE completed_at IS NOT NULL AND completed_at < ?
			);
		`, cutoff); err != nil {
			return fmt.Errorf("purge comment ledger: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			DELETE FROM sessions
			WHERE completed_at IS NOT NULL AND completed_at < ?;
		`, cutoff)
		if err != nil {
			return fmt.Errorf("purge sessions: %w", err)
		}
		purged, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("purge rows affected: %w", err)
		}
		return tx.Commit()
	})
	return purged, err
}
