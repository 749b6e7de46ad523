package store

import (
	"context"
	"fmt"
)

// MarkCommentsProcessed inserts all comment ids into the processed ledger in
// a single transaction. Already-present ids are left untouched (the ledger
// is insert-if-absent), and a failure rolls back the whole batch so partial
// marking never occurs.
func (s *Store) MarkCommentsProcessed(ctx context.Context, workItemID string, commentIDs []string) error {
	if len(commentIDs) == 0 {
		return nil
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin mark comments tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, id := range commentIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO processed_comments (comment_id, work_item_id)
				VALUES (?, ?)
				ON CONFLICT(comment_id) DO NOTHING;
			`, id, workItemID); err != nil {
				return fmt.Errorf("mark comment %s: %w", id, err)
			}
		}
		return tx.Commit()
	})
}

// FilterUnprocessedComments returns the subset of commentIDs that are not
// yet in the ledger, preserving input order.
func (s *Store) FilterUnprocessedComments(ctx context.Context, commentIDs []string) ([]string, error) {
	if len(commentIDs) == 0 {
		return nil, nil
	}
	var out []string
	for _, id := range commentIDs {
		var exists int
		err := s.db.QueryRowContext(ctx, `
			SELECT COUNT(1) FROM processed_comments WHERE comment_id = ?;
		`, id).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("check comment %s: %w", id, err)
		}
		if exists == 0 {
			out = append(out, id)
		}
	}
	return out, nil
}

// ProcessedCommentCount returns the number of ledger rows for a work item.
func (s *Store) ProcessedCommentCount(ctx context.Context, workItemID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM processed_comments WHERE work_item_id = ?;
	`, workItemID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("processed comment count: %w", err)
	}
	return count, nil
}
