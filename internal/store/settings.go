package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Setting returns the runtime override for key, or ("", false) when none is
// set. Settings are read fresh on every access because operators may change
// them while the system runs.
func (s *Store) Setting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM settings WHERE key = ?;
	`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read setting %q: %w", key, err)
	}
	return value, true, nil
}

// SetSetting upserts a runtime override.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO settings (key, value, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				updated_at = CURRENT_TIMESTAMP;
		`, key, value)
		if err != nil {
			return fmt.Errorf("set setting %q: %w", key, err)
		}
		return nil
	})
}

// DeleteSetting removes a runtime override, letting the config fall back to
// env or file values.
func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?;`, key); err != nil {
			return fmt.Errorf("delete setting %q: %w", key, err)
		}
		return nil
	})
}
