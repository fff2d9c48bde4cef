package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/AbdallaMon/mail-collector/pkg/models"
)

// GetSyncCursor returns the incremental-sync resume token for an account
func (db *DB) GetSyncCursor(ctx context.Context, accountID int64) (*models.SyncCursor, error) {
	var cursor models.SyncCursor
	query := `SELECT * FROM sync_cursors WHERE account_id = ?`
	err := db.GetContext(ctx, &cursor, query, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync cursor: %w", err)
	}
	return &cursor, nil
}

// SaveSyncCursor stores the resume token for an account
func (db *DB) SaveSyncCursor(ctx context.Context, accountID int64, deltaLink string) error {
	query := `
		INSERT INTO sync_cursors (account_id, delta_link, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			delta_link = excluded.delta_link,
			updated_at = excluded.updated_at
	`
	_, err := db.ExecContext(ctx, query, accountID, deltaLink, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save sync cursor: %w", err)
	}
	return nil
}

// ClearSyncCursor drops a stale resume token, forcing full re-initialization
func (db *DB) ClearSyncCursor(ctx context.Context, accountID int64) error {
	query := `DELETE FROM sync_cursors WHERE account_id = ?`
	_, err := db.ExecContext(ctx, query, accountID)
	if err != nil {
		return fmt.Errorf("failed to clear sync cursor: %w", err)
	}
	return nil
}
