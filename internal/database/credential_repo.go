package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/AbdallaMon/mail-collector/pkg/models"
)

// UpsertCredential replaces the stored token material for an account
func (db *DB) UpsertCredential(ctx context.Context, cred *models.Credential) error {
	query := `
		INSERT INTO credentials (account_id, access_token, refresh_token, token_type, scope, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_type = excluded.token_type,
			scope = excluded.scope,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`
	now := time.Now().UTC()
	_, err := db.ExecContext(ctx, query,
		cred.AccountID,
		cred.AccessToken,
		cred.RefreshToken,
		cred.TokenType,
		cred.Scope,
		cred.ExpiresAt.UTC(),
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert credential: %w", err)
	}
	cred.UpdatedAt = now
	return nil
}

// GetCredential returns the token material for an account
func (db *DB) GetCredential(ctx context.Context, accountID int64) (*models.Credential, error) {
	var cred models.Credential
	query := `SELECT * FROM credentials WHERE account_id = ?`
	err := db.GetContext(ctx, &cred, query, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return &cred, nil
}

// DeleteCredential removes the token material for an account
func (db *DB) DeleteCredential(ctx context.Context, accountID int64) error {
	query := `DELETE FROM credentials WHERE account_id = ?`
	_, err := db.ExecContext(ctx, query, accountID)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}
