package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/AbdallaMon/mail-collector/pkg/models"
)

// ErrNotFound is returned when a record is not found
var ErrNotFound = errors.New("record not found")

// ErrAlreadyExists is returned when trying to insert a duplicate record
var ErrAlreadyExists = errors.New("record already exists")

// CreateAccount creates a new account
func (db *DB) CreateAccount(ctx context.Context, account *models.Account) error {
	query := `
		INSERT INTO accounts (email, provider_user_id, status, is_enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	now := time.Now().UTC()
	if account.Status == "" {
		account.Status = models.StatusPending
	}
	result, err := db.ExecContext(ctx, query,
		account.Email,
		account.ProviderUserID,
		account.Status,
		account.IsEnabled,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	account.ID = id
	account.CreatedAt = now
	account.UpdatedAt = now
	return nil
}

// GetAccountByID returns an account by ID
func (db *DB) GetAccountByID(ctx context.Context, id int64) (*models.Account, error) {
	var account models.Account
	query := `SELECT * FROM accounts WHERE id = ?`
	err := db.GetContext(ctx, &account, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

// GetAccountByEmail returns an account by mailbox address
func (db *DB) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	var account models.Account
	query := `SELECT * FROM accounts WHERE email = ?`
	err := db.GetContext(ctx, &account, query, email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

// ListAccounts returns all accounts
func (db *DB) ListAccounts(ctx context.Context) ([]*models.Account, error) {
	var accounts []*models.Account
	query := `SELECT * FROM accounts ORDER BY created_at`
	err := db.SelectContext(ctx, &accounts, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

// ListDeliverableAccounts returns CONNECTED accounts with the operator toggle on
func (db *DB) ListDeliverableAccounts(ctx context.Context) ([]*models.Account, error) {
	var accounts []*models.Account
	query := `SELECT * FROM accounts WHERE status = ? AND is_enabled = true`
	err := db.SelectContext(ctx, &accounts, query, models.StatusConnected)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliverable accounts: %w", err)
	}
	return accounts, nil
}

// MarkAccountConnected transitions an account to CONNECTED after OAuth completion
func (db *DB) MarkAccountConnected(ctx context.Context, id int64, email, providerUserID string) error {
	query := `
		UPDATE accounts
		SET status = ?, email = ?, provider_user_id = ?, last_error = '', updated_at = ?
		WHERE id = ?
	`
	_, err := db.ExecContext(ctx, query, models.StatusConnected, email, providerUserID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark account connected: %w", err)
	}
	return nil
}

// SetAccountStatus transitions an account's lifecycle status and records the reason
func (db *DB) SetAccountStatus(ctx context.Context, id int64, status models.AccountStatus, reason string) error {
	query := `
		UPDATE accounts
		SET status = ?, last_error = ?, error_count = error_count + 1, updated_at = ?
		WHERE id = ?
	`
	if reason == "" {
		query = `UPDATE accounts SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`
	}
	_, err := db.ExecContext(ctx, query, status, reason, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set account status: %w", err)
	}
	return nil
}

// SetAccountEnabled sets the operator toggle
func (db *DB) SetAccountEnabled(ctx context.Context, id int64, enabled bool) error {
	query := `UPDATE accounts SET is_enabled = ?, updated_at = ? WHERE id = ?`
	_, err := db.ExecContext(ctx, query, enabled, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set account enabled: %w", err)
	}
	return nil
}

// RecordForwardSuccess bumps the forwarded counter and sync timestamps
func (db *DB) RecordForwardSuccess(ctx context.Context, id int64, messageAt time.Time) error {
	now := time.Now().UTC()
	query := `
		UPDATE accounts
		SET forwarded_count = forwarded_count + 1, last_sync_at = ?, last_message_at = ?, updated_at = ?
		WHERE id = ?
	`
	_, err := db.ExecContext(ctx, query, now, messageAt.UTC(), now, id)
	if err != nil {
		return fmt.Errorf("failed to record forward success: %w", err)
	}
	return nil
}

// RecordForwardFailure bumps the failure counters and stores the last error
func (db *DB) RecordForwardFailure(ctx context.Context, id int64, reason string) error {
	query := `
		UPDATE accounts
		SET failed_count = failed_count + 1, error_count = error_count + 1, last_error = ?, updated_at = ?
		WHERE id = ?
	`
	_, err := db.ExecContext(ctx, query, reason, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to record forward failure: %w", err)
	}
	return nil
}

// TouchLastSync updates the last successful sync time
func (db *DB) TouchLastSync(ctx context.Context, id int64) error {
	query := `UPDATE accounts SET last_sync_at = ?, updated_at = ? WHERE id = ?`
	now := time.Now().UTC()
	_, err := db.ExecContext(ctx, query, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to touch last sync: %w", err)
	}
	return nil
}

// DeleteAccount deletes an account; child rows cascade
func (db *DB) DeleteAccount(ctx context.Context, id int64) error {
	query := `DELETE FROM accounts WHERE id = ?`
	_, err := db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return nil
}
