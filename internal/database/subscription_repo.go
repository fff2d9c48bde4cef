package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/AbdallaMon/mail-collector/pkg/models"
)

// UpsertSubscription stores the push subscription for an account,
// replacing any previous registration
func (db *DB) UpsertSubscription(ctx context.Context, sub *models.Subscription) error {
	query := `
		INSERT INTO subscriptions (account_id, subscription_id, resource, client_state, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			subscription_id = excluded.subscription_id,
			resource = excluded.resource,
			client_state = excluded.client_state,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`
	now := time.Now().UTC()
	_, err := db.ExecContext(ctx, query,
		sub.AccountID,
		sub.SubscriptionID,
		sub.Resource,
		sub.ClientState,
		sub.ExpiresAt.UTC(),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// GetSubscriptionByAccount returns the subscription owned by an account
func (db *DB) GetSubscriptionByAccount(ctx context.Context, accountID int64) (*models.Subscription, error) {
	var sub models.Subscription
	query := `SELECT * FROM subscriptions WHERE account_id = ?`
	err := db.GetContext(ctx, &sub, query, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return &sub, nil
}

// GetSubscriptionByID returns a subscription by its provider-side identifier
func (db *DB) GetSubscriptionByID(ctx context.Context, subscriptionID string) (*models.Subscription, error) {
	var sub models.Subscription
	query := `SELECT * FROM subscriptions WHERE subscription_id = ?`
	err := db.GetContext(ctx, &sub, query, subscriptionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return &sub, nil
}

// ListSubscriptionsExpiringBefore returns subscriptions with expires_at at or
// before the given instant
func (db *DB) ListSubscriptionsExpiringBefore(ctx context.Context, deadline time.Time) ([]*models.Subscription, error) {
	var subs []*models.Subscription
	query := `SELECT * FROM subscriptions WHERE expires_at <= ? ORDER BY expires_at`
	err := db.SelectContext(ctx, &subs, query, deadline.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring subscriptions: %w", err)
	}
	return subs, nil
}

// ListAccountsMissingSubscription returns deliverable accounts with no
// subscription row
func (db *DB) ListAccountsMissingSubscription(ctx context.Context) ([]*models.Account, error) {
	var accounts []*models.Account
	query := `
		SELECT a.* FROM accounts a
		LEFT JOIN subscriptions s ON s.account_id = a.id
		WHERE a.status = ? AND a.is_enabled = true AND s.account_id IS NULL
	`
	err := db.SelectContext(ctx, &accounts, query, models.StatusConnected)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts missing subscription: %w", err)
	}
	return accounts, nil
}

// DeleteSubscription removes the subscription row for an account
func (db *DB) DeleteSubscription(ctx context.Context, accountID int64) error {
	query := `DELETE FROM subscriptions WHERE account_id = ?`
	_, err := db.ExecContext(ctx, query, accountID)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}
