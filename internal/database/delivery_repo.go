package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/AbdallaMon/mail-collector/pkg/models"
)

// DeliveryOutcome is one processing pass over a queued message.
type DeliveryOutcome struct {
	AccountID   int64
	MessageID   string
	Status      models.ForwardStatus
	Error       string
	ForwardedTo string
	BodySnippet string
}

// UpsertDeliveryOutcome records the outcome of a processing pass. The
// compound key (account_id, message_id) is the deduplication boundary: a
// second pass for the same pair updates the existing row in place and bumps
// attempts. The upsert must stay a single statement so concurrent duplicate
// notifications cannot race into two rows.
func (db *DB) UpsertDeliveryOutcome(ctx context.Context, out DeliveryOutcome) error {
	query := `
		INSERT INTO delivery_records (account_id, message_id, forward_status, attempts, last_attempt_at, error, forwarded_to, body_snippet, created_at)
		VALUES (?, ?, ?, 1, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, message_id) DO UPDATE SET
			forward_status = excluded.forward_status,
			attempts = attempts + 1,
			last_attempt_at = excluded.last_attempt_at,
			error = excluded.error,
			forwarded_to = excluded.forwarded_to,
			body_snippet = CASE WHEN excluded.body_snippet != '' THEN excluded.body_snippet ELSE body_snippet END
	`
	now := time.Now().UTC()
	_, err := db.ExecContext(ctx, query,
		out.AccountID,
		out.MessageID,
		out.Status,
		now,
		out.Error,
		out.ForwardedTo,
		out.BodySnippet,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert delivery record: %w", err)
	}
	return nil
}

// GetDeliveryRecord returns the record for an (account, message) pair
func (db *DB) GetDeliveryRecord(ctx context.Context, accountID int64, messageID string) (*models.DeliveryRecord, error) {
	var rec models.DeliveryRecord
	query := `SELECT * FROM delivery_records WHERE account_id = ? AND message_id = ?`
	err := db.GetContext(ctx, &rec, query, accountID, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery record: %w", err)
	}
	return &rec, nil
}

// ListFailedDeliveries returns FAILED records still below the attempt
// ceiling, oldest attempt first
func (db *DB) ListFailedDeliveries(ctx context.Context, maxAttempts int64, limit int) ([]*models.DeliveryRecord, error) {
	var recs []*models.DeliveryRecord
	query := `
		SELECT * FROM delivery_records
		WHERE forward_status = ? AND attempts < ?
		ORDER BY last_attempt_at
		LIMIT ?
	`
	err := db.SelectContext(ctx, &recs, query, models.ForwardFailed, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed deliveries: %w", err)
	}
	return recs, nil
}

// ListDeliveriesByAccount returns the most recent records for an account,
// used for operator-facing failure visibility
func (db *DB) ListDeliveriesByAccount(ctx context.Context, accountID int64, limit int) ([]*models.DeliveryRecord, error) {
	var recs []*models.DeliveryRecord
	query := `
		SELECT * FROM delivery_records
		WHERE account_id = ?
		ORDER BY last_attempt_at DESC
		LIMIT ?
	`
	err := db.SelectContext(ctx, &recs, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	return recs, nil
}
