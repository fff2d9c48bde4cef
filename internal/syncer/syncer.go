package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AbdallaMon/mail-collector/internal/database"
	"github.com/AbdallaMon/mail-collector/internal/graph"
	"github.com/AbdallaMon/mail-collector/internal/queue"
	"github.com/AbdallaMon/mail-collector/internal/token"
	"github.com/AbdallaMon/mail-collector/internal/worker"
	"github.com/AbdallaMon/mail-collector/pkg/models"
)

const (
	// JobTypeSync enumerates one account's new messages
	JobTypeSync = "sync"
	// JobTypeSyncPlan fans a sweep out over all deliverable accounts
	JobTypeSyncPlan = "sync-plan"

	// stagger between per-account sync enqueues
	syncStagger = 250 * time.Millisecond
)

// Payload identifies the account a sync job covers
type Payload struct {
	AccountID int64 `json:"accountId"`
}

// Syncer walks the provider's incremental-sync query per account and feeds
// every new message into the delivery queue under the same dedup identity
// the webhook uses, so pushes and sweeps collapse onto one job. It is the
// safety net for pushes the gateway never saw.
type Syncer struct {
	db     *database.DB
	client *graph.Client
	tokens *token.Store
	queue  *queue.Queue
	logger *slog.Logger
}

// New creates a syncer
func New(db *database.DB, client *graph.Client, tokens *token.Store, q *queue.Queue, logger *slog.Logger) *Syncer {
	return &Syncer{
		db:     db,
		client: client,
		tokens: tokens,
		queue:  q,
		logger: logger.With("component", "syncer"),
	}
}

// EnqueueAccountSync queues an incremental sync for one account
func (s *Syncer) EnqueueAccountSync(ctx context.Context, accountID int64, delay time.Duration) error {
	identity := fmt.Sprintf("sync:%d", accountID)
	_, err := s.queue.EnqueueDelayed(ctx, JobTypeSync, identity, Payload{AccountID: accountID}, delay)
	return err
}

// HandleSyncPlan is the queue handler fanning a sweep out over all
// deliverable accounts with staggered delays
func (s *Syncer) HandleSyncPlan(ctx context.Context, _ *models.QueuedJob) error {
	accounts, err := s.db.ListDeliverableAccounts(ctx)
	if err != nil {
		return err
	}
	for i, account := range accounts {
		if err := s.EnqueueAccountSync(ctx, account.ID, time.Duration(i)*syncStagger); err != nil {
			s.logger.Error("failed to enqueue account sync", "account_id", account.ID, "error", err)
		}
	}
	return nil
}

// HandleSyncJob is the queue handler for one account's sync
func (s *Syncer) HandleSyncJob(ctx context.Context, job *models.QueuedJob) error {
	var p Payload
	if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
		return fmt.Errorf("failed to parse sync job payload: %w", err)
	}
	return s.SyncAccount(ctx, p.AccountID)
}

// SyncAccount resumes the account's delta enumeration from the stored
// cursor, enqueues a delivery job per new message, and persists the new
// resume link. A stale-cursor signal from the provider clears the cursor
// and restarts the enumeration from scratch.
func (s *Syncer) SyncAccount(ctx context.Context, accountID int64) error {
	account, err := s.db.GetAccountByID(ctx, accountID)
	if errors.Is(err, database.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !account.Deliverable() {
		return nil
	}

	accessToken, err := s.tokens.GetValidToken(ctx, accountID)
	if err != nil {
		return err
	}

	link := ""
	if cursor, err := s.db.GetSyncCursor(ctx, accountID); err == nil {
		link = cursor.DeltaLink
	}

	seen := 0
	restarted := false
	for {
		page, err := s.client.DeltaMessages(ctx, accessToken, link)
		if graph.IsGone(err) && !restarted {
			// Cursor went stale; reinitialize from the beginning.
			s.logger.Info("sync cursor stale, reinitializing", "account_id", accountID)
			if cerr := s.db.ClearSyncCursor(ctx, accountID); cerr != nil {
				return cerr
			}
			link = ""
			restarted = true
			continue
		}
		if err != nil {
			return fmt.Errorf("delta query failed for account %d: %w", accountID, err)
		}

		for _, msg := range page.Value {
			identity := fmt.Sprintf("%d:%s", accountID, msg.ID)
			_, err := s.queue.EnqueueIfAbsent(ctx, worker.JobTypeDelivery, identity, models.DeliveryJob{
				AccountID:    accountID,
				AccountEmail: account.Email,
				MessageID:    msg.ID,
			})
			if err != nil {
				return err
			}
			seen++
		}

		if page.NextLink != "" {
			link = page.NextLink
			continue
		}
		if page.DeltaLink != "" {
			if err := s.db.SaveSyncCursor(ctx, accountID, page.DeltaLink); err != nil {
				return err
			}
		}
		break
	}

	if seen > 0 {
		s.logger.Info("sync enqueued messages", "account_id", accountID, "count", seen)
	}
	return s.db.TouchLastSync(ctx, accountID)
}
