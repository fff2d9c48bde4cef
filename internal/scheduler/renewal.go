package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/AbdallaMon/mail-collector/internal/queue"
	"github.com/AbdallaMon/mail-collector/internal/subscription"
	"github.com/AbdallaMon/mail-collector/pkg/models"
)

const (
	// JobTypeRenewalPlan is the recurring planning pass
	JobTypeRenewalPlan = "renewal-plan"
	// JobTypeSubscriptionCreate creates a missing subscription
	JobTypeSubscriptionCreate = "subscription-create"
	// JobTypeSubscriptionRenew renews one nearing expiry
	JobTypeSubscriptionRenew = "subscription-renew"

	// RenewalConcurrency is the worker-pool size for create/renew jobs
	RenewalConcurrency = 2

	// stagger between enqueues so a large account population doesn't hit
	// the provider all at once
	planStagger = 250 * time.Millisecond
)

// PlanIdentity is the stable recurring registration id; restarts re-register
// the same row instead of duplicating the schedule
const PlanIdentity = "renewal-plan"

// Payload identifies the account a subscription job covers
type Payload struct {
	AccountID int64 `json:"accountId"`
}

// Scheduler keeps every account's push subscription alive: a recurring
// planning pass finds accounts with no subscription and subscriptions
// nearing expiry, and enqueues create/renew jobs with staggered delays.
type Scheduler struct {
	subs    *subscription.Manager
	queue   *queue.Queue
	horizon time.Duration
	logger  *slog.Logger
}

// New creates a renewal scheduler
func New(subs *subscription.Manager, q *queue.Queue, horizon time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		subs:    subs,
		queue:   q,
		horizon: horizon,
		logger:  logger.With("component", "renewal_scheduler"),
	}
}

// Start registers the recurring planning pass and runs it once immediately,
// so a fresh process never waits a full interval before filling gaps
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) error {
	if err := s.queue.RegisterRecurring(ctx, PlanIdentity, JobTypeRenewalPlan, interval); err != nil {
		return err
	}
	if _, err := s.queue.EnqueueIfAbsent(ctx, JobTypeRenewalPlan, PlanIdentity, nil); err != nil {
		return err
	}
	return nil
}

// HandlePlan is the queue handler for the planning pass. Failures are
// per-account: one bad account never blocks the rest of the run.
func (s *Scheduler) HandlePlan(ctx context.Context, _ *models.QueuedJob) error {
	missing, err := s.subs.GetAccountsMissingSubscription(ctx)
	if err != nil {
		return err
	}
	delay := time.Duration(0)
	for _, account := range missing {
		identity := fmt.Sprintf("sub-create:%d", account.ID)
		if _, err := s.queue.EnqueueDelayed(ctx, JobTypeSubscriptionCreate, identity, Payload{AccountID: account.ID}, delay); err != nil {
			s.logger.Error("failed to enqueue subscription create", "account_id", account.ID, "error", err)
			continue
		}
		delay += planStagger
	}

	expiring, err := s.subs.GetExpiringSoon(ctx, s.horizon)
	if err != nil {
		return err
	}
	for _, sub := range expiring {
		identity := fmt.Sprintf("sub-renew:%d", sub.AccountID)
		if _, err := s.queue.EnqueueDelayed(ctx, JobTypeSubscriptionRenew, identity, Payload{AccountID: sub.AccountID}, delay); err != nil {
			s.logger.Error("failed to enqueue subscription renew", "account_id", sub.AccountID, "error", err)
			continue
		}
		delay += planStagger
	}

	if len(missing) > 0 || len(expiring) > 0 {
		s.logger.Info("renewal plan enqueued", "creates", len(missing), "renewals", len(expiring))
	}
	return nil
}

// HandleCreate is the queue handler creating a missing subscription
func (s *Scheduler) HandleCreate(ctx context.Context, job *models.QueuedJob) error {
	accountID, err := parsePayload(job)
	if err != nil {
		return err
	}
	_, err = s.subs.CreateSubscription(ctx, accountID)
	return err
}

// HandleRenew is the queue handler renewing a subscription nearing expiry
func (s *Scheduler) HandleRenew(ctx context.Context, job *models.QueuedJob) error {
	accountID, err := parsePayload(job)
	if err != nil {
		return err
	}
	_, err = s.subs.RenewSubscription(ctx, accountID)
	return err
}

func parsePayload(job *models.QueuedJob) (int64, error) {
	var p Payload
	if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
		return 0, fmt.Errorf("failed to parse subscription job payload: %w", err)
	}
	return p.AccountID, nil
}
