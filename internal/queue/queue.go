package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AbdallaMon/mail-collector/internal/database"
	"github.com/AbdallaMon/mail-collector/pkg/models"
)

// Handler processes one claimed job. A returned error freezes the job in
// failed state with the error recorded; it is not retried at queue level.
type Handler func(ctx context.Context, job *models.QueuedJob) error

type registration struct {
	handler     Handler
	concurrency int
}

// Queue is a durable job queue backed by the sqlite database. Jobs survive
// restarts; (type, identity) uniqueness while queued or in flight gives
// enqueue-if-absent semantics; each job type runs on its own small worker
// pool so one type's backlog never starves another.
type Queue struct {
	db           *database.DB
	logger       *slog.Logger
	pollInterval time.Duration

	mu       sync.Mutex
	handlers map[string]registration
	wg       sync.WaitGroup
}

// New creates a queue over the shared database
func New(db *database.DB, logger *slog.Logger) *Queue {
	return &Queue{
		db:           db,
		logger:       logger.With("component", "queue"),
		pollInterval: 500 * time.Millisecond,
		handlers:     make(map[string]registration),
	}
}

// Register binds a handler and a worker-pool size to a job type. Must be
// called before Run.
func (q *Queue) Register(jobType string, concurrency int, handler Handler) {
	if concurrency < 1 {
		concurrency = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = registration{handler: handler, concurrency: concurrency}
}

// EnqueueIfAbsent enqueues a job unless one with the same identity is
// already queued or in flight. Returns false when the job was deduplicated.
func (q *Queue) EnqueueIfAbsent(ctx context.Context, jobType, identity string, payload any) (bool, error) {
	return q.enqueue(ctx, jobType, identity, payload, 0)
}

// EnqueueDelayed enqueues a job that becomes due after the delay, with the
// same identity dedup as EnqueueIfAbsent
func (q *Queue) EnqueueDelayed(ctx context.Context, jobType, identity string, payload any, delay time.Duration) (bool, error) {
	return q.enqueue(ctx, jobType, identity, payload, delay)
}

func (q *Queue) enqueue(ctx context.Context, jobType, identity string, payload any, delay time.Duration) (bool, error) {
	var body string
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return false, fmt.Errorf("failed to marshal job payload: %w", err)
		}
		body = string(data)
	}

	err := q.db.InsertJob(ctx, jobType, identity, body, time.Now().UTC().Add(delay))
	if errors.Is(err, database.ErrAlreadyExists) {
		q.logger.Debug("job already queued", "type", jobType, "identity", identity)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RegisterRecurring registers a recurring enqueue under a stable identity.
// Each due tick enqueues one job of the given type (identity reused, so an
// unfinished previous run suppresses the next one).
func (q *Queue) RegisterRecurring(ctx context.Context, identity, jobType string, interval time.Duration) error {
	return q.db.UpsertRecurringJob(ctx, identity, jobType, interval)
}

// Run starts the worker pools and the recurring dispatcher and blocks until
// ctx is cancelled and all in-flight handlers return
func (q *Queue) Run(ctx context.Context) {
	q.mu.Lock()
	for jobType, reg := range q.handlers {
		for i := 0; i < reg.concurrency; i++ {
			q.wg.Add(1)
			go q.worker(ctx, jobType, reg.handler)
		}
	}
	q.mu.Unlock()

	q.wg.Add(1)
	go q.dispatchRecurring(ctx)

	<-ctx.Done()
	q.wg.Wait()
}

func (q *Queue) worker(ctx context.Context, jobType string, handler Handler) {
	defer q.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := q.db.ClaimDueJob(ctx, jobType)
		if errors.Is(err, database.ErrNotFound) {
			if !q.idle(ctx) {
				return
			}
			continue
		}
		if err != nil {
			q.logger.Error("failed to claim job", "type", jobType, "error", err)
			if !q.idle(ctx) {
				return
			}
			continue
		}

		if err := handler(ctx, job); err != nil {
			q.logger.Warn("job failed", "type", jobType, "identity", job.Identity, "error", err)
			if ferr := q.db.FailJob(ctx, job.ID, err.Error()); ferr != nil {
				q.logger.Error("failed to record job failure", "type", jobType, "error", ferr)
			}
			continue
		}

		if err := q.db.CompleteJob(ctx, job.ID); err != nil {
			q.logger.Error("failed to complete job", "type", jobType, "error", err)
		}
	}
}

func (q *Queue) dispatchRecurring(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		due, err := q.db.ListDueRecurringJobs(ctx)
		if err != nil {
			q.logger.Error("failed to list due recurring jobs", "error", err)
			continue
		}
		for _, rec := range due {
			if _, err := q.EnqueueIfAbsent(ctx, rec.JobType, rec.Identity, nil); err != nil {
				q.logger.Error("failed to enqueue recurring job", "identity", rec.Identity, "error", err)
				continue
			}
			if err := q.db.AdvanceRecurringJob(ctx, rec.Identity); err != nil {
				q.logger.Error("failed to advance recurring job", "identity", rec.Identity, "error", err)
			}
		}
	}
}

func (q *Queue) idle(ctx context.Context) bool {
	timer := time.NewTimer(q.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
