package models

import "time"

// JobStatus is the queue-side state of a job row.
type JobStatus string

const (
	JobEnqueued   JobStatus = "enqueued"
	JobProcessing JobStatus = "processing"
	JobDone       JobStatus = "done"
	JobFailed     JobStatus = "failed"
)

// QueuedJob is one durable unit of queued work. (JobType, Identity) is
// unique while the job is enqueued or in flight, which is what makes
// enqueue-if-absent atomic.
type QueuedJob struct {
	ID        int64     `db:"id"`
	JobType   string    `db:"job_type"`
	Identity  string    `db:"identity"`
	Payload   string    `db:"payload"` // JSON
	Status    JobStatus `db:"status"`
	RunAt     time.Time `db:"run_at"`
	LastError string    `db:"last_error"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// RecurringJob is a stable-identity recurring registration. Restarts
// upsert the same row, so the schedule is never duplicated.
type RecurringJob struct {
	Identity        string    `db:"identity"`
	JobType         string    `db:"job_type"`
	IntervalSeconds int64     `db:"interval_seconds"`
	NextRunAt       time.Time `db:"next_run_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}
