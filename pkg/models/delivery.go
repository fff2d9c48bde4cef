package models

import "time"

// ForwardStatus is the outcome of a relay attempt.
type ForwardStatus string

const (
	ForwardPending   ForwardStatus = "PENDING"
	ForwardForwarded ForwardStatus = "FORWARDED"
	ForwardFailed    ForwardStatus = "FAILED"
	ForwardSkipped   ForwardStatus = "SKIPPED"
)

// DeliveryRecord is the durable per-(account, message) outcome of a relay
// attempt. The (AccountID, MessageID) pair is the deduplication boundary:
// duplicate provider pushes collapse onto one row via atomic upsert.
type DeliveryRecord struct {
	ID            int64         `db:"id"`
	AccountID     int64         `db:"account_id"`
	MessageID     string        `db:"message_id"` // provider message id
	ForwardStatus ForwardStatus `db:"forward_status"`
	Attempts      int64         `db:"attempts"`
	LastAttemptAt time.Time     `db:"last_attempt_at"`
	Error         string        `db:"error"` // structured detail, JSON
	ForwardedTo   string        `db:"forwarded_to"`
	BodySnippet   string        `db:"body_snippet"` // plain-text excerpt, retry path only
	CreatedAt     time.Time     `db:"created_at"`
}

// Settled reports whether the record's message needs no further relay
// work: it was either forwarded or deliberately skipped.
func (r *DeliveryRecord) Settled() bool {
	return r.ForwardStatus == ForwardForwarded || r.ForwardStatus == ForwardSkipped
}

// DeliveryJob is the queued unit of relay work. Its queue identity is
// (AccountID, MessageID) so duplicate pushes enqueue at most one job.
type DeliveryJob struct {
	AccountID    int64  `json:"accountId"`
	AccountEmail string `json:"accountEmail"`
	MessageID    string `json:"messageId"`
}
