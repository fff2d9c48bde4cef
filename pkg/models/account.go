package models

import "time"

// AccountStatus is the lifecycle state of a connected mailbox.
type AccountStatus string

const (
	StatusPending     AccountStatus = "PENDING"
	StatusConnected   AccountStatus = "CONNECTED"
	StatusNeedsReauth AccountStatus = "NEEDS_REAUTH"
	StatusError       AccountStatus = "ERROR"
	StatusDisabled    AccountStatus = "DISABLED"
)

// Account represents one authorized mailbox under management
type Account struct {
	ID             int64         `db:"id"`
	Email          string        `db:"email"`
	ProviderUserID string        `db:"provider_user_id"` // provider-side user id
	Status         AccountStatus `db:"status"`
	IsEnabled      bool          `db:"is_enabled"` // operator toggle, independent of status
	ForwardedCount int64         `db:"forwarded_count"`
	FailedCount    int64         `db:"failed_count"`
	LastSyncAt     *time.Time    `db:"last_sync_at"`
	LastMessageAt  *time.Time    `db:"last_message_at"`
	LastError      string        `db:"last_error"`
	ErrorCount     int64         `db:"error_count"`
	CreatedAt      time.Time     `db:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at"`
}

// Deliverable reports whether inbound notifications for this account
// should produce delivery jobs.
func (a *Account) Deliverable() bool {
	return a.Status == StatusConnected && a.IsEnabled
}
