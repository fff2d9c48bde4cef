package models

import "time"

// Subscription is a provider-side push registration for an account's inbox.
// The provider caps subscription lifetime, so ExpiresAt is always bounded
// and the row is recreated (new id, new clientState) once the provider
// rejects or forgets the old one.
type Subscription struct {
	AccountID      int64     `db:"account_id"`
	SubscriptionID string    `db:"subscription_id"`
	Resource       string    `db:"resource"`
	ClientState    string    `db:"client_state"` // shared secret echoed on every push
	ExpiresAt      time.Time `db:"expires_at"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// Expired reports whether the subscription has lapsed past its expiry.
func (s *Subscription) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}
