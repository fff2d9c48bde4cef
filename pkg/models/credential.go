package models

import "time"

// Credential holds the OAuth token material for an account.
// Access and refresh tokens are stored AES-GCM encrypted and are
// replaced wholesale on every refresh.
type Credential struct {
	AccountID    int64     `db:"account_id"`
	AccessToken  string    `db:"access_token"`  // encrypted
	RefreshToken string    `db:"refresh_token"` // encrypted
	TokenType    string    `db:"token_type"`
	Scope        string    `db:"scope"`
	ExpiresAt    time.Time `db:"expires_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// SyncCursor is the opaque resume token for incremental message
// enumeration. Cleared when the provider signals it is stale.
type SyncCursor struct {
	AccountID int64     `db:"account_id"`
	DeltaLink string    `db:"delta_link"`
	UpdatedAt time.Time `db:"updated_at"`
}
