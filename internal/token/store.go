package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/AbdallaMon/mail-collector/internal/crypto"
	"github.com/AbdallaMon/mail-collector/internal/database"
	"github.com/AbdallaMon/mail-collector/pkg/models"
)

// refreshBuffer is how close to expiry a token may get before it is
// refreshed rather than served
const refreshBuffer = 5 * time.Minute

// ErrReauthRequired means the account's grant is exhausted and an operator
// must re-consent. This is the single signal the rest of the pipeline
// checks for authentication exhaustion.
var ErrReauthRequired = errors.New("account requires re-authorization")

// Refresher performs the provider's refresh-token exchange
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// Store persists and serves valid bearer credentials per account
type Store struct {
	db        *database.DB
	cipher    *crypto.Cipher
	refresher Refresher
	logger    *slog.Logger

	// now is swapped out by tests
	now func() time.Time
}

// NewStore creates a token store
func NewStore(db *database.DB, cipher *crypto.Cipher, refresher Refresher, logger *slog.Logger) *Store {
	return &Store{
		db:        db,
		cipher:    cipher,
		refresher: refresher,
		logger:    logger.With("component", "token_store"),
		now:       time.Now,
	}
}

// GetValidToken returns a decrypted access token for the account,
// refreshing it first when it is inside the expiry buffer. Refresh failure
// flips the account to NEEDS_REAUTH and returns ErrReauthRequired.
func (s *Store) GetValidToken(ctx context.Context, accountID int64) (string, error) {
	cred, err := s.db.GetCredential(ctx, accountID)
	if errors.Is(err, database.ErrNotFound) {
		return "", s.reauth(ctx, accountID, "no stored credential")
	}
	if err != nil {
		return "", err
	}

	access, err := s.cipher.Decrypt(cred.AccessToken)
	if err != nil || strings.TrimSpace(access) == "" {
		// Undecryptable or blank token material is corruption, not
		// something a retry can fix.
		return "", s.reauth(ctx, accountID, "stored access token is unreadable")
	}

	if cred.ExpiresAt.After(s.now().Add(refreshBuffer)) {
		return access, nil
	}

	refresh, err := s.cipher.Decrypt(cred.RefreshToken)
	if err != nil || strings.TrimSpace(refresh) == "" {
		return "", s.reauth(ctx, accountID, "stored refresh token is unreadable")
	}

	tok, err := s.refresher.Refresh(ctx, refresh)
	if err != nil {
		s.logger.Warn("token refresh failed", "account_id", accountID, "error", err)
		return "", s.reauth(ctx, accountID, fmt.Sprintf("refresh exchange failed: %v", err))
	}

	// The provider may omit a replacement refresh token; keep the old one.
	if tok.RefreshToken == "" {
		tok.RefreshToken = refresh
	}

	if err := s.SaveToken(ctx, accountID, tok); err != nil {
		return "", err
	}

	s.logger.Debug("token refreshed", "account_id", accountID, "expires_at", tok.Expiry)
	return tok.AccessToken, nil
}

// SaveToken encrypts and persists token material, replacing the stored
// credential wholesale
func (s *Store) SaveToken(ctx context.Context, accountID int64, tok *oauth2.Token) error {
	encAccess, err := s.cipher.Encrypt(tok.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	encRefresh, err := s.cipher.Encrypt(tok.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	tokenType := tok.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	scope, _ := tok.Extra("scope").(string)

	return s.db.UpsertCredential(ctx, &models.Credential{
		AccountID:    accountID,
		AccessToken:  encAccess,
		RefreshToken: encRefresh,
		TokenType:    tokenType,
		Scope:        scope,
		ExpiresAt:    tok.Expiry.UTC(),
	})
}

func (s *Store) reauth(ctx context.Context, accountID int64, reason string) error {
	if err := s.db.SetAccountStatus(ctx, accountID, models.StatusNeedsReauth, reason); err != nil {
		s.logger.Error("failed to flag account for re-auth", "account_id", accountID, "error", err)
	}
	return fmt.Errorf("account %d: %s: %w", accountID, reason, ErrReauthRequired)
}
