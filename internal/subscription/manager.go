package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AbdallaMon/mail-collector/internal/crypto"
	"github.com/AbdallaMon/mail-collector/internal/database"
	"github.com/AbdallaMon/mail-collector/internal/graph"
	"github.com/AbdallaMon/mail-collector/internal/token"
	"github.com/AbdallaMon/mail-collector/pkg/models"
)

const (
	// the provider caps subscription lifetime at 4230 minutes
	subscriptionLifetime = 4230 * time.Minute

	// watched resource per account
	inboxResource = "me/mailFolders('inbox')/messages"

	// clientState entropy, 32 bytes = 256 bits
	clientStateBytes = 32

	// ceiling on remembered unknown subscription ids
	maxUnknownTracked = 1024
)

// Manager creates, renews, and validates the provider-side push
// subscription for each account.
type Manager struct {
	db              *database.DB
	client          *graph.Client
	tokens          *token.Store
	notificationURL string
	logger          *slog.Logger

	// unknown subscription ids already logged, so replay storms against the
	// webhook cannot flood the log
	unknownMu sync.Mutex
	unknown   map[string]struct{}
}

// NewManager creates a subscription manager
func NewManager(db *database.DB, client *graph.Client, tokens *token.Store, notificationURL string, logger *slog.Logger) *Manager {
	return &Manager{
		db:              db,
		client:          client,
		tokens:          tokens,
		notificationURL: notificationURL,
		logger:          logger.With("component", "subscription_manager"),
		unknown:         make(map[string]struct{}),
	}
}

// CreateSubscription registers a fresh push subscription for the account
// and upserts the local row, replacing any previous registration
func (m *Manager) CreateSubscription(ctx context.Context, accountID int64) (*models.Subscription, error) {
	accessToken, err := m.tokens.GetValidToken(ctx, accountID)
	if err != nil {
		return nil, err
	}

	clientState, err := crypto.RandomToken(clientStateBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to generate client state: %w", err)
	}

	expiresAt := time.Now().UTC().Add(subscriptionLifetime)
	created, err := m.client.CreateSubscription(ctx, accessToken, graph.SubscriptionRequest{
		ChangeType:         "created",
		NotificationURL:    m.notificationURL,
		Resource:           inboxResource,
		ExpirationDateTime: expiresAt,
		ClientState:        clientState,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription for account %d: %w", accountID, err)
	}

	sub := &models.Subscription{
		AccountID:      accountID,
		SubscriptionID: created.ID,
		Resource:       inboxResource,
		ClientState:    clientState,
		ExpiresAt:      created.ExpirationDateTime.UTC(),
	}
	if err := m.db.UpsertSubscription(ctx, sub); err != nil {
		return nil, err
	}

	m.logger.Info("subscription created",
		"account_id", accountID,
		"subscription_id", created.ID,
		"expires_at", sub.ExpiresAt)
	return sub, nil
}

// RenewSubscription extends the account's subscription. A missing or lapsed
// row, or a provider signal that the subscription is gone, falls back to a
// full recreate with a new id and clientState.
func (m *Manager) RenewSubscription(ctx context.Context, accountID int64) (*models.Subscription, error) {
	sub, err := m.db.GetSubscriptionByAccount(ctx, accountID)
	if errors.Is(err, database.ErrNotFound) {
		return m.CreateSubscription(ctx, accountID)
	}
	if err != nil {
		return nil, err
	}

	if sub.Expired(time.Now().UTC()) {
		// The provider has already dropped it; renewing would 404 anyway.
		return m.recreate(ctx, accountID)
	}

	accessToken, err := m.tokens.GetValidToken(ctx, accountID)
	if err != nil {
		return nil, err
	}

	expiresAt := time.Now().UTC().Add(subscriptionLifetime)
	renewed, err := m.client.RenewSubscription(ctx, accessToken, sub.SubscriptionID, expiresAt)
	if graph.IsSubscriptionInvalid(err) {
		m.logger.Info("subscription rejected by provider, recreating",
			"account_id", accountID, "subscription_id", sub.SubscriptionID)
		return m.recreate(ctx, accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to renew subscription for account %d: %w", accountID, err)
	}

	sub.ExpiresAt = renewed.ExpirationDateTime.UTC()
	if err := m.db.UpsertSubscription(ctx, sub); err != nil {
		return nil, err
	}

	m.logger.Info("subscription renewed",
		"account_id", accountID,
		"subscription_id", sub.SubscriptionID,
		"expires_at", sub.ExpiresAt)
	return sub, nil
}

func (m *Manager) recreate(ctx context.Context, accountID int64) (*models.Subscription, error) {
	if err := m.db.DeleteSubscription(ctx, accountID); err != nil {
		return nil, err
	}
	return m.CreateSubscription(ctx, accountID)
}

// GetExpiringSoon returns subscriptions expiring within the horizon
func (m *Manager) GetExpiringSoon(ctx context.Context, horizon time.Duration) ([]*models.Subscription, error) {
	return m.db.ListSubscriptionsExpiringBefore(ctx, time.Now().UTC().Add(horizon))
}

// GetAccountsMissingSubscription returns deliverable accounts that have no
// subscription row yet
func (m *Manager) GetAccountsMissingSubscription(ctx context.Context) ([]*models.Account, error) {
	return m.db.ListAccountsMissingSubscription(ctx)
}

// ValidateInbound authenticates an inbound push. It returns the
// subscription only when the id is known and the clientState matches
// exactly; unknown ids, mismatched and empty clientStates are all the same
// outcome: untrusted.
func (m *Manager) ValidateInbound(ctx context.Context, subscriptionID, clientState string) (*models.Subscription, bool) {
	if subscriptionID == "" || clientState == "" {
		return nil, false
	}

	sub, err := m.db.GetSubscriptionByID(ctx, subscriptionID)
	if errors.Is(err, database.ErrNotFound) {
		m.logUnknown(subscriptionID)
		return nil, false
	}
	if err != nil {
		m.logger.Error("failed to look up subscription", "subscription_id", subscriptionID, "error", err)
		return nil, false
	}

	if sub.ClientState != clientState {
		m.logger.Warn("client state mismatch on inbound notification",
			"subscription_id", subscriptionID, "account_id", sub.AccountID)
		return nil, false
	}
	return sub, true
}

// logUnknown logs an unknown subscription id at most once. The set is
// reset when it reaches maxUnknownTracked entries, so random ids sprayed
// at the webhook cannot grow it without bound.
func (m *Manager) logUnknown(subscriptionID string) {
	m.unknownMu.Lock()
	_, seen := m.unknown[subscriptionID]
	if !seen {
		if len(m.unknown) >= maxUnknownTracked {
			m.unknown = make(map[string]struct{})
		}
		m.unknown[subscriptionID] = struct{}{}
	}
	m.unknownMu.Unlock()

	if !seen {
		m.logger.Warn("notification for unknown subscription", "subscription_id", subscriptionID)
	}
}
