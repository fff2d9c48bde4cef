package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/AbdallaMon/mail-collector/internal/database"
	"github.com/AbdallaMon/mail-collector/internal/graph"
	"github.com/AbdallaMon/mail-collector/internal/msauth"
	"github.com/AbdallaMon/mail-collector/internal/queue"
	"github.com/AbdallaMon/mail-collector/internal/scheduler"
	"github.com/AbdallaMon/mail-collector/internal/subscription"
	"github.com/AbdallaMon/mail-collector/internal/syncer"
	"github.com/AbdallaMon/mail-collector/internal/token"
	"github.com/AbdallaMon/mail-collector/internal/worker"
	"github.com/AbdallaMon/mail-collector/pkg/models"
)

// maxBodyBytes bounds inbound notification bodies
const maxBodyBytes = 1 << 20

// notificationBatch is the provider's push payload
type notificationBatch struct {
	Value []notification `json:"value"`
}

type notification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	Resource       string `json:"resource"`
	ResourceData   *struct {
		ID string `json:"id"`
	} `json:"resourceData,omitempty"`
}

// Deps wires the gateway
type Deps struct {
	DB     *database.DB
	Subs   *subscription.Manager
	Queue  *queue.Queue
	Auth   *msauth.Authenticator
	Tokens *token.Store
	Client *graph.Client
	Syncer *syncer.Syncer
	Logger *slog.Logger
}

// Server is the notification gateway. The webhook handler acknowledges
// within the provider's deadline no matter what; validation and enqueueing
// happen after the response is written.
type Server struct {
	db     *database.DB
	subs   *subscription.Manager
	queue  *queue.Queue
	auth   *msauth.Authenticator
	tokens *token.Store
	client *graph.Client
	syncer *syncer.Syncer
	logger *slog.Logger
	mux    *http.ServeMux
}

// NewServer creates the gateway
func NewServer(deps Deps) *Server {
	s := &Server{
		db:     deps.DB,
		subs:   deps.Subs,
		queue:  deps.Queue,
		auth:   deps.Auth,
		tokens: deps.Tokens,
		client: deps.Client,
		syncer: deps.Syncer,
		logger: deps.Logger.With("component", "webhook"),
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /webhooks/mail", s.handleNotifications)
	s.mux.HandleFunc("GET /accounts/reauth/{accountID}", s.handleReauth)
	s.mux.HandleFunc("GET /oauth/callback", s.handleOAuthCallback)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleNotifications serves both request shapes of the webhook endpoint:
// the validation handshake (echo the token verbatim) and change
// notification batches (always 202, processing decoupled from the ack).
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if validationToken := r.URL.Query().Get("validationToken"); validationToken != "" {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, validationToken)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		// Still acknowledge: the provider must never be told to retry.
		s.logger.Warn("failed to read notification body", "error", err)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var batch notificationBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		s.logger.Warn("failed to parse notification body", "error", err)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.WriteHeader(http.StatusAccepted)

	// Once the 202 is out, processing runs to completion on its own
	// context and never raises back to the HTTP caller.
	go s.processBatch(context.WithoutCancel(r.Context()), batch)
}

func (s *Server) processBatch(ctx context.Context, batch notificationBatch) {
	for _, entry := range batch.Value {
		s.processEntry(ctx, entry)
	}
}

func (s *Server) processEntry(ctx context.Context, entry notification) {
	sub, ok := s.subs.ValidateInbound(ctx, entry.SubscriptionID, entry.ClientState)
	if !ok {
		// Untrusted entry: dropped silently, never an error response.
		return
	}

	account, err := s.db.GetAccountByID(ctx, sub.AccountID)
	if err != nil {
		s.logger.Error("failed to load account for notification", "account_id", sub.AccountID, "error", err)
		return
	}
	if !account.Deliverable() {
		s.logger.Debug("notification for non-deliverable account dropped",
			"account_id", account.ID, "status", account.Status, "enabled", account.IsEnabled)
		return
	}

	messageID := extractMessageID(entry)
	if messageID == "" {
		s.logger.Warn("notification carried no message id", "subscription_id", entry.SubscriptionID)
		return
	}

	identity := fmt.Sprintf("%d:%s", account.ID, messageID)
	inserted, err := s.queue.EnqueueIfAbsent(ctx, worker.JobTypeDelivery, identity, models.DeliveryJob{
		AccountID:    account.ID,
		AccountEmail: account.Email,
		MessageID:    messageID,
	})
	if err != nil {
		s.logger.Error("failed to enqueue delivery job", "identity", identity, "error", err)
		return
	}
	if inserted {
		s.logger.Info("delivery job enqueued", "account_id", account.ID, "message_id", messageID)
	}
}

// extractMessageID handles both notification shapes: an explicit
// resourceData.id, or the trailing segment of the resource path (plain or
// the provider's quoted Messages('id') form)
func extractMessageID(entry notification) string {
	if entry.ResourceData != nil && entry.ResourceData.ID != "" {
		return entry.ResourceData.ID
	}

	resource := strings.TrimSuffix(entry.Resource, "/")
	if resource == "" {
		return ""
	}
	seg := resource
	if i := strings.LastIndex(resource, "/"); i >= 0 {
		seg = resource[i+1:]
	}
	if open := strings.Index(seg, "('"); open >= 0 {
		if end := strings.LastIndex(seg, "')"); end > open {
			return seg[open+2 : end]
		}
	}
	return seg
}

// handleReauth looks up the account behind an emailed re-auth link and
// redirects to a freshly generated authorization URL
func (s *Server) handleReauth(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.ParseInt(r.PathValue("accountID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return
	}

	if _, err := s.db.GetAccountByID(r.Context(), accountID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			http.Error(w, "account not found", http.StatusNotFound)
			return
		}
		s.logger.Error("failed to load account for reauth", "account_id", accountID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	authURL, err := s.auth.AuthURL(accountID)
	if err != nil {
		s.logger.Error("failed to build auth url", "account_id", accountID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleOAuthCallback completes the grant: exchanges the code, binds the
// token to the account carried in the state, marks it CONNECTED, and kicks
// off the initial sync and subscription create
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if errMsg := r.URL.Query().Get("error"); errMsg != "" {
		http.Error(w, "authorization was declined: "+errMsg, http.StatusBadRequest)
		return
	}

	state, err := msauth.DecodeState(r.URL.Query().Get("state"))
	if err != nil {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing code", http.StatusBadRequest)
		return
	}

	account, err := s.db.GetAccountByID(ctx, state.AccountID)
	if err != nil {
		http.Error(w, "account not found", http.StatusNotFound)
		return
	}

	tok, err := s.auth.Exchange(ctx, code)
	if err != nil {
		s.logger.Error("code exchange failed", "account_id", account.ID, "error", err)
		http.Error(w, "authorization failed", http.StatusBadGateway)
		return
	}

	if err := s.tokens.SaveToken(ctx, account.ID, tok); err != nil {
		s.logger.Error("failed to persist credential", "account_id", account.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	// Bind the grant to the mailbox it actually belongs to.
	email, providerUserID := account.Email, account.ProviderUserID
	if me, err := s.client.GetMe(ctx, tok.AccessToken); err == nil {
		if addr := me.Address(); addr != "" {
			email = addr
		}
		providerUserID = me.ID
	} else {
		s.logger.Warn("failed to read profile after oauth", "account_id", account.ID, "error", err)
	}

	if err := s.db.MarkAccountConnected(ctx, account.ID, email, providerUserID); err != nil {
		s.logger.Error("failed to mark account connected", "account_id", account.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	// Fill the subscription gap and catch up on anything already waiting.
	identity := fmt.Sprintf("sub-create:%d", account.ID)
	if _, err := s.queue.EnqueueIfAbsent(ctx, scheduler.JobTypeSubscriptionCreate, identity, scheduler.Payload{AccountID: account.ID}); err != nil {
		s.logger.Error("failed to enqueue subscription create", "account_id", account.ID, "error", err)
	}
	if err := s.syncer.EnqueueAccountSync(ctx, account.ID, time.Second); err != nil {
		s.logger.Error("failed to enqueue initial sync", "account_id", account.ID, "error", err)
	}

	s.logger.Info("account connected", "account_id", account.ID, "email", email)
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Mailbox %s connected. You can close this window.\n", email)
}
