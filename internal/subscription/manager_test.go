package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/AbdallaMon/mail-collector/internal/crypto"
	"github.com/AbdallaMon/mail-collector/internal/database"
	"github.com/AbdallaMon/mail-collector/internal/graph"
	"github.com/AbdallaMon/mail-collector/internal/token"
	"github.com/AbdallaMon/mail-collector/pkg/models"
)

type stubRefresher struct{}

func (stubRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "refreshed", Expiry: time.Now().Add(time.Hour)}, nil
}

// providerStub records subscription calls and hands out sequential ids.
type providerStub struct {
	mux         *http.ServeMux
	created     []graph.SubscriptionRequest
	patched     []string
	renewStatus int
	nextID      int
}

func newProviderStub() *providerStub {
	p := &providerStub{mux: http.NewServeMux()}
	p.mux.HandleFunc("POST /subscriptions", func(w http.ResponseWriter, r *http.Request) {
		var req graph.SubscriptionRequest
		json.NewDecoder(r.Body).Decode(&req)
		p.created = append(p.created, req)
		p.nextID++
		json.NewEncoder(w).Encode(graph.SubscriptionResource{
			ID:                 fmt.Sprintf("sub-%d", p.nextID),
			ClientState:        req.ClientState,
			ExpirationDateTime: req.ExpirationDateTime,
		})
	})
	p.mux.HandleFunc("PATCH /subscriptions/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		p.patched = append(p.patched, id)
		if p.renewStatus != 0 {
			w.WriteHeader(p.renewStatus)
			return
		}
		var req graph.SubscriptionRequest
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(graph.SubscriptionResource{
			ID:                 id,
			ExpirationDateTime: req.ExpirationDateTime,
		})
	})
	return p
}

type managerFixture struct {
	db      *database.DB
	manager *Manager
	stub    *providerStub
	account *models.Account
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	db, err := database.NewMemory()
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	stub := newProviderStub()
	srv := httptest.NewServer(stub.mux)
	t.Cleanup(srv.Close)

	cipher, err := crypto.New("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("crypto.New: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tokens := token.NewStore(db, cipher, stubRefresher{}, logger)

	account := &models.Account{Email: "box@example.com", Status: models.StatusConnected, IsEnabled: true}
	if err := db.CreateAccount(ctx, account); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	err = tokens.SaveToken(ctx, account.ID, &oauth2.Token{
		AccessToken:  "access",
		RefreshToken: "refresh",
		Expiry:       time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("SaveToken: %v", err)
	}

	client := graph.NewClient(graph.Config{BaseURL: srv.URL})
	return &managerFixture{
		db:      db,
		manager: NewManager(db, client, tokens, "https://relay.example.com/webhooks/mail", logger),
		stub:    stub,
		account: account,
	}
}

func TestCreateSubscriptionStoresProviderRow(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	sub, err := f.manager.CreateSubscription(ctx, f.account.ID)
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	if sub.SubscriptionID == "" {
		t.Fatal("missing provider subscription id")
	}
	if len(sub.ClientState) < 32 {
		t.Errorf("clientState = %q, want high-entropy value", sub.ClientState)
	}

	if len(f.stub.created) != 1 {
		t.Fatalf("create calls = %d, want 1", len(f.stub.created))
	}
	req := f.stub.created[0]
	if req.ChangeType != "created" {
		t.Errorf("changeType = %q", req.ChangeType)
	}
	if req.NotificationURL != "https://relay.example.com/webhooks/mail" {
		t.Errorf("notificationUrl = %q", req.NotificationURL)
	}
	if req.ClientState != sub.ClientState {
		t.Error("stored clientState differs from the one registered with the provider")
	}

	stored, err := f.db.GetSubscriptionByAccount(ctx, f.account.ID)
	if err != nil {
		t.Fatalf("GetSubscriptionByAccount: %v", err)
	}
	if stored.SubscriptionID != sub.SubscriptionID || stored.ClientState != sub.ClientState {
		t.Errorf("stored = %+v, want %+v", stored, sub)
	}
}

func TestRenewSubscriptionPatchesExisting(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	first, err := f.manager.CreateSubscription(ctx, f.account.ID)
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	renewed, err := f.manager.RenewSubscription(ctx, f.account.ID)
	if err != nil {
		t.Fatalf("RenewSubscription: %v", err)
	}
	if renewed.SubscriptionID != first.SubscriptionID {
		t.Errorf("id changed across a plain renew: %q -> %q", first.SubscriptionID, renewed.SubscriptionID)
	}
	if renewed.ClientState != first.ClientState {
		t.Error("clientState changed across a plain renew")
	}
	if !renewed.ExpiresAt.After(time.Now().Add(48 * time.Hour)) {
		t.Errorf("expiry = %v, want pushed out", renewed.ExpiresAt)
	}
	if len(f.stub.patched) != 1 || f.stub.patched[0] != first.SubscriptionID {
		t.Errorf("patched = %v", f.stub.patched)
	}
}

func TestRenewSubscriptionRecreatesWhenProviderRejects(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	first, err := f.manager.CreateSubscription(ctx, f.account.ID)
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	f.stub.renewStatus = http.StatusNotFound
	renewed, err := f.manager.RenewSubscription(ctx, f.account.ID)
	if err != nil {
		t.Fatalf("RenewSubscription: %v", err)
	}
	if renewed.SubscriptionID == first.SubscriptionID {
		t.Error("expected a fresh id after provider rejection")
	}
	if renewed.ClientState == first.ClientState {
		t.Error("expected a fresh clientState after provider rejection")
	}
}

func TestRenewSubscriptionRecreatesWhenLapsed(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	err := f.db.UpsertSubscription(ctx, &models.Subscription{
		AccountID:      f.account.ID,
		SubscriptionID: "sub-old",
		Resource:       "me/mailFolders('inbox')/messages",
		ClientState:    "old-state",
		ExpiresAt:      time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("UpsertSubscription: %v", err)
	}

	renewed, err := f.manager.RenewSubscription(ctx, f.account.ID)
	if err != nil {
		t.Fatalf("RenewSubscription: %v", err)
	}
	if renewed.SubscriptionID == "sub-old" {
		t.Error("lapsed subscription must be recreated, not renewed")
	}
	if len(f.stub.patched) != 0 {
		t.Errorf("patched = %v, want no renew call for a lapsed row", f.stub.patched)
	}
}

func TestRenewSubscriptionCreatesWhenMissing(t *testing.T) {
	f := newManagerFixture(t)

	sub, err := f.manager.RenewSubscription(context.Background(), f.account.ID)
	if err != nil {
		t.Fatalf("RenewSubscription: %v", err)
	}
	if sub.SubscriptionID == "" {
		t.Fatal("missing subscription id")
	}
	if len(f.stub.created) != 1 {
		t.Errorf("create calls = %d, want 1", len(f.stub.created))
	}
}

func TestValidateInbound(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	sub, err := f.manager.CreateSubscription(ctx, f.account.ID)
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	tests := []struct {
		name           string
		subscriptionID string
		clientState    string
		ok             bool
	}{
		{"valid", sub.SubscriptionID, sub.ClientState, true},
		{"unknown id", "sub-nobody", sub.ClientState, false},
		{"state mismatch", sub.SubscriptionID, "forged", false},
		{"empty state", sub.SubscriptionID, "", false},
		{"empty id", "", sub.ClientState, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := f.manager.ValidateInbound(ctx, tt.subscriptionID, tt.clientState)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && got.AccountID != f.account.ID {
				t.Errorf("accountID = %d, want %d", got.AccountID, f.account.ID)
			}
		})
	}
}

func TestLogUnknownStaysBounded(t *testing.T) {
	f := newManagerFixture(t)

	for i := 0; i < 3*maxUnknownTracked; i++ {
		f.manager.logUnknown(fmt.Sprintf("sub-spray-%d", i))
	}

	f.manager.unknownMu.Lock()
	size := len(f.manager.unknown)
	f.manager.unknownMu.Unlock()
	if size > maxUnknownTracked {
		t.Errorf("tracked unknown ids = %d, want at most %d", size, maxUnknownTracked)
	}
}
