package scheduler

import (
	"context"
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
	"github.com/AbdallaMon/mail-collector/internal/queue"
	"github.com/AbdallaMon/mail-collector/internal/subscription"
	"github.com/AbdallaMon/mail-collector/internal/token"
	"github.com/AbdallaMon/mail-collector/pkg/models"
)

type stubRefresher struct{}

func (stubRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "refreshed", Expiry: time.Now().Add(time.Hour)}, nil
}

type schedulerFixture struct {
	db        *database.DB
	scheduler *Scheduler
	queue     *queue.Queue
}

func newSchedulerFixture(t *testing.T) *schedulerFixture {
	t.Helper()
	db, err := database.NewMemory()
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	cipher, err := crypto.New("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("crypto.New: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tokens := token.NewStore(db, cipher, stubRefresher{}, logger)
	client := graph.NewClient(graph.Config{BaseURL: srv.URL})
	subs := subscription.NewManager(db, client, tokens, "https://relay.example.com/webhooks/mail", logger)
	q := queue.New(db, logger)

	return &schedulerFixture{
		db:        db,
		scheduler: New(subs, q, 12*time.Hour, logger),
		queue:     q,
	}
}

func (f *schedulerFixture) addAccount(t *testing.T, email string, status models.AccountStatus) *models.Account {
	t.Helper()
	account := &models.Account{Email: email, Status: status, IsEnabled: true}
	if err := f.db.CreateAccount(context.Background(), account); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	return account
}

func (f *schedulerFixture) addSubscription(t *testing.T, accountID int64, expiresAt time.Time) {
	t.Helper()
	err := f.db.UpsertSubscription(context.Background(), &models.Subscription{
		AccountID:      accountID,
		SubscriptionID: fmt.Sprintf("sub-%d", accountID),
		Resource:       "me/mailFolders('inbox')/messages",
		ClientState:    "state",
		ExpiresAt:      expiresAt,
	})
	if err != nil {
		t.Fatalf("UpsertSubscription: %v", err)
	}
}

func (f *schedulerFixture) identities(t *testing.T, jobType string) []string {
	t.Helper()
	var ids []string
	err := f.db.Select(&ids, `SELECT identity FROM jobs WHERE job_type = ? ORDER BY identity`, jobType)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	return ids
}

func TestHandlePlanEnqueuesCreatesForMissing(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	covered := f.addAccount(t, "covered@example.com", models.StatusConnected)
	f.addSubscription(t, covered.ID, time.Now().Add(48*time.Hour))
	missing := f.addAccount(t, "missing@example.com", models.StatusConnected)
	// Accounts waiting on re-auth can't hold a subscription.
	f.addAccount(t, "broken@example.com", models.StatusNeedsReauth)

	if err := f.scheduler.HandlePlan(ctx, &models.QueuedJob{}); err != nil {
		t.Fatalf("HandlePlan: %v", err)
	}

	creates := f.identities(t, JobTypeSubscriptionCreate)
	want := fmt.Sprintf("sub-create:%d", missing.ID)
	if len(creates) != 1 || creates[0] != want {
		t.Fatalf("creates = %v, want [%s]", creates, want)
	}
	if renews := f.identities(t, JobTypeSubscriptionRenew); len(renews) != 0 {
		t.Errorf("renews = %v, want none", renews)
	}
}

func TestHandlePlanEnqueuesRenewalsInsideHorizon(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	soon := f.addAccount(t, "soon@example.com", models.StatusConnected)
	f.addSubscription(t, soon.ID, time.Now().Add(2*time.Hour))
	later := f.addAccount(t, "later@example.com", models.StatusConnected)
	f.addSubscription(t, later.ID, time.Now().Add(48*time.Hour))

	if err := f.scheduler.HandlePlan(ctx, &models.QueuedJob{}); err != nil {
		t.Fatalf("HandlePlan: %v", err)
	}

	renews := f.identities(t, JobTypeSubscriptionRenew)
	want := fmt.Sprintf("sub-renew:%d", soon.ID)
	if len(renews) != 1 || renews[0] != want {
		t.Fatalf("renews = %v, want [%s]", renews, want)
	}
}

func TestHandlePlanIsIdempotent(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()
	f.addAccount(t, "missing@example.com", models.StatusConnected)

	for i := 0; i < 3; i++ {
		if err := f.scheduler.HandlePlan(ctx, &models.QueuedJob{}); err != nil {
			t.Fatalf("HandlePlan: %v", err)
		}
	}
	if creates := f.identities(t, JobTypeSubscriptionCreate); len(creates) != 1 {
		t.Fatalf("creates = %v, want the identity deduplicated", creates)
	}
}

func TestStartRegistersRecurringAndRunsOnce(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	if err := f.scheduler.Start(ctx, time.Hour); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var recurring int
	if err := f.db.Get(&recurring, `SELECT COUNT(*) FROM recurring_jobs WHERE identity = ?`, PlanIdentity); err != nil {
		t.Fatalf("count: %v", err)
	}
	if recurring != 1 {
		t.Errorf("recurring rows = %d, want 1", recurring)
	}

	plans := f.identities(t, JobTypeRenewalPlan)
	if len(plans) != 1 || plans[0] != PlanIdentity {
		t.Errorf("plans = %v, want an immediate planning pass", plans)
	}

	// A restart re-registers without duplicating either row.
	if err := f.scheduler.Start(ctx, time.Hour); err != nil {
		t.Fatalf("Start again: %v", err)
	}
	if plans := f.identities(t, JobTypeRenewalPlan); len(plans) != 1 {
		t.Errorf("plans after restart = %v, want 1", plans)
	}
}
