package worker

import (
	"context"
	"testing"

	"github.com/AbdallaMon/mail-collector/internal/database"
	"github.com/AbdallaMon/mail-collector/pkg/models"
)

func seedFailed(t *testing.T, f *workerFixture, messageID string, attempts int) {
	t.Helper()
	for i := 0; i < attempts; i++ {
		err := f.db.UpsertDeliveryOutcome(context.Background(), database.DeliveryOutcome{
			AccountID: f.account.ID,
			MessageID: messageID,
			Status:    models.ForwardFailed,
			Error:     `{"kind":"transient","message":"boom"}`,
		})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func TestRetryFailedForwardsAndStoresSnippet(t *testing.T) {
	f := newWorkerFixture(t, nil)
	ctx := context.Background()
	f.stub.addMessage("m1", "alerts@bank.example", "Statement ready")
	seedFailed(t, f, "m1", 1)

	retried, err := f.worker.RetryFailed(ctx)
	if err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	if retried != 1 {
		t.Fatalf("retried = %d, want 1", retried)
	}

	rec, err := f.db.GetDeliveryRecord(ctx, f.account.ID, "m1")
	if err != nil {
		t.Fatalf("GetDeliveryRecord: %v", err)
	}
	if rec.ForwardStatus != models.ForwardForwarded {
		t.Errorf("status = %s, want FORWARDED", rec.ForwardStatus)
	}
	if rec.BodySnippet != "body text" {
		t.Errorf("snippet = %q, want the message body", rec.BodySnippet)
	}
	if rec.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", rec.Attempts)
	}
}

func TestRetryFailedHonorsAttemptCeiling(t *testing.T) {
	f := newWorkerFixture(t, nil)
	ctx := context.Background()
	f.stub.addMessage("m1", "alerts@bank.example", "Statement ready")
	// Default ceiling is 3; a record already at 3 attempts stays frozen.
	seedFailed(t, f, "m1", 3)

	retried, err := f.worker.RetryFailed(ctx)
	if err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	if retried != 0 {
		t.Fatalf("retried = %d, want 0 at the ceiling", retried)
	}
	if len(f.stub.forwarded) != 0 {
		t.Errorf("forwarded = %v, want none", f.stub.forwarded)
	}
}

func TestRetryFailedSkipsVanishedMessage(t *testing.T) {
	f := newWorkerFixture(t, nil)
	ctx := context.Background()
	seedFailed(t, f, "gone", 1)

	if _, err := f.worker.RetryFailed(ctx); err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}

	rec, err := f.db.GetDeliveryRecord(ctx, f.account.ID, "gone")
	if err != nil {
		t.Fatalf("GetDeliveryRecord: %v", err)
	}
	if rec.ForwardStatus != models.ForwardSkipped {
		t.Errorf("status = %s, want SKIPPED", rec.ForwardStatus)
	}
}

func TestRetryFailedSkipsUndeliverableAccount(t *testing.T) {
	f := newWorkerFixture(t, nil)
	ctx := context.Background()
	f.stub.addMessage("m1", "alerts@bank.example", "Statement ready")
	seedFailed(t, f, "m1", 1)

	if err := f.db.SetAccountStatus(ctx, f.account.ID, models.StatusNeedsReauth, "grant exhausted"); err != nil {
		t.Fatalf("SetAccountStatus: %v", err)
	}
	if _, err := f.worker.RetryFailed(ctx); err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	if len(f.stub.forwarded) != 0 {
		t.Errorf("forwarded = %v, want none while re-auth is pending", f.stub.forwarded)
	}
}
