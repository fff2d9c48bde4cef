package database

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/AbdallaMon/mail-collector/pkg/models"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewMemory()
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return db
}

func testAccount(t *testing.T, db *DB, email string) *models.Account {
	t.Helper()
	account := &models.Account{
		Email:     email,
		Status:    models.StatusConnected,
		IsEnabled: true,
	}
	if err := db.CreateAccount(context.Background(), account); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	return account
}

func TestUpsertDeliveryOutcomeDeduplicates(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	account := testAccount(t, db, "box@example.com")

	out := DeliveryOutcome{
		AccountID:   account.ID,
		MessageID:   "msg-1",
		Status:      models.ForwardForwarded,
		ForwardedTo: "dest@example.com",
	}
	if err := db.UpsertDeliveryOutcome(ctx, out); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := db.UpsertDeliveryOutcome(ctx, out); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	var count int
	if err := db.Get(&count, `SELECT COUNT(*) FROM delivery_records`); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("row count = %d, want 1", count)
	}

	rec, err := db.GetDeliveryRecord(ctx, account.ID, "msg-1")
	if err != nil {
		t.Fatalf("GetDeliveryRecord: %v", err)
	}
	if rec.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", rec.Attempts)
	}
	if rec.ForwardStatus != models.ForwardForwarded {
		t.Errorf("status = %s, want FORWARDED", rec.ForwardStatus)
	}
	if rec.ForwardedTo != "dest@example.com" {
		t.Errorf("forwardedTo = %s", rec.ForwardedTo)
	}
}

func TestUpsertDeliveryOutcomeConcurrent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	account := testAccount(t, db, "box@example.com")

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = db.UpsertDeliveryOutcome(ctx, DeliveryOutcome{
				AccountID: account.ID,
				MessageID: "dup-msg",
				Status:    models.ForwardForwarded,
			})
		}()
	}
	wg.Wait()

	var count int
	if err := db.Get(&count, `SELECT COUNT(*) FROM delivery_records WHERE message_id = 'dup-msg'`); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("concurrent upserts produced %d rows, want 1", count)
	}
}

func TestUpsertDeliveryOutcomeKeepsSnippet(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	account := testAccount(t, db, "box@example.com")

	if err := db.UpsertDeliveryOutcome(ctx, DeliveryOutcome{
		AccountID:   account.ID,
		MessageID:   "msg-1",
		Status:      models.ForwardFailed,
		BodySnippet: "the body",
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// A later pass without a snippet must not erase the stored one.
	if err := db.UpsertDeliveryOutcome(ctx, DeliveryOutcome{
		AccountID: account.ID,
		MessageID: "msg-1",
		Status:    models.ForwardForwarded,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	rec, err := db.GetDeliveryRecord(ctx, account.ID, "msg-1")
	if err != nil {
		t.Fatalf("GetDeliveryRecord: %v", err)
	}
	if rec.BodySnippet != "the body" {
		t.Errorf("snippet = %q, want retained", rec.BodySnippet)
	}
}

func TestDifferentAccountsSameMessageID(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	a := testAccount(t, db, "a@example.com")
	b := testAccount(t, db, "b@example.com")

	for _, id := range []int64{a.ID, b.ID} {
		if err := db.UpsertDeliveryOutcome(ctx, DeliveryOutcome{
			AccountID: id,
			MessageID: "shared",
			Status:    models.ForwardForwarded,
		}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	var count int
	if err := db.Get(&count, `SELECT COUNT(*) FROM delivery_records`); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("row count = %d, want 2", count)
	}
}

func TestListFailedDeliveriesHonorsCeiling(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	account := testAccount(t, db, "box@example.com")

	// Two passes on msg-exhausted, one on msg-fresh.
	for i := 0; i < 2; i++ {
		if err := db.UpsertDeliveryOutcome(ctx, DeliveryOutcome{
			AccountID: account.ID, MessageID: "msg-exhausted",
			Status: models.ForwardFailed, Error: "boom",
		}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	if err := db.UpsertDeliveryOutcome(ctx, DeliveryOutcome{
		AccountID: account.ID, MessageID: "msg-fresh",
		Status: models.ForwardFailed, Error: "boom",
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	recs, err := db.ListFailedDeliveries(ctx, 2, 10)
	if err != nil {
		t.Fatalf("ListFailedDeliveries: %v", err)
	}
	if len(recs) != 1 || recs[0].MessageID != "msg-fresh" {
		t.Fatalf("got %d records, want only msg-fresh", len(recs))
	}
}

func TestAccountCounters(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	account := testAccount(t, db, "box@example.com")

	receivedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := db.RecordForwardSuccess(ctx, account.ID, receivedAt); err != nil {
		t.Fatalf("RecordForwardSuccess: %v", err)
	}
	if err := db.RecordForwardFailure(ctx, account.ID, "kaput"); err != nil {
		t.Fatalf("RecordForwardFailure: %v", err)
	}

	got, err := db.GetAccountByID(ctx, account.ID)
	if err != nil {
		t.Fatalf("GetAccountByID: %v", err)
	}
	if got.ForwardedCount != 1 || got.FailedCount != 1 {
		t.Errorf("counters = %d/%d, want 1/1", got.ForwardedCount, got.FailedCount)
	}
	if got.LastError != "kaput" {
		t.Errorf("lastError = %q", got.LastError)
	}
	if got.LastMessageAt == nil || !got.LastMessageAt.Equal(receivedAt) {
		t.Errorf("lastMessageAt = %v, want %v", got.LastMessageAt, receivedAt)
	}
}
