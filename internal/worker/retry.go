package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/AbdallaMon/mail-collector/internal/database"
	"github.com/AbdallaMon/mail-collector/internal/graph"
	"github.com/AbdallaMon/mail-collector/pkg/models"
)

// JobTypeRetrySweep is the queue type for the failed-record sweep
const JobTypeRetrySweep = "retry-sweep"

// retryBatchSize bounds one sweep pass
const retryBatchSize = 50

// HandleRetrySweep is the queue handler re-validating previously FAILED
// records below the attempt ceiling
func (w *Worker) HandleRetrySweep(ctx context.Context, _ *models.QueuedJob) error {
	retried, err := w.RetryFailed(ctx)
	if err != nil {
		return err
	}
	if retried > 0 {
		w.logger.Info("retry sweep finished", "retried", retried)
	}
	return nil
}

// RetryFailed re-attempts FAILED deliveries still under the attempt
// ceiling. Each pass re-fetches the full message (recording a plain-text
// body excerpt for operator visibility) and re-attempts the forward.
// Records at the ceiling stay frozen in FAILED. One record's failure never
// blocks the rest of the sweep.
func (w *Worker) RetryFailed(ctx context.Context) (int, error) {
	records, err := w.db.ListFailedDeliveries(ctx, w.maxAttempts, retryBatchSize)
	if err != nil {
		return 0, err
	}

	retried := 0
	for _, rec := range records {
		if ctx.Err() != nil {
			return retried, ctx.Err()
		}
		if err := w.retryOne(ctx, rec); err != nil {
			w.logger.Warn("retry attempt failed",
				"account_id", rec.AccountID, "message_id", rec.MessageID, "error", err)
		}
		retried++
	}
	return retried, nil
}

func (w *Worker) retryOne(ctx context.Context, rec *models.DeliveryRecord) error {
	account, err := w.db.GetAccountByID(ctx, rec.AccountID)
	if errors.Is(err, database.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !account.Deliverable() {
		return nil
	}

	dj := models.DeliveryJob{
		AccountID:    account.ID,
		AccountEmail: account.Email,
		MessageID:    rec.MessageID,
	}

	accessToken, err := w.tokens.GetValidToken(ctx, account.ID)
	if err != nil {
		return w.recordFailure(ctx, account, dj, err, "")
	}

	msg, err := w.client.GetMessage(ctx, accessToken, rec.MessageID)
	if graph.IsNotFound(err) {
		return w.db.UpsertDeliveryOutcome(ctx, database.DeliveryOutcome{
			AccountID: account.ID,
			MessageID: rec.MessageID,
			Status:    models.ForwardSkipped,
		})
	}
	if err != nil {
		return w.recordFailure(ctx, account, dj, err, "")
	}

	snippet := w.parser.Snippet(msg.Body.ContentType, msg.Body.Content, snippetMax)

	dest := w.destination.Get(ctx)
	comment := fmt.Sprintf("Forwarded from %s", account.Email)
	if err := w.client.ForwardMessage(ctx, accessToken, rec.MessageID, dest, comment); err != nil {
		return w.recordFailure(ctx, account, dj, err, snippet)
	}

	if err := w.db.UpsertDeliveryOutcome(ctx, database.DeliveryOutcome{
		AccountID:   account.ID,
		MessageID:   rec.MessageID,
		Status:      models.ForwardForwarded,
		ForwardedTo: dest,
		BodySnippet: snippet,
	}); err != nil {
		return err
	}
	if err := w.db.RecordForwardSuccess(ctx, account.ID, msg.ReceivedDateTime); err != nil {
		return err
	}

	w.pause(ctx)
	return nil
}
