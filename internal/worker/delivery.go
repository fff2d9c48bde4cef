package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AbdallaMon/mail-collector/internal/database"
	"github.com/AbdallaMon/mail-collector/internal/filter"
	"github.com/AbdallaMon/mail-collector/internal/graph"
	"github.com/AbdallaMon/mail-collector/internal/notify"
	"github.com/AbdallaMon/mail-collector/internal/parser"
	"github.com/AbdallaMon/mail-collector/internal/token"
	"github.com/AbdallaMon/mail-collector/pkg/models"
)

// JobTypeDelivery is the queue type for relay work
const JobTypeDelivery = "delivery"

// snippetMax caps the plain-text body excerpt stored on a record
const snippetMax = 500

// Deps wires the delivery worker
type Deps struct {
	DB          *database.DB
	Client      *graph.Client
	Tokens      *token.Store
	Filter      *filter.Filter
	Parser      *parser.HTMLParser
	Notifier    *notify.Notifier
	Destination *DestinationCache
	Logger      *slog.Logger

	// PublicBaseURL builds the re-auth link embedded in operator notices
	PublicBaseURL string
	// ForwardDelay is slept after every successful forward, the primary
	// defense against provider rate limiting under inbound bursts
	ForwardDelay time.Duration
	// MaxAttempts is the retry-sweep ceiling for FAILED records
	MaxAttempts int64
}

// Worker processes delivery jobs: preview fetch, filter, forward, ledger
// upsert. One job at a time per pool slot; throttled between forwards.
type Worker struct {
	db          *database.DB
	client      *graph.Client
	tokens      *token.Store
	filter      *filter.Filter
	parser      *parser.HTMLParser
	notifier    *notify.Notifier
	destination *DestinationCache
	logger      *slog.Logger

	publicBaseURL string
	forwardDelay  time.Duration
	maxAttempts   int64
}

// New creates a delivery worker
func New(deps Deps) *Worker {
	maxAttempts := deps.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	return &Worker{
		db:            deps.DB,
		client:        deps.Client,
		tokens:        deps.Tokens,
		filter:        deps.Filter,
		parser:        deps.Parser,
		notifier:      deps.Notifier,
		destination:   deps.Destination,
		logger:        deps.Logger.With("component", "delivery_worker"),
		publicBaseURL: deps.PublicBaseURL,
		forwardDelay:  deps.ForwardDelay,
		maxAttempts:   maxAttempts,
	}
}

// HandleJob is the queue handler for delivery jobs
func (w *Worker) HandleJob(ctx context.Context, job *models.QueuedJob) error {
	var dj models.DeliveryJob
	if err := json.Unmarshal([]byte(job.Payload), &dj); err != nil {
		return fmt.Errorf("failed to parse delivery job payload: %w", err)
	}
	return w.Process(ctx, dj)
}

// Process runs one delivery pass for a queued message
func (w *Worker) Process(ctx context.Context, dj models.DeliveryJob) error {
	log := w.logger.With("account_id", dj.AccountID, "message_id", dj.MessageID)

	account, err := w.db.GetAccountByID(ctx, dj.AccountID)
	if errors.Is(err, database.ErrNotFound) {
		log.Warn("delivery job for deleted account, dropping")
		return nil
	}
	if err != nil {
		return err
	}

	// The account may have been disabled between enqueue and processing.
	if !account.Deliverable() {
		log.Info("account not deliverable, dropping job", "status", account.Status, "enabled", account.IsEnabled)
		return nil
	}

	// The queue only deduplicates active jobs, so a provider redelivery
	// or a delta re-enumeration can enqueue a message that was already
	// handled. The ledger is the durable record of that.
	rec, err := w.db.GetDeliveryRecord(ctx, account.ID, dj.MessageID)
	if err == nil && rec.Settled() {
		log.Debug("message already settled, dropping redelivery", "status", rec.ForwardStatus)
		return nil
	}
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return err
	}

	accessToken, err := w.tokens.GetValidToken(ctx, account.ID)
	if err != nil {
		return w.recordFailure(ctx, account, dj, err, "")
	}

	preview, err := w.client.GetMessagePreview(ctx, accessToken, dj.MessageID)
	if graph.IsNotFound(err) {
		// Deleted between notification and processing; not an error.
		log.Info("message no longer exists, skipping")
		return w.db.UpsertDeliveryOutcome(ctx, database.DeliveryOutcome{
			AccountID: account.ID,
			MessageID: dj.MessageID,
			Status:    models.ForwardSkipped,
		})
	}
	if err != nil {
		return w.recordFailure(ctx, account, dj, err, "")
	}

	// Skip is the default path: non-matching mail leaves no record behind.
	if !w.filter.Match(preview.SenderAddress(), preview.Subject) {
		log.Debug("message did not match filter, skipping",
			"sender", preview.SenderAddress(), "subject", preview.Subject)
		return nil
	}

	dest := w.destination.Get(ctx)
	comment := fmt.Sprintf("Forwarded from %s", account.Email)
	if err := w.client.ForwardMessage(ctx, accessToken, dj.MessageID, dest, comment); err != nil {
		return w.recordFailure(ctx, account, dj, err, "")
	}

	if err := w.db.UpsertDeliveryOutcome(ctx, database.DeliveryOutcome{
		AccountID:   account.ID,
		MessageID:   dj.MessageID,
		Status:      models.ForwardForwarded,
		ForwardedTo: dest,
	}); err != nil {
		return err
	}
	if err := w.db.RecordForwardSuccess(ctx, account.ID, preview.ReceivedDateTime); err != nil {
		return err
	}

	log.Info("message forwarded", "to", dest, "sender", preview.SenderAddress())

	// Throttle before the next job is taken.
	w.pause(ctx)
	return nil
}

// recordFailure classifies a delivery error, upserts the FAILED record, and
// routes the operator notice. The returned error terminates the job.
func (w *Worker) recordFailure(ctx context.Context, account *models.Account, dj models.DeliveryJob, cause error, snippet string) error {
	detail := errorDetail(cause)

	if err := w.db.UpsertDeliveryOutcome(ctx, database.DeliveryOutcome{
		AccountID:   account.ID,
		MessageID:   dj.MessageID,
		Status:      models.ForwardFailed,
		Error:       detail,
		BodySnippet: snippet,
	}); err != nil {
		w.logger.Error("failed to upsert delivery record", "error", err)
	}
	if err := w.db.RecordForwardFailure(ctx, account.ID, cause.Error()); err != nil {
		w.logger.Error("failed to update account counters", "error", err)
	}

	account.LastError = cause.Error()

	switch {
	case errors.Is(cause, token.ErrReauthRequired) || graph.IsAuth(cause):
		// The token store already flipped the account to NEEDS_REAUTH.
		w.notifier.NotifyReauthRequired(account, w.reauthURL(account.ID))
	case graph.IsQuota(cause):
		if err := w.db.SetAccountStatus(ctx, account.ID, models.StatusError, cause.Error()); err != nil {
			w.logger.Error("failed to set account status", "error", err)
		}
		w.notifier.NotifyQuotaError(account, detail)
	default:
		w.notifier.NotifyGenericError(account, detail)
	}

	return fmt.Errorf("delivery failed for message %s: %w", dj.MessageID, cause)
}

func (w *Worker) reauthURL(accountID int64) string {
	return fmt.Sprintf("%s/accounts/reauth/%d", w.publicBaseURL, accountID)
}

func (w *Worker) pause(ctx context.Context) {
	if w.forwardDelay <= 0 {
		return
	}
	timer := time.NewTimer(w.forwardDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// errorDetail renders a provider failure as structured JSON for the ledger
func errorDetail(err error) string {
	type detail struct {
		Kind       string `json:"kind"`
		HTTPStatus int    `json:"httpStatus,omitempty"`
		Code       string `json:"providerCode,omitempty"`
		Message    string `json:"message"`
	}

	d := detail{Kind: "internal", Message: err.Error()}
	var pe *graph.Error
	switch {
	case errors.As(err, &pe):
		d.Kind = string(pe.Kind)
		d.HTTPStatus = pe.StatusCode
		d.Code = pe.Code
		d.Message = pe.Message
	case errors.Is(err, token.ErrReauthRequired):
		d.Kind = "auth"
	}

	data, merr := json.Marshal(d)
	if merr != nil {
		return err.Error()
	}
	return string(data)
}
