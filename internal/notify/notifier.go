package notify

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/AbdallaMon/mail-collector/pkg/models"
)

// SendFunc submits a composed message; swapped out by tests
type SendFunc func(addr string, a sasl.Client, from string, to []string, r io.Reader) error

// Config for the notifier
type Config struct {
	SMTPAddr      string // host:port
	Username      string
	Password      string
	From          string
	OperatorEmail string
	// EveryN rate-limits generic error notices to one per N occurrences
	// per account
	EveryN int64
}

// Notifier sends out-of-band email notices to operators when an account
// needs attention. Re-auth and quota notices go out every time they are
// triggered; generic error notices are rate-limited per account.
type Notifier struct {
	cfg    Config
	logger *slog.Logger

	// Send submits a composed message; tests replace it
	Send SendFunc

	mu     sync.Mutex
	counts map[int64]int64
}

// New creates a notifier
func New(cfg Config, logger *slog.Logger) *Notifier {
	if cfg.EveryN < 1 {
		cfg.EveryN = 10
	}
	return &Notifier{
		cfg:    cfg,
		logger: logger.With("component", "notifier"),
		Send:   smtp.SendMail,
		counts: make(map[int64]int64),
	}
}

func (n *Notifier) enabled() bool {
	return n.cfg.SMTPAddr != "" && n.cfg.From != "" && n.cfg.OperatorEmail != ""
}

// NotifyReauthRequired tells the operator an account's grant is exhausted
// and includes the re-auth link
func (n *Notifier) NotifyReauthRequired(account *models.Account, reauthURL string) {
	subject := fmt.Sprintf("[mail-collector] %s needs re-authorization", account.Email)
	body := fmt.Sprintf(
		"The mailbox %s can no longer be accessed: its OAuth grant was rejected by the provider.\n\n"+
			"Forwarding for this account is paused until it is re-authorized:\n\n    %s\n\n"+
			"Last error: %s\n",
		account.Email, reauthURL, account.LastError)
	n.deliver(subject, body)
}

// NotifyQuotaError tells the operator an account hit a suspension or quota
// limit; the fix is account-side verification, not re-consent
func (n *Notifier) NotifyQuotaError(account *models.Account, detail string) {
	subject := fmt.Sprintf("[mail-collector] %s blocked by the provider", account.Email)
	body := fmt.Sprintf(
		"The provider refused to send mail for %s (suspension or quota limit).\n\n"+
			"Re-consent will not help here; the account itself needs attention in the provider's portal.\n\n"+
			"Detail: %s\n",
		account.Email, detail)
	n.deliver(subject, body)
}

// NotifyGenericError reports an unexpected delivery failure, at most once
// per EveryN occurrences per account
func (n *Notifier) NotifyGenericError(account *models.Account, detail string) {
	n.mu.Lock()
	n.counts[account.ID]++
	count := n.counts[account.ID]
	n.mu.Unlock()

	if (count-1)%n.cfg.EveryN != 0 {
		return
	}

	subject := fmt.Sprintf("[mail-collector] delivery errors for %s", account.Email)
	body := fmt.Sprintf(
		"Forwarding from %s is failing (%d occurrences so far).\n\nLatest error: %s\n",
		account.Email, count, detail)
	n.deliver(subject, body)
}

func (n *Notifier) deliver(subject, body string) {
	if !n.enabled() {
		n.logger.Debug("operator notices disabled, dropping", "subject", subject)
		return
	}

	msg, err := compose(n.cfg.From, n.cfg.OperatorEmail, subject, body)
	if err != nil {
		n.logger.Error("failed to compose notice", "error", err)
		return
	}

	var auth sasl.Client
	if n.cfg.Username != "" {
		auth = sasl.NewPlainClient("", n.cfg.Username, n.cfg.Password)
	}
	if err := n.Send(n.cfg.SMTPAddr, auth, n.cfg.From, []string{n.cfg.OperatorEmail}, bytes.NewReader(msg)); err != nil {
		n.logger.Error("failed to send notice", "subject", subject, "error", err)
		return
	}
	n.logger.Info("operator notice sent", "subject", subject)
}

func compose(from, to, subject, body string) ([]byte, error) {
	var buf bytes.Buffer

	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{Name: "Mail Collector", Address: from}})
	h.SetAddressList("To", []*mail.Address{{Address: to}})
	h.SetSubject(subject)

	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}
	if _, err := io.WriteString(w, strings.TrimSpace(body)+"\r\n"); err != nil {
		return nil, fmt.Errorf("failed to write message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish message: %w", err)
	}
	return buf.Bytes(), nil
}
