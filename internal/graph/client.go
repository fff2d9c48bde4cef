package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL    = "https://graph.microsoft.com/v1.0"
	previewSelect     = "id,subject,from,receivedDateTime"
	maxAttempts       = 3
	defaultRetryAfter = 60 * time.Second
	backoffBase       = time.Second
)

// Client is a thin typed client over the provider's REST API. All calls go
// through one retry policy: 429 sleeps for the provider-specified duration,
// 5xx backs off exponentially, 401 surfaces immediately.
type Client struct {
	baseURL    string
	httpClient *http.Client

	// sleep is swapped out by tests to avoid real waits
	sleep func(ctx context.Context, d time.Duration) error
}

// Config for the provider client
type Config struct {
	BaseURL string        // override for tests; defaults to the provider endpoint
	Timeout time.Duration // per-request timeout
}

// NewClient creates a new provider client
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// GetMe returns the profile of the mailbox the token belongs to
func (c *Client) GetMe(ctx context.Context, token string) (*User, error) {
	var user User
	if err := c.do(ctx, token, http.MethodGet, c.baseURL+"/me", nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// GetMessagePreview fetches the filter-relevant fields of a message without
// paying for the body
func (c *Client) GetMessagePreview(ctx context.Context, token, messageID string) (*MessagePreview, error) {
	u := fmt.Sprintf("%s/me/messages/%s?$select=%s", c.baseURL, url.PathEscape(messageID), previewSelect)
	var preview MessagePreview
	if err := c.do(ctx, token, http.MethodGet, u, nil, &preview); err != nil {
		return nil, err
	}
	return &preview, nil
}

// GetMessage fetches the full message including its body
func (c *Client) GetMessage(ctx context.Context, token, messageID string) (*Message, error) {
	u := fmt.Sprintf("%s/me/messages/%s", c.baseURL, url.PathEscape(messageID))
	var msg Message
	if err := c.do(ctx, token, http.MethodGet, u, nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ForwardMessage asks the provider to forward a message by id, so the relay
// is sent from the original mailbox and preserves headers
func (c *Client) ForwardMessage(ctx context.Context, token, messageID, to, comment string) error {
	u := fmt.Sprintf("%s/me/messages/%s/forward", c.baseURL, url.PathEscape(messageID))
	req := forwardRequest{
		Comment: comment,
		ToRecipients: []Recipient{
			{EmailAddress: EmailAddress{Address: to}},
		},
	}
	return c.do(ctx, token, http.MethodPost, u, req, nil)
}

// CreateSubscription registers a push subscription
func (c *Client) CreateSubscription(ctx context.Context, token string, req SubscriptionRequest) (*SubscriptionResource, error) {
	var sub SubscriptionResource
	if err := c.do(ctx, token, http.MethodPost, c.baseURL+"/subscriptions", req, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// RenewSubscription extends an existing subscription's expiry
func (c *Client) RenewSubscription(ctx context.Context, token, subscriptionID string, expiresAt time.Time) (*SubscriptionResource, error) {
	u := fmt.Sprintf("%s/subscriptions/%s", c.baseURL, url.PathEscape(subscriptionID))
	req := SubscriptionRequest{ExpirationDateTime: expiresAt.UTC()}
	var sub SubscriptionResource
	if err := c.do(ctx, token, http.MethodPatch, u, req, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// DeleteSubscription removes a subscription on the provider side
func (c *Client) DeleteSubscription(ctx context.Context, token, subscriptionID string) error {
	u := fmt.Sprintf("%s/subscriptions/%s", c.baseURL, url.PathEscape(subscriptionID))
	return c.do(ctx, token, http.MethodDelete, u, nil, nil)
}

// DeltaMessages fetches one page of the incremental-sync query. An empty
// link starts a fresh enumeration; otherwise link is the next-page or
// resume link returned by a previous page.
func (c *Client) DeltaMessages(ctx context.Context, token, link string) (*DeltaPage, error) {
	u := link
	if u == "" {
		u = fmt.Sprintf("%s/me/mailFolders/inbox/messages/delta?$select=%s", c.baseURL, previewSelect)
	}
	var page DeltaPage
	if err := c.do(ctx, token, http.MethodGet, u, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// do sends one API call through the uniform retry policy
func (c *Client) do(ctx context.Context, token, method, url string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to send request: %w", err)
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if out != nil && len(respBody) > 0 {
				if err := json.Unmarshal(respBody, out); err != nil {
					return fmt.Errorf("failed to parse response: %w", err)
				}
			}
			return nil
		}

		apiErr := parseAPIError(resp.StatusCode, respBody)

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = apiErr
			if err := c.sleep(ctx, retryAfter(resp.Header)); err != nil {
				return err
			}
		case resp.StatusCode >= 500:
			lastErr = apiErr
			if err := c.sleep(ctx, backoffBase<<attempt); err != nil {
				return err
			}
		default:
			// 401 and the rest of the 4xx class are not retryable here
			return apiErr
		}
	}
	return lastErr
}

func retryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultRetryAfter
}

func parseAPIError(status int, body []byte) *Error {
	var parsed apiError
	_ = json.Unmarshal(body, &parsed)
	msg := parsed.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	e := &Error{
		StatusCode: status,
		Code:       parsed.Error.Code,
		Message:    msg,
	}
	e.Kind = classify(status)
	return e
}
