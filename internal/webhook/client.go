// Package webhook delivers signed task notifications to the backend
// callback endpoint with bounded retries.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/ocrflow/internal/domain"
)

const callbackPath = "/api/webhooks/ocr/callback"

// backoffSchedule is indexed by attempt number; total attempts are
// maxRetries+1, so maxRetries above len(backoffSchedule) reuses the last
// interval.
var backoffSchedule = []time.Duration{1 * time.Second, 5 * time.Second, 15 * time.Second}

// DeliveryError is returned when a webhook cannot be delivered: either a
// permanent 4xx rejection or exhausted retries on transient failures.
type DeliveryError struct {
	msg string
}

func (e *DeliveryError) Error() string { return e.msg }

// Notification is one webhook to the backend. Result is attached only for
// completed, Error only for failed; Progress and CurrentOperation are
// optional and independent.
type Notification struct {
	TaskID           string
	DocumentID       string
	Status           domain.Status
	Result           *domain.Result
	Error            string
	Progress         *int
	CurrentOperation string
}

type payload struct {
	TaskID           string         `json:"task_id"`
	DocumentID       string         `json:"document_id"`
	Status           string         `json:"status"`
	Timestamp        string         `json:"timestamp"`
	Result           *domain.Result `json:"result,omitempty"`
	Error            string         `json:"error,omitempty"`
	Progress         *int           `json:"progress,omitempty"`
	CurrentOperation string         `json:"current_operation,omitempty"`
}

// Client signs and posts webhook payloads. The HTTP transport is owned by
// the client for its lifetime and released by Close.
type Client struct {
	backendURL string
	secret     []byte
	maxRetries int
	http       *http.Client
	log        *zap.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewClient validates the backend URL and secret up front so a
// misconfigured client fails at construction, not at first send.
func NewClient(backendURL, secret string, maxRetries int, timeout time.Duration, log *zap.Logger) (*Client, error) {
	u, err := url.Parse(backendURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.New("invalid backend URL")
	}
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("webhook secret is required")
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		backendURL: strings.TrimRight(backendURL, "/"),
		secret:     []byte(secret),
		maxRetries: maxRetries,
		http:       &http.Client{Timeout: timeout},
		log:        log,
		sleep:      sleepCtx,
	}, nil
}

// Close releases idle transport connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// Sign computes the lowercase hex HMAC-SHA256 of body with the client
// secret. The receiver verifies against the exact transmitted bytes.
func (c *Client) Sign(body []byte) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Send delivers one notification. 200 succeeds, 4xx fails permanently with
// no retry, everything else is retried on the fixed backoff schedule until
// the attempt budget runs out.
func (c *Client) Send(ctx context.Context, n Notification) (bool, error) {
	if n.Progress != nil && (*n.Progress < 0 || *n.Progress > 100) {
		return false, errors.New("progress must be between 0 and 100")
	}

	p := payload{
		TaskID:           n.TaskID,
		DocumentID:       n.DocumentID,
		Status:           string(n.Status),
		Timestamp:        time.Now().UTC().Format(time.RFC3339Nano),
		Progress:         n.Progress,
		CurrentOperation: n.CurrentOperation,
	}
	if n.Status == domain.Completed && n.Result != nil {
		p.Result = n.Result
	}
	if n.Status == domain.Failed && n.Error != "" {
		p.Error = n.Error
	}

	// Serialized exactly once: the same bytes are signed and transmitted.
	body, err := json.Marshal(p)
	if err != nil {
		return false, errors.Wrap(err, "encode payload")
	}
	signature := c.Sign(body)
	target := c.backendURL + callbackPath

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		c.log.Info("sending webhook",
			zap.String("task_id", n.TaskID),
			zap.String("document_id", n.DocumentID),
			zap.String("status", string(n.Status)),
			zap.Int("attempt", attempt+1))

		status, err := c.post(ctx, target, body, signature)
		if err == nil {
			switch {
			case status == http.StatusOK:
				c.log.Info("webhook delivered",
					zap.String("task_id", n.TaskID), zap.Int("attempt", attempt+1))
				return true, nil
			case status >= 400 && status < 500:
				c.log.Error("webhook rejected",
					zap.String("task_id", n.TaskID), zap.Int("http_status", status))
				return false, &DeliveryError{msg: fmt.Sprintf("webhook rejected with status %d", status)}
			case status >= 500:
				lastErr = fmt.Errorf("backend error with status %d", status)
			default:
				lastErr = fmt.Errorf("unexpected response status %d", status)
			}
		} else {
			// Connection errors and timeouts are transient.
			lastErr = err
		}

		if attempt < c.maxRetries {
			backoff := backoffFor(attempt)
			c.log.Warn("webhook delivery failed, retrying",
				zap.String("task_id", n.TaskID),
				zap.NamedError("cause", lastErr),
				zap.Duration("backoff", backoff))
			if err := c.sleep(ctx, backoff); err != nil {
				return false, err
			}
		}
	}

	c.log.Error("webhook delivery failed, retries exhausted",
		zap.String("task_id", n.TaskID),
		zap.Int("total_attempts", c.maxRetries+1),
		zap.NamedError("last_error", lastErr))
	return false, &DeliveryError{msg: fmt.Sprintf("webhook delivery failed after %d retries", c.maxRetries)}
}

func (c *Client) post(ctx context.Context, target string, body []byte, signature string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return 0, errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", signature)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func backoffFor(attempt int) time.Duration {
	if attempt >= len(backoffSchedule) {
		return backoffSchedule[len(backoffSchedule)-1]
	}
	return backoffSchedule[attempt]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
