package notification

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
	"strconv"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/smartdevs17/indexcheck/internal/config"
	"github.com/smartdevs17/indexcheck/internal/models"
	"github.com/smartdevs17/indexcheck/pkg/utils"
)

// Webhook request headers
const (
	HeaderSignature = "X-Indexcheck-Signature"
	HeaderEvent     = "X-Indexcheck-Event"
	HeaderDelivery  = "X-Indexcheck-Delivery"
)

// WebhookSender posts completion payloads to configured endpoints
type WebhookSender struct {
	config     config.NotificationConfig
	logger     *NotificationLogger
	httpClient *http.Client
	version    string
}

// WebhookPayload defines the webhook payload structure
type WebhookPayload struct {
	ID        string               `json:"id"`
	Event     string               `json:"event"`
	Timestamp time.Time            `json:"timestamp"`
	Source    string               `json:"source"`
	Version   string               `json:"version"`
	Data      *models.HistoryEntry `json:"data"`
}

// WebhookResponse represents a webhook response
type WebhookResponse struct {
	StatusCode   int
	ResponseTime time.Duration
	Body         string
	Err          error
}

// permanentError marks a webhook failure that is not retried
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func retryableWebhookError(err error) bool {
	_, permanent := err.(*permanentError)
	return !permanent
}

// NewWebhookSender creates a new webhook sender
func NewWebhookSender(cfg config.NotificationConfig, version string, logger *NotificationLogger) *WebhookSender {
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = cfg.Timeout
	return &WebhookSender{
		config:     cfg,
		logger:     logger.WithField("sender", "webhook"),
		httpClient: client,
		version:    version,
	}
}

// Send posts n to url, retrying server errors and network failures with
// exponential backoff capped at the configured maximum delay
func (ws *WebhookSender) Send(ctx context.Context, url string, n *models.Notification) error {
	body, err := json.Marshal(&WebhookPayload{
		ID:        n.ID,
		Event:     n.Event,
		Timestamp: n.CreatedAt,
		Source:    "indexcheck",
		Version:   ws.version,
		Data:      n.History,
	})
	if err != nil {
		return utils.NewAppError(utils.ErrCodeInternal, "Failed to marshal webhook payload", err.Error())
	}

	policy := utils.RetryPolicy{
		MaxAttempts: ws.config.RetryAttempts,
		BaseDelay:   ws.config.RetryDelay,
		MaxDelay:    ws.config.MaxDelay,
	}
	return utils.Retry(ctx, policy, retryableWebhookError, func(attempt int) error {
		n.Attempts = attempt
		if attempt > 1 {
			ws.logger.LogRetryAttempt("webhook", attempt, policy.MaxAttempts, policy.Delay(attempt))
		}
		ws.logger.LogWebhookAttempt(url, n.ID, attempt)

		response := ws.sendSingleWebhook(ctx, url, n, body)
		ws.logger.LogWebhookResponse(url, response.StatusCode, response.ResponseTime, response.Err)
		return response.Err
	})
}

// sendSingleWebhook sends a single webhook request
func (ws *WebhookSender) sendSingleWebhook(ctx context.Context, url string, n *models.Notification, body []byte) *WebhookResponse {
	start := time.Now()
	response := &WebhookResponse{}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		response.Err = &permanentError{utils.NewAppError(utils.ErrCodeValidation, "Invalid webhook URL", err.Error())}
		return response
	}
	ws.setRequestHeaders(req, n, body)

	resp, err := ws.httpClient.Do(req)
	response.ResponseTime = time.Since(start)
	if err != nil {
		response.Err = utils.NewAppError(utils.ErrCodeExternal, "Failed to send webhook", err.Error())
		return response
	}
	defer resp.Body.Close()

	response.StatusCode = resp.StatusCode
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	response.Body = string(snippet)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		response.Err = utils.NewAppError(utils.ErrCodeExternal,
			"Webhook returned non-success status",
			fmt.Sprintf("status: %d, body: %s", resp.StatusCode, response.Body))
	default:
		response.Err = &permanentError{utils.NewAppError(utils.ErrCodeExternal,
			"Webhook rejected notification",
			fmt.Sprintf("status: %d, body: %s", resp.StatusCode, response.Body))}
	}
	return response
}

// setRequestHeaders sets HTTP request headers. The body is signed when a
// secret is configured.
func (ws *WebhookSender) setRequestHeaders(req *http.Request, n *models.Notification, body []byte) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "indexcheck/"+ws.version)
	req.Header.Set("X-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	req.Header.Set(HeaderEvent, n.Event)
	req.Header.Set(HeaderDelivery, n.ID)

	if ws.config.Secret != "" {
		req.Header.Set(HeaderSignature, "sha256="+Sign(ws.config.Secret, body))
	}
}

// Sign returns the hex HMAC-SHA256 of body under secret
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
