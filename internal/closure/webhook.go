// SPDX-License-Identifier: Apache-2.0

package closure

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/adiadia/brokerage-agent/internal/domain"
)

const (
	webhookRetryAttempts = 3
	webhookRetryBase     = 300 * time.Millisecond
	webhookHeaderSig     = "X-Signature"

	webhookStatusCompleted = "completed"
	webhookStatusFailed    = "failed"
)

// Notifier is told about workflows that reached a resting state: completed,
// or paused on a failed step.
type Notifier interface {
	Notify(ctx context.Context, run domain.WorkflowRun)
}

type webhookPayload struct {
	AccountID          string        `json:"account_id"`
	WorkflowID         string        `json:"workflow_id"`
	Status             string        `json:"status"`
	ConfirmationNumber string        `json:"confirmation_number,omitempty"`
	FailedStep         domain.StepID `json:"failed_step,omitempty"`
	Error              string        `json:"error,omitempty"`
	FinishedAt         time.Time     `json:"finished_at"`
}

// WebhookNotifier POSTs a signed payload to a single configured URL.
type WebhookNotifier struct {
	url        string
	secret     string
	httpClient *http.Client
	logger     *slog.Logger
	retryBase  time.Duration
}

func NewWebhookNotifier(url, secret string, httpClient *http.Client, logger *slog.Logger) *WebhookNotifier {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		url:        strings.TrimSpace(url),
		secret:     secret,
		httpClient: httpClient,
		logger:     logger,
		retryBase:  webhookRetryBase,
	}
}

func payloadFor(run domain.WorkflowRun, now time.Time) (webhookPayload, bool) {
	p := webhookPayload{
		AccountID:  run.AccountID,
		WorkflowID: run.ID,
		FinishedAt: now.UTC(),
	}
	switch {
	case run.IsComplete:
		p.Status = webhookStatusCompleted
		p.ConfirmationNumber = run.ConfirmationNumber
		if run.CompletionTimestamp != nil {
			p.FinishedAt = run.CompletionTimestamp.UTC()
		}
	case run.HasFailed():
		idx := run.FailedStep()
		p.Status = webhookStatusFailed
		p.FailedStep = run.Steps[idx].ID
		p.Error = run.Steps[idx].Error
	default:
		return webhookPayload{}, false
	}
	return p, true
}

func (n *WebhookNotifier) Notify(ctx context.Context, run domain.WorkflowRun) {
	if n.url == "" {
		return
	}

	payload, ok := payloadFor(run, time.Now())
	if !ok {
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("webhook payload marshal failed",
			"account_id", run.AccountID,
			"status", payload.Status,
			"error", err,
		)
		return
	}

	signature := signWebhookPayload(n.secret, body)

	var lastErr error
	for attempt := 1; attempt <= webhookRetryAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			n.logger.Error("webhook request build failed",
				"account_id", run.AccountID,
				"attempt", attempt,
				"error", err,
			)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		if signature != "" {
			req.Header.Set(webhookHeaderSig, signature)
		}

		resp, err := n.httpClient.Do(req)
		if err != nil {
			lastErr = err
			n.logger.Warn("webhook failure",
				"account_id", run.AccountID,
				"status", payload.Status,
				"attempt", attempt,
				"error", err,
			)
		} else {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
				n.logger.Info("webhook success",
					"account_id", run.AccountID,
					"status", payload.Status,
					"attempt", attempt,
				)
				return
			}

			lastErr = fmt.Errorf("non-2xx response: %d", resp.StatusCode)
			n.logger.Warn("webhook failure",
				"account_id", run.AccountID,
				"status", payload.Status,
				"attempt", attempt,
				"response_status", resp.StatusCode,
			)
		}

		if attempt < webhookRetryAttempts {
			timer := time.NewTimer(n.retryBase * time.Duration(1<<(attempt-1)))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}

	n.logger.Error("webhook retries exhausted",
		"account_id", run.AccountID,
		"status", payload.Status,
		"error", lastErr,
	)
}

func signWebhookPayload(secret string, payload []byte) string {
	if strings.TrimSpace(secret) == "" {
		return ""
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
