// SPDX-License-Identifier: Apache-2.0

package brokerage

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/adiadia/brokerage-agent/internal/auth"
	"github.com/adiadia/brokerage-agent/internal/domain"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout = 30 * time.Second
	headerAPIKey   = "X-API-Key"
)

// Error is a non-2xx answer from the brokerage backend. Its message is the
// backend's detail text so it can be shown to the user unchanged.
type Error struct {
	Status int
	Detail string
}

func (e *Error) Error() string {
	return e.Detail
}

type errorBody struct {
	Detail  string `json:"detail"`
	Message string `json:"message"`
}

type Readiness struct {
	Ready  bool   `json:"ready"`
	Reason string `json:"reason,omitempty"`
}

// ClosureStatus is the brokerage's own view of a closure, used to reconcile
// locally held workflow state.
type ClosureStatus struct {
	AccountID          string                `json:"account_id"`
	Steps              []domain.WorkflowStep `json:"steps"`
	IsComplete         bool                  `json:"is_complete"`
	ConfirmationNumber string                `json:"confirmation_number,omitempty"`
}

type ClientConfig struct {
	BaseURL string
	APIKey  string
	// RPS throttles outgoing calls. Zero disables throttling.
	RPS     float64
	Timeout time.Duration
}

type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	hc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		hc.SetHeader(headerAPIKey, cfg.APIKey)
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RPS > 0 {
		burst := int(cfg.RPS)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}

	return &Client{http: hc, limiter: limiter, logger: logger}
}

func (c *Client) request(ctx context.Context, accountID string) (*resty.Request, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("brokerage rate limit wait: %w", err)
	}
	req := c.http.R().
		SetContext(ctx).
		SetPathParam("accountID", accountID).
		SetError(&errorBody{})
	if id, ok := auth.IdentityFromContext(ctx); ok && id.AccessToken != "" {
		req.SetAuthToken(id.AccessToken)
	}
	return req, nil
}

// finish turns a resty outcome into an error. An error status wins over a
// body decode failure so the caller still sees the upstream status.
func (c *Client) finish(resp *resty.Response, callErr error, op string, accountID string) error {
	if resp == nil || !resp.IsError() {
		if callErr != nil {
			return fmt.Errorf("brokerage %s: %w", op, callErr)
		}
		return nil
	}

	detail := ""
	if body, ok := resp.Error().(*errorBody); ok && body != nil {
		detail = strings.TrimSpace(body.Detail)
		if detail == "" {
			detail = strings.TrimSpace(body.Message)
		}
	}
	if detail == "" {
		detail = strings.TrimSpace(resp.String())
	}
	if detail == "" {
		detail = http.StatusText(resp.StatusCode())
	}

	c.logger.Warn("brokerage call failed",
		"op", op,
		"account_id", accountID,
		"response_status", resp.StatusCode(),
		"detail", detail,
	)
	return &Error{Status: resp.StatusCode(), Detail: detail}
}

// CheckReadiness is read-only and safe to repeat.
func (c *Client) CheckReadiness(ctx context.Context, accountID string) (Readiness, error) {
	req, err := c.request(ctx, accountID)
	if err != nil {
		return Readiness{}, err
	}

	var out Readiness
	resp, err := req.SetResult(&out).Get("/accounts/{accountID}/closure/check-readiness")
	if err := c.finish(resp, err, "check-readiness", accountID); err != nil {
		return Readiness{}, err
	}
	return out, nil
}

// PostStep invokes one closure operation and returns the decoded response.
func (c *Client) PostStep(ctx context.Context, accountID string, op string, body any) (map[string]any, error) {
	req, err := c.request(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if body == nil {
		body = map[string]any{}
	}

	out := map[string]any{}
	resp, err := req.
		SetPathParam("op", op).
		SetBody(body).
		SetResult(&out).
		Post("/accounts/{accountID}/closure/{op}")
	if err := c.finish(resp, err, op, accountID); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ClosureStatus(ctx context.Context, accountID string) (ClosureStatus, error) {
	req, err := c.request(ctx, accountID)
	if err != nil {
		return ClosureStatus{}, err
	}

	var out ClosureStatus
	resp, err := req.SetResult(&out).Get("/accounts/{accountID}/closure/status")
	if err := c.finish(resp, err, "status", accountID); err != nil {
		return ClosureStatus{}, err
	}
	if out.AccountID == "" {
		out.AccountID = accountID
	}
	return out, nil
}
