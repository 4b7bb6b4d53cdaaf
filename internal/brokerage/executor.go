// SPDX-License-Identifier: Apache-2.0

package brokerage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/adiadia/brokerage-agent/internal/domain"
)

type StepRequest struct {
	WorkflowID        string
	AccountID         string
	ACHRelationshipID string
	Step              domain.StepID
}

type StepResult struct {
	Step        domain.StepID  `json:"step"`
	Detail      string         `json:"detail,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	CompletedAt time.Time      `json:"completedAt"`
	// Replayed is set when the result came from the ledger instead of a call.
	Replayed bool `json:"replayed,omitempty"`
}

// StepError is a step that the brokerage answered without a transport or
// HTTP failure but that cannot proceed, such as an account that is not ready
// or trades that have not settled.
type StepError struct {
	Step    domain.StepID
	Message string
}

func (e *StepError) Error() string {
	return e.Message
}

func (e *StepError) Unwrap() error {
	return domain.ErrStepFailed
}

type Executor interface {
	Execute(ctx context.Context, req StepRequest) (StepResult, error)
}

var _ Executor = (*StepExecutor)(nil)

// StepExecutor maps each closure step to its brokerage call.
type StepExecutor struct {
	client *Client
	now    func() time.Time
}

func NewStepExecutor(client *Client) *StepExecutor {
	return &StepExecutor{client: client, now: time.Now}
}

func (e *StepExecutor) Execute(ctx context.Context, req StepRequest) (StepResult, error) {
	result := StepResult{Step: req.Step}

	switch req.Step {
	case domain.StepCheckReadiness:
		readiness, err := e.client.CheckReadiness(ctx, req.AccountID)
		if err != nil {
			return StepResult{}, err
		}
		if !readiness.Ready {
			reason := strings.TrimSpace(readiness.Reason)
			if reason == "" {
				reason = "Account is not ready to be closed"
			}
			return StepResult{}, &StepError{Step: req.Step, Message: reason}
		}
		result.Data = map[string]any{"ready": true}

	case domain.StepCancelOrders:
		data, err := e.client.PostStep(ctx, req.AccountID, "cancel-orders", nil)
		if err != nil {
			return StepResult{}, err
		}
		result.Data = data

	case domain.StepLiquidatePositions:
		data, err := e.client.PostStep(ctx, req.AccountID, "liquidate-positions", nil)
		if err != nil {
			return StepResult{}, err
		}
		result.Data = data

	case domain.StepSettlement:
		data, err := e.client.PostStep(ctx, req.AccountID, "check-settlement", nil)
		if err != nil {
			return StepResult{}, err
		}
		if settled, _ := data["settled"].(bool); !settled {
			msg := stringField(data, "detail")
			if msg == "" {
				msg = "Trades have not settled yet"
			}
			return StepResult{}, &StepError{Step: req.Step, Message: msg}
		}
		result.Data = data

	case domain.StepWithdrawFunds:
		if strings.TrimSpace(req.ACHRelationshipID) == "" {
			return StepResult{}, &StepError{Step: req.Step, Message: "No linked bank account for the withdrawal"}
		}
		data, err := e.client.PostStep(ctx, req.AccountID, "withdraw-funds", map[string]any{
			"ach_relationship_id": req.ACHRelationshipID,
		})
		if err != nil {
			return StepResult{}, err
		}
		result.Data = data

	case domain.StepCloseAccount:
		data, err := e.client.PostStep(ctx, req.AccountID, "close-account", nil)
		if err != nil {
			return StepResult{}, err
		}
		result.Data = data

	default:
		return StepResult{}, fmt.Errorf("unknown closure step %q", req.Step)
	}

	result.Detail = stringField(result.Data, "detail")
	result.CompletedAt = e.now().UTC()
	return result, nil
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return strings.TrimSpace(v)
}
