// SPDX-License-Identifier: Apache-2.0

package domain

import "time"

// PreSettlementSteps is the number of leading steps run by closure
// initiation. The remaining steps only run after final confirmation.
const PreSettlementSteps = 3

// WorkflowRun is the state of one account closure. ID changes each time the
// workflow is initiated and scopes the brokerage step ledger.
type WorkflowRun struct {
	ID                  string         `json:"workflowId,omitempty"`
	AccountID           string         `json:"accountId"`
	ACHRelationshipID   string         `json:"achRelationshipId,omitempty"`
	Steps               []WorkflowStep `json:"steps"`
	CurrentStep         int            `json:"currentStep"`
	CanCancel           bool           `json:"canCancel"`
	IsProcessing        bool           `json:"isProcessing"`
	IsComplete          bool           `json:"isComplete"`
	ConfirmationNumber  string         `json:"confirmationNumber,omitempty"`
	CompletionTimestamp *time.Time     `json:"completionTimestamp,omitempty"`
	EstimatedCompletion *time.Time     `json:"estimatedCompletion,omitempty"`
	UpdatedAt           time.Time      `json:"updatedAt"`
}

// NewWorkflowRun returns the initial six-step closure template.
func NewWorkflowRun(accountID string) WorkflowRun {
	return WorkflowRun{
		AccountID: accountID,
		Steps: []WorkflowStep{
			{
				ID:          StepCheckReadiness,
				Title:       "Check readiness",
				Description: "Verify the account can be closed",
				Status:      StepPending,
			},
			{
				ID:          StepCancelOrders,
				Title:       "Cancel open orders",
				Description: "Cancel all pending and open orders",
				Status:      StepPending,
			},
			{
				ID:          StepLiquidatePositions,
				Title:       "Liquidate positions",
				Description: "Sell all holdings at market price",
				Status:      StepPending,
			},
			{
				ID:          StepSettlement,
				Title:       "Wait for settlement",
				Description: "Trades settle on the next business day (T+1)",
				Status:      StepPending,
			},
			{
				ID:          StepWithdrawFunds,
				Title:       "Withdraw funds",
				Description: "Transfer the cash balance to the linked bank account",
				Status:      StepPending,
			},
			{
				ID:          StepCloseAccount,
				Title:       "Close account",
				Description: "Permanently close the brokerage account",
				Status:      StepPending,
			},
		},
		CanCancel: true,
	}
}

// HasFailed reports whether any step is failed.
func (r WorkflowRun) HasFailed() bool {
	return r.FailedStep() >= 0
}

// FailedStep returns the index of the first failed step or -1.
func (r WorkflowRun) FailedStep() int {
	for i, st := range r.Steps {
		if st.Status == StepFailed {
			return i
		}
	}
	return -1
}

// StepIndex returns the template position of id or -1.
func (r WorkflowRun) StepIndex(id StepID) int {
	for i, st := range r.Steps {
		if st.ID == id {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy safe to hand to another goroutine.
func (r WorkflowRun) Clone() WorkflowRun {
	out := r
	out.Steps = append([]WorkflowStep(nil), r.Steps...)
	if r.CompletionTimestamp != nil {
		ts := *r.CompletionTimestamp
		out.CompletionTimestamp = &ts
	}
	if r.EstimatedCompletion != nil {
		ts := *r.EstimatedCompletion
		out.EstimatedCompletion = &ts
	}
	return out
}
