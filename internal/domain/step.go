// SPDX-License-Identifier: Apache-2.0

package domain

type StepStatus string
type StepID string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in-progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

const (
	StepCheckReadiness     StepID = "check-readiness"
	StepCancelOrders       StepID = "cancel-orders"
	StepLiquidatePositions StepID = "liquidate-positions"
	StepSettlement         StepID = "settlement"
	StepWithdrawFunds      StepID = "withdraw-funds"
	StepCloseAccount       StepID = "close-account"
)

// WorkflowStep is one entry of a closure workflow. Error is only set while
// Status is StepFailed.
type WorkflowStep struct {
	ID          StepID     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      StepStatus `json:"status"`
	Error       string     `json:"error,omitempty"`
}

// Mutating reports whether executing the step changes state at the
// brokerage. Read-only checks are always safe to repeat.
func (id StepID) Mutating() bool {
	switch id {
	case StepCancelOrders, StepLiquidatePositions, StepWithdrawFunds, StepCloseAccount:
		return true
	default:
		return false
	}
}

func (s StepStatus) Valid() bool {
	switch s {
	case StepPending, StepInProgress, StepCompleted, StepFailed:
		return true
	default:
		return false
	}
}
