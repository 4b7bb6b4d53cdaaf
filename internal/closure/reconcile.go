// SPDX-License-Identifier: Apache-2.0

package closure

import "github.com/adiadia/brokerage-agent/internal/domain"

// Reconcile merges the brokerage's view of a closure into the local one. The
// server wins for every step except one that is in progress locally, whose
// outcome is not known yet.
func Reconcile(local domain.WorkflowRun, server []domain.WorkflowStep) domain.WorkflowRun {
	out := local.Clone()

	for _, remote := range server {
		if !remote.Status.Valid() {
			continue
		}
		idx := out.StepIndex(remote.ID)
		if idx < 0 {
			continue
		}
		if out.Steps[idx].Status == domain.StepInProgress {
			continue
		}
		out.Steps[idx].Status = remote.Status
		if remote.Status == domain.StepFailed {
			out.Steps[idx].Error = remote.Error
		} else {
			out.Steps[idx].Error = ""
		}
	}

	out.CurrentStep = currentStep(out.Steps)
	return out
}

// currentStep is the first step that is not completed, or the last step once
// everything is done.
func currentStep(steps []domain.WorkflowStep) int {
	for i, st := range steps {
		if st.Status != domain.StepCompleted {
			return i
		}
	}
	if len(steps) == 0 {
		return 0
	}
	return len(steps) - 1
}

func allCompleted(steps []domain.WorkflowStep, from, to int) bool {
	for i := from; i < to && i < len(steps); i++ {
		if steps[i].Status != domain.StepCompleted {
			return false
		}
	}
	return true
}
