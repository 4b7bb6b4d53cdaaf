// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"testing"
	"time"

	"github.com/adiadia/brokerage-agent/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

func counterValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			matched := 0
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] == lp.GetValue() {
					matched++
				}
			}
			if matched == len(labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestClosureStepCounter(t *testing.T) {
	Init()
	labels := map[string]string{"step": "withdraw-funds", "status": "failed"}
	before := counterValue(t, "closure_steps_total", labels)

	IncClosureStep(domain.StepWithdrawFunds, domain.StepFailed)

	after := counterValue(t, "closure_steps_total", labels)
	if after-before != 1 {
		t.Fatalf("expected counter to increase by 1 got %v", after-before)
	}
}

func TestStreamEventCountersPreRegistered(t *testing.T) {
	Init()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() == "agent_stream_events_total" {
			if len(fam.GetMetric()) < 7 {
				t.Fatalf("expected 7 event type series got %d", len(fam.GetMetric()))
			}
			return
		}
	}
	t.Fatal("expected agent_stream_events_total to be registered")
}

func TestHelpersDoNotPanic(t *testing.T) {
	ObserveClosureStepDuration(domain.StepSettlement, 20*time.Millisecond)
	IncAutoRetry("failed")
	IncStreamEvent(domain.EventMetadata)
	IncPersistFailure("start_run")
	IncPersistDropped()
	IncResume("accepted")
	ObserveReconcileDuration(time.Second)

	if got := counterValue(t, "run_persistence_failures_total", map[string]string{"op": "start_run"}); got < 1 {
		t.Fatalf("expected persistence failure to be counted got %v", got)
	}
}
