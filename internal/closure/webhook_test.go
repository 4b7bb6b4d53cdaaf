// SPDX-License-Identifier: Apache-2.0

package closure

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adiadia/brokerage-agent/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookNotifierRetriesAndSigns(t *testing.T) {
	var attempts int32
	var got webhookPayload
	var sig string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		sig = r.Header.Get(webhookHeaderSig)
		assert.Equal(t, signWebhookPayload("secret", body), sig)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "secret", srv.Client(), discardLogger())
	n.retryBase = time.Millisecond

	run := domain.NewWorkflowRun("acct-1")
	run.ID = "wf-1"
	run.Steps[4].Status = domain.StepFailed
	run.Steps[4].Error = "Insufficient settled cash"

	n.Notify(context.Background(), run)

	require.Equal(t, int32(2), atomic.LoadInt32(&attempts))
	assert.Equal(t, "acct-1", got.AccountID)
	assert.Equal(t, "failed", got.Status)
	assert.Equal(t, domain.StepWithdrawFunds, got.FailedStep)
	assert.Equal(t, "Insufficient settled cash", got.Error)
	assert.NotEmpty(t, sig)
}

func TestWebhookNotifierSkipsRunningWorkflows(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&attempts, 1)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "", srv.Client(), discardLogger())
	n.Notify(context.Background(), domain.NewWorkflowRun("acct-1"))
	assert.Equal(t, int32(0), atomic.LoadInt32(&attempts))

	NewWebhookNotifier("", "", nil, discardLogger()).Notify(context.Background(), domain.NewWorkflowRun("acct-1"))
}

func TestWebhookPayloadForCompletedRun(t *testing.T) {
	done := time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)
	run := domain.NewWorkflowRun("acct-1")
	run.IsComplete = true
	run.ConfirmationNumber = "CLS-ABC-123456"
	run.CompletionTimestamp = &done

	p, ok := payloadFor(run, time.Now())
	require.True(t, ok)
	assert.Equal(t, "completed", p.Status)
	assert.Equal(t, "CLS-ABC-123456", p.ConfirmationNumber)
	assert.Equal(t, done, p.FinishedAt)
	assert.Empty(t, p.FailedStep)
}
