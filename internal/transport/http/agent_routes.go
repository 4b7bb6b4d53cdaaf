// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/adiadia/brokerage-agent/internal/agentclient"
	"github.com/adiadia/brokerage-agent/internal/agentstream"
	"github.com/adiadia/brokerage-agent/internal/auth"
	"github.com/adiadia/brokerage-agent/internal/chatretry"
	"github.com/adiadia/brokerage-agent/internal/domain"
	"github.com/adiadia/brokerage-agent/internal/interrupt"
	"github.com/adiadia/brokerage-agent/internal/validation"
	"github.com/go-chi/chi/v5"
)

type submitRunRequest struct {
	Message   string         `json:"message"`
	RunID     string         `json:"run_id"`
	AccountID string         `json:"account_id"`
	SessionID string         `json:"session_id"`
	Metadata  map[string]any `json:"metadata"`
}

// submission is a validated turn, ready to send upstream.
type submission struct {
	identity auth.Identity
	threadID string
	runID    string
	body     submitRunRequest
}

func (a *api) prepareSubmission(r *http.Request) (submission, error) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return submission{}, domain.ErrUnauthenticated
	}
	threadID := strings.TrimSpace(chi.URLParam(r, "threadID"))
	if threadID == "" {
		return submission{}, fmt.Errorf("%w: thread id is required", domain.ErrInvalidInput)
	}

	var body submitRunRequest
	if err := a.deps.Validator.Decode(r.Body, validation.RunSubmit, &body); err != nil {
		return submission{}, err
	}
	if err := a.authorizeAccount(r.Context(), id.UserID, body.AccountID); err != nil {
		return submission{}, err
	}

	runID := body.RunID
	if a.deps.Runs != nil {
		runID = a.deps.Runs.ResolveRunID(r.Context(), body.RunID, id.UserID, threadID)
	}
	return submission{identity: id, threadID: threadID, runID: runID, body: body}, nil
}

// authorizeAccount checks ownership of an account named in a request body,
// where the route-level check cannot see it.
func (a *api) authorizeAccount(ctx context.Context, userID, accountID string) error {
	if accountID == "" || a.deps.Ownership == nil {
		return nil
	}
	owned, err := a.deps.Ownership.OwnsAccount(ctx, userID, accountID)
	if err != nil {
		return fmt.Errorf("check account ownership: %w", err)
	}
	if !owned {
		a.logger.Warn("account access denied",
			"audit", true,
			"user_id", userID,
			"account_id", accountID,
		)
		return domain.ErrAccountForbidden
	}
	return nil
}

func (s submission) runRequest() agentclient.RunRequest {
	metadata := map[string]any{}
	for k, v := range s.body.Metadata {
		metadata[k] = v
	}
	metadata["run_id"] = s.runID
	metadata["user_id"] = s.identity.UserID

	return agentclient.RunRequest{
		Input: map[string]any{
			"messages": []map[string]any{{"role": "user", "content": s.body.Message}},
		},
		Config:   interrupt.TrustedConfig(s.identity.UserID, s.body.AccountID, s.threadID),
		Metadata: metadata,
	}
}

// trackAttempt records the turn as the session's retry candidate and
// returns the function that settles it.
func (a *api) trackAttempt(ctx context.Context, s submission) func(ok bool) {
	if a.deps.ChatRetry == nil || s.body.SessionID == "" {
		return func(bool) {}
	}
	userID, sessionID := s.identity.UserID, s.body.SessionID

	if _, err := a.deps.ChatRetry.Update(ctx, userID, sessionID, func(st *chatretry.State) {
		st.BeginAttempt(s.body.Message, s.threadID)
	}); err != nil {
		a.logger.Warn("record chat attempt failed", "user_id", userID, "session_id", sessionID, "error", err)
	}

	return func(ok bool) {
		settle := (*chatretry.State).HandleSendFailure
		if ok {
			settle = (*chatretry.State).HandleSendSuccess
		}
		if _, err := a.deps.ChatRetry.Update(context.WithoutCancel(ctx), userID, sessionID, settle); err != nil {
			a.logger.Warn("settle chat attempt failed", "user_id", userID, "session_id", sessionID, "error", err)
		}
	}
}

func (a *api) streamRun(w http.ResponseWriter, r *http.Request) {
	sub, err := a.prepareSubmission(r)
	if err != nil {
		writeError(w, a.logger, "stream run", err)
		return
	}
	settle := a.trackAttempt(r.Context(), sub)

	ctx, cancel := context.WithTimeout(r.Context(), a.deps.StreamTimeout)
	defer cancel()

	src, err := a.deps.Agent.OpenStream(ctx, sub.threadID, sub.runRequest())
	if err != nil {
		settle(false)
		writeError(w, a.logger, "stream run", err)
		return
	}

	started := domain.StreamEvent{
		Type: domain.EventMetadata,
		Data: map[string]any{
			"run_id":    sub.runID,
			"thread_id": sub.threadID,
		},
	}
	status, err := a.deps.Relay.Pipe(ctx, w, src, agentstream.RunInfo{
		RunID:     sub.runID,
		ThreadID:  sub.threadID,
		UserID:    sub.identity.UserID,
		AccountID: sub.body.AccountID,
	}, started)
	settle(err == nil && status == domain.RunComplete)
}

func (a *api) createRun(w http.ResponseWriter, r *http.Request) {
	sub, err := a.prepareSubmission(r)
	if err != nil {
		writeError(w, a.logger, "create run", err)
		return
	}
	settle := a.trackAttempt(r.Context(), sub)

	if a.deps.Runs != nil {
		a.deps.Runs.StartRun(domain.RunRecord{
			RunID:     sub.runID,
			ThreadID:  sub.threadID,
			UserID:    sub.identity.UserID,
			AccountID: sub.body.AccountID,
		})
	}

	out, err := a.deps.Agent.CreateRun(r.Context(), sub.threadID, sub.runRequest())
	status := domain.RunComplete
	if err != nil {
		status = domain.RunError
	}
	if a.deps.Runs != nil {
		a.deps.Runs.FinalizeRun(sub.runID, sub.identity.UserID, status)
	}
	settle(err == nil)
	if err != nil {
		writeError(w, a.logger, "create run", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":    sub.runID,
		"thread_id": sub.threadID,
		"result":    out,
	})
}

func (a *api) toolActivities(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, a.logger, "tool activities", domain.ErrUnauthenticated)
		return
	}
	threadID := chi.URLParam(r, "threadID")
	accountID := strings.TrimSpace(r.URL.Query().Get("account_id"))
	if err := a.authorizeAccount(r.Context(), id.UserID, accountID); err != nil {
		writeError(w, a.logger, "tool activities", err)
		return
	}

	activities, err := a.deps.Runs.FetchAndHydrateToolActivities(r.Context(), threadID, id.UserID, accountID, nil)
	if err != nil {
		writeError(w, a.logger, "tool activities", err)
		return
	}
	if activities == nil {
		activities = []domain.ToolActivity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"thread_id":  threadID,
		"activities": activities,
	})
}

// decodeResume reads a resume request from the JSON body (POST) or the
// query string (GET). In a query string, response is parsed as JSON when
// possible and kept as text otherwise.
func (a *api) decodeResume(r *http.Request) (interrupt.Request, error) {
	var req interrupt.Request
	if r.Method == http.MethodPost {
		err := a.deps.Validator.Decode(r.Body, validation.Resume, &req)
		return req, err
	}

	q := r.URL.Query()
	doc := map[string]any{}
	for key := range q {
		doc[key] = q.Get(key)
	}
	if raw, ok := doc["response"].(string); ok {
		var parsed any
		if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
			doc["response"] = parsed
		}
	}
	if err := a.deps.Validator.ValidateValue(validation.Resume, doc); err != nil {
		return req, err
	}

	req.ThreadID, _ = doc["thread_id"].(string)
	req.RunID, _ = doc["run_id"].(string)
	req.AccountID, _ = doc["account_id"].(string)
	req.Response = doc["response"]
	return req, nil
}

func (a *api) resumeStream(w http.ResponseWriter, r *http.Request) {
	req, err := a.decodeResume(r)
	if err != nil {
		writeError(w, a.logger, "resume stream", err)
		return
	}
	if err := a.deps.Resume.ResumeStream(r.Context(), w, req); err != nil {
		// Once the event stream has started the relay reports errors in band.
		if !headersSent(w) {
			writeError(w, a.logger, "resume stream", err)
		}
	}
}

func (a *api) resumeOnce(w http.ResponseWriter, r *http.Request) {
	req, err := a.decodeResume(r)
	if err != nil {
		writeError(w, a.logger, "resume run", err)
		return
	}
	out, err := a.deps.Resume.ResumeOnce(r.Context(), req)
	if err != nil {
		writeError(w, a.logger, "resume run", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":    req.RunID,
		"thread_id": req.ThreadID,
		"status":    "resumed",
		"result":    out,
	})
}

func (a *api) chatRetryState(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, a.logger, "chat retry state", domain.ErrUnauthenticated)
		return
	}
	st, err := a.deps.ChatRetry.Load(r.Context(), id.UserID, chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, a.logger, "chat retry state", err)
		return
	}
	writeJSON(w, http.StatusOK, chatRetryView(st))
}

func (a *api) dismissChatRetry(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, a.logger, "dismiss chat retry", domain.ErrUnauthenticated)
		return
	}
	st, err := a.deps.ChatRetry.Update(r.Context(), id.UserID, chi.URLParam(r, "sessionID"), (*chatretry.State).Dismiss)
	if err != nil {
		writeError(w, a.logger, "dismiss chat retry", err)
		return
	}
	writeJSON(w, http.StatusOK, chatRetryView(st))
}

func chatRetryView(st chatretry.State) map[string]any {
	return map[string]any{
		"lastFailedMessage":    st.LastFailedMessage,
		"lastFailedThreadId":   st.LastFailedThreadID,
		"shouldShowRetryPopup": st.ShouldShowRetryPopup(),
	}
}

// headersSent reports whether an event stream was already opened on w.
func headersSent(w http.ResponseWriter) bool {
	return w.Header().Get("Content-Type") == "text/event-stream"
}
