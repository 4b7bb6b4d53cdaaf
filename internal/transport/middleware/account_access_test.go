// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/adiadia/brokerage-agent/internal/auth"
	"github.com/go-chi/chi/v5"
)

type mockOwnership struct {
	owners map[string]string
	err    error
}

func (m *mockOwnership) OwnsAccount(_ context.Context, userID, accountID string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	return m.owners[accountID] == userID, nil
}

func accountRouter(ownership AccountOwnership) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := chi.NewRouter()
	r.With(AccountAccess(ownership, logger)).Get("/accounts/{accountID}/closure", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func TestAccountAccess(t *testing.T) {
	ownership := &mockOwnership{owners: map[string]string{"acct-1": "user-1"}}

	cases := []struct {
		name   string
		userID string
		path   string
		want   int
	}{
		{name: "owner allowed", userID: "user-1", path: "/accounts/acct-1/closure", want: http.StatusOK},
		{name: "other user forbidden", userID: "user-2", path: "/accounts/acct-1/closure", want: http.StatusForbidden},
		{name: "unknown account forbidden", userID: "user-1", path: "/accounts/acct-9/closure", want: http.StatusForbidden},
		{name: "anonymous unauthorized", path: "/accounts/acct-1/closure", want: http.StatusUnauthorized},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.userID != "" {
				req = req.WithContext(auth.WithIdentity(req.Context(), auth.Identity{UserID: tc.userID}))
			}
			rec := httptest.NewRecorder()
			accountRouter(ownership).ServeHTTP(rec, req)

			if rec.Code != tc.want {
				t.Fatalf("expected status %d got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestAccountAccessLookupFailure(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/accounts/acct-1/closure", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), auth.Identity{UserID: "user-1"}))
	rec := httptest.NewRecorder()

	accountRouter(&mockOwnership{err: errors.New("db down")}).ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d got %d", http.StatusInternalServerError, rec.Code)
	}
}

func TestIdempotencyKey(t *testing.T) {
	var seen string
	handler := IdempotencyKey(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = auth.IdempotencyKeyFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/accounts/acct-1/closure/cancel-orders", nil)
	req.Header.Set("Idempotency-Key", " key-1 ")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d got %d", http.StatusOK, rec.Code)
	}
	if seen != "key-1" {
		t.Fatalf("expected key-1 got %q", seen)
	}

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Idempotency-Key", strings.Repeat("k", 300))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d got %d", http.StatusBadRequest, rec.Code)
	}
}
