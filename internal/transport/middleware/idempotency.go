// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"net/http"
	"strings"

	"github.com/adiadia/brokerage-agent/internal/auth"
)

const headerIdempotencyKey = "Idempotency-Key"
const maxIdempotencyKeyLen = 255

// IdempotencyKey moves the Idempotency-Key header onto the request context.
func IdempotencyKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > maxIdempotencyKeyLen {
			http.Error(w, "Idempotency-Key header is too long", http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdempotencyKey(r.Context(), key)))
	})
}
