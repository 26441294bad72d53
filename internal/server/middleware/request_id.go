// Package middleware provides the HTTP middleware chain: request id
// propagation, request logging, and panic recovery with the standard
// error envelope.
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	apperrors "github.com/3leaps/goanvil/internal/errors"
)

// RequestID attaches a request id to every request: the client's
// X-Request-ID when present, otherwise a fresh UUID. The id is echoed
// on the response and stored in the request context so error
// envelopes and log lines can carry it.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(apperrors.RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}

		w.Header().Set(apperrors.RequestIDHeader, id)
		ctx := apperrors.WithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
