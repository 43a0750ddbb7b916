package adminapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type contextKey int

const (
	ctxOperator contextKey = iota
	ctxSessionID
)

// requireAuth validates the Bearer JWT and injects operator + session id
// into the request context.
func requireAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}
			claims, err := ParseAccessToken(secret, raw)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			ctx := context.WithValue(r.Context(), ctxOperator, claims.Subject)
			ctx = context.WithValue(ctx, ctxSessionID, claims.SessionID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// contextOperator extracts the operator name injected by requireAuth.
func contextOperator(r *http.Request) string {
	v, _ := r.Context().Value(ctxOperator).(string)
	return v
}

// contextSessionID extracts the session UUID injected by requireAuth.
func contextSessionID(r *http.Request) uuid.UUID {
	v, _ := r.Context().Value(ctxSessionID).(uuid.UUID)
	return v
}
