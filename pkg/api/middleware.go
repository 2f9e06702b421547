package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/workweave/draftgate/pkg/identity"
)

type requestIDKey struct{}
type principalKey struct{}

// RequestIDMiddleware injects a unique X-Request-ID into every request
// context and response header. A client-sent X-Request-ID is reused.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID extracts the request id from the context.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// AuthMiddleware authenticates the bearer token through the configured
// identity provider and stores the principal in the context.
func AuthMiddleware(provider identity.Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeError(w, http.StatusUnauthorized, "EXECUTION_DENIED",
					"a bearer token is required", RequestID(r.Context()))
				return
			}
			principal, err := provider.Authenticate(r.Context(), token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "EXECUTION_DENIED",
					"bearer token is invalid or expired", RequestID(r.Context()))
				return
			}
			ctx := context.WithValue(r.Context(), principalKey{}, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CallerPrincipal extracts the authenticated principal from the context.
func CallerPrincipal(ctx context.Context) *identity.Principal {
	if p, ok := ctx.Value(principalKey{}).(*identity.Principal); ok {
		return p
	}
	return nil
}

// RecoverMiddleware converts panics into 500 envelopes instead of dropped
// connections.
func RecoverMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("handler panic", "panic", rec, "path", r.URL.Path,
						"request_id", RequestID(r.Context()))
					writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR",
						"an unexpected error occurred", RequestID(r.Context()))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
