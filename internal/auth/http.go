// ABOUTME: HTTP middleware for JWT authentication on the WebSocket upgrade
// ABOUTME: Reads the token from the Authorization header or the token query parameter

package auth

import (
	"log/slog"
	"net/http"
	"strings"
)

// extractToken finds a bearer token on the request. Browsers cannot set
// headers on a WebSocket upgrade, so the token query parameter is accepted too.
// Returns the token and an error message (empty if successful).
func extractToken(r *http.Request) (string, string) {
	if h := r.Header.Get("Authorization"); h != "" {
		if !strings.HasPrefix(h, "Bearer ") {
			return "", "invalid authorization header format"
		}
		token := strings.TrimPrefix(h, "Bearer ")
		if token == "" {
			return "", "empty token"
		}
		return token, ""
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, ""
	}
	return "", "missing token"
}

// Middleware authenticates requests with verifier. When required is false a
// request without a token passes through as anonymous, but a request with a
// bad token is still rejected. A nil verifier admits everyone anonymously.
func Middleware(verifier TokenVerifier, required bool, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if verifier == nil {
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), &Identity{Anonymous: true})))
				return
			}

			token, errMsg := extractToken(r)
			if errMsg != "" {
				if errMsg == "missing token" && !required {
					next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), &Identity{Anonymous: true})))
					return
				}
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			subject, err := verifier.Verify(token)
			if err != nil {
				logger.Debug("rejected handshake token", "remote", r.RemoteAddr, "error", err)
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), &Identity{Subject: subject})))
		})
	}
}
