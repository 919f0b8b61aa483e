package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/MohamedElkhlawy153/Arabic-Rag-Chatbot/internal/logging"
)

// authMiddleware enforces Bearer token authentication on the API routes.
// With an empty apiKey it returns next unchanged: auth is disabled and the
// server logs a single startup warning rather than one per request.
//
// Rejected requests get 401 with a WWW-Authenticate Bearer challenge. The
// presented token value is never logged.
func authMiddleware(apiKey string, next http.Handler) http.Handler {
	if apiKey == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := logging.FromContext(r.Context())

		token := bearerToken(r)
		switch {
		case token == "":
			log.Warn("auth: missing Authorization header",
				slog.String("path", r.URL.Path),
			)
			w.Header().Set("WWW-Authenticate", `Bearer realm="arag"`)
			http.Error(w, "authorization required", http.StatusUnauthorized)

		case token != apiKey:
			log.Warn("auth: invalid token",
				slog.String("path", r.URL.Path),
				slog.Bool("token_present", true),
			)
			w.Header().Set("WWW-Authenticate", `Bearer realm="arag" error="invalid_token"`)
			http.Error(w, "invalid token", http.StatusUnauthorized)

		default:
			next.ServeHTTP(w, r)
		}
	})
}

// bearerToken extracts the token from an "Authorization: Bearer <token>"
// header. The scheme comparison is case-insensitive per RFC 7235; a missing
// or non-Bearer header yields the empty string.
func bearerToken(r *http.Request) string {
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
