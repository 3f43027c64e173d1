package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/a-essam23/teamsync/internal/auth"
	"github.com/a-essam23/teamsync/pkg/protocol"
)

// Identity validates a bearer token.
type Identity interface {
	Validate(ctx context.Context, userID, token string) (auth.Principal, error)
}

const sessionCookie = "session-token"

// TokenFrom returns the session cookie or, failing that, the bearer token of
// the Authorization header.
func TokenFrom(r *http.Request) string {
	if cookie, err := r.Cookie(sessionCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

// NewHandshakeTokenMiddleware captures the token presented at the websocket
// handshake without validating it. The connection authenticates in-band, so
// a missing or bad token never rejects the upgrade.
func NewHandshakeTokenMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			reqMeta.Token = TokenFrom(r)
			if reqMeta.Token == "" {
				logger.Debug("No handshake token attached to request", slog.String("ip", reqMeta.IP))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewAuthMiddleware validates the bearer token of REST requests and stores
// the principal in the request metadata.
func NewAuthMiddleware(logger *slog.Logger, identity Identity) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// couldn't extract metadata from request so something went wrong with previous middlewares
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			principal, err := identity.Validate(r.Context(), "", TokenFrom(r))
			if err != nil {
				pe := protocol.AsError(err)
				if pe.Reason == protocol.ReasonInternal {
					logger.Error("Token validation failed", slog.String("ip", reqMeta.IP), slog.Any("error", err))
				} else {
					logger.Warn("Rejected REST request", slog.String("ip", reqMeta.IP), slog.String("reason", string(pe.Reason)))
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(protocol.AuthErrorPayload{Reason: pe.Reason, Message: pe.Message})
				return
			}
			reqMeta.Principal = &principal
			reqMeta.UserID = principal.UserID
			next.ServeHTTP(w, r)
		})
	}
}
