package middleware

import (
	"context"
	"net"
	"net/http"

	"github.com/a-essam23/teamsync/internal/auth"
	"github.com/google/uuid"
)

type contextKey string

const reqMetaKey = contextKey("r-metadata")

type RequestMetadata struct {
	IP string
	// Token is the bearer token presented at the handshake, if any.
	Token string
	// Principal is set once a REST request has been authenticated.
	Principal *auth.Principal

	// UserID is the authenticated user, for websockets the one the
	// connection was bound to when it closed.
	UserID string
	ConnID uuid.UUID
}

func ReqMetadataFrom(ctx context.Context) (*RequestMetadata, bool) {
	reqMeta, ok := ctx.Value(reqMetaKey).(*RequestMetadata)
	return reqMeta, ok
}

// WithMetadata returns ctx carrying reqMeta.
func WithMetadata(ctx context.Context, reqMeta *RequestMetadata) context.Context {
	return context.WithValue(ctx, reqMetaKey, reqMeta)
}

// creates and injects the RequestMetadata struct into the request.
// **This should be the first middleware in the chain.**
func RequestMetadataMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta := &RequestMetadata{}

			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr // Fallback
			}
			reqMeta.IP = ip
			next.ServeHTTP(w, r.WithContext(WithMetadata(r.Context(), reqMeta)))
		})
	}
}
