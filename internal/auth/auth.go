// Package auth validates bearer tokens presented on the live channel and the
// REST endpoints. Tokens are minted elsewhere; only validation lives here.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/a-essam23/teamsync/internal/store"
	"github.com/a-essam23/teamsync/pkg/protocol"
	"github.com/a-essam23/teamsync/pkg/state"
	"github.com/golang-jwt/jwt/v5"
)

// Claims is the token payload accepted by the platform.
type Claims struct {
	Permissions []string `json:"perms,omitempty"`
	jwt.RegisteredClaims
}

// Principal is an authenticated user.
type Principal struct {
	UserID      string
	Permissions state.Permission
	Identity    protocol.Identity
}

type Validator struct {
	secret []byte
	users  store.Users
	perms  *state.PermissionRegistry
	now    func() time.Time
	logger *slog.Logger
}

func NewValidator(secret string, users store.Users, perms *state.PermissionRegistry, logger *slog.Logger) *Validator {
	return &Validator{
		secret: []byte(secret),
		users:  users,
		perms:  perms,
		now:    time.Now,
		logger: logger.With(slog.String("component", "auth")),
	}
}

// Validate checks token and, when userID is not empty, that it was issued to
// that user. Failures are protocol errors with reason invalid_token,
// expired_token or user_not_found.
func (v *Validator) Validate(ctx context.Context, userID, token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, protocol.NewError(protocol.ReasonInvalidToken, "token is required")
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now), jwt.WithExpirationRequired())
	if err != nil {
		return Principal{}, mapJWTError(err)
	}

	if claims.Subject == "" {
		return Principal{}, protocol.NewError(protocol.ReasonInvalidToken, "token missing subject")
	}
	if userID != "" && userID != claims.Subject {
		v.logger.Warn("Token subject does not match claimed user", slog.String("userID", userID))
		return Principal{}, protocol.NewError(protocol.ReasonInvalidToken, "token subject mismatch")
	}

	perms, err := v.perms.Compile(claims.Permissions)
	if err != nil {
		return Principal{}, protocol.NewError(protocol.ReasonInvalidToken, err.Error())
	}

	user, err := v.users.GetUser(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Principal{}, protocol.NewError(protocol.ReasonUserNotFound, "unknown user")
		}
		return Principal{}, fmt.Errorf("load user: %w", err)
	}

	return Principal{
		UserID:      user.ID,
		Permissions: perms,
		Identity:    user.Identity(),
	}, nil
}

// mapJWTError translates jwt library errors to protocol errors.
func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return protocol.NewError(protocol.ReasonExpiredToken, "token is expired")
	}
	return protocol.NewError(protocol.ReasonInvalidToken, "token is invalid")
}
