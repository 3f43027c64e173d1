package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/a-essam23/teamsync/pkg/pipeline"
	"github.com/a-essam23/teamsync/pkg/protocol"
	"github.com/a-essam23/teamsync/pkg/state"
)

func authenticatedModifier(pctx *pipeline.Cargo, params ...string) error {
	if len(params) != 0 {
		return errors.New("'authenticated' modifier does not accept any parameters")
	}
	if !pctx.Conn.Authenticated() {
		return protocol.ErrUnauthenticated
	}
	return nil
}

type rateLimitState struct {
	Requests atomic.Int64
}

// parseRate reads "<count>/<unit>" with unit one of s, m or h.
func parseRate(param string) (int, time.Duration, error) {
	parts := strings.Split(param, "/")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid rate_limit format: %s", param)
	}

	limit, err := strconv.Atoi(parts[0])
	if err != nil || limit <= 0 {
		return 0, 0, fmt.Errorf("invalid rate_limit count: %s", parts[0])
	}

	var duration time.Duration
	switch strings.ToLower(parts[1]) {
	case "s":
		duration = time.Second
	case "m":
		duration = time.Minute
	case "h":
		duration = time.Hour
	default:
		return 0, 0, fmt.Errorf("invalid rate_limit duration unit: %s", parts[1])
	}
	return limit, duration, nil
}

func newRateLimitModifier(logger *slog.Logger) pipeline.ModifierFunc {
	return func(pctx *pipeline.Cargo, params ...string) error {
		if len(params) != 1 {
			return errors.New("'rate_limit' modifier requires exactly one parameter (e.g., '10/m')")
		}
		limit, duration, err := parseRate(params[0])
		if err != nil {
			return err
		}

		modifierName := "rate_limit"
		subject := pctx.Subject()
		eventName := pctx.Event
		store := pctx.ModifierStore

		existingState, found := store.GetModifierState(modifierName, subject, eventName)
		if !found {
			// First request in the window. Create the state.
			window := &rateLimitState{}
			window.Requests.Store(1)
			newState := &state.ModifierState{Value: window}

			// Schedule the cleanup using time.AfterFunc.
			newState.Timer = time.AfterFunc(duration, func() {
				logger.Debug("Auto-cleaning expired rate_limit state", "subject", subject, "event", eventName)
				store.DeleteModifierState(modifierName, subject, eventName)
			})

			store.SetModifierState(modifierName, subject, eventName, newState)
			return nil // Allowed
		}

		// Subsequent request within the window.
		currentState := existingState.Value.(*rateLimitState)
		if currentState.Requests.Add(1) <= int64(limit) {
			return nil // Allowed
		}

		return protocol.NewError(protocol.ReasonRateLimited, fmt.Sprintf("rate limit for event '%s' exceeded", eventName))
	}
}
