package engine

import (
	"log/slog"
	"sync"

	"github.com/a-essam23/teamsync/internal/connmgr"
	"github.com/a-essam23/teamsync/internal/joinreq"
	"github.com/a-essam23/teamsync/internal/notify"
	"github.com/a-essam23/teamsync/internal/reconcile"
	"github.com/a-essam23/teamsync/internal/store"
	"github.com/a-essam23/teamsync/pkg/config"
	"github.com/a-essam23/teamsync/pkg/pipeline"
	"github.com/a-essam23/teamsync/pkg/protocol"
	"github.com/a-essam23/teamsync/pkg/state"
)

/*
* The central registry for the event handlers and modifiers the router can
* dispatch to. Config refers to them by name.
 */
type Registry struct {
	logger *slog.Logger

	handlers  map[string]pipeline.Handler
	handlerMu sync.RWMutex

	modifiers  map[string]pipeline.ModifierFunc
	modifierMu sync.RWMutex
}

// compile-time check to ensure Registry can feed the pipeline compiler.
var _ config.Registry = (*Registry)(nil)

// Services are the collaborators the core handlers act on.
type Services struct {
	Connections *connmgr.Manager
	Notifier    *notify.Router
	Requests    *joinreq.Coordinator
	Syncer      *reconcile.Syncer
	Rooms       state.RoomMembership
	Projects    store.Projects
}

// New creates and initializes a new Registry instance.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		handlers:  make(map[string]pipeline.Handler),
		modifiers: make(map[string]pipeline.ModifierFunc),
		logger:    logger.With(slog.String("component", "engine")),
	}
}

func (e *Registry) RegisterCore(svc *Services) {
	e.registerCoreHandlers(svc)
	e.registerCoreModifiers()
}

func (e *Registry) registerCoreHandlers(svc *Services) {
	e.RegisterHandler(protocol.EventAuthenticate, pipeline.Handler{
		Action:     handleAuthenticate(svc),
		ErrorEvent: protocol.EventAuthError,
	})
	e.RegisterHandler(protocol.EventPing, pipeline.Handler{
		Action:     handlePing(svc),
		ErrorEvent: protocol.EventError,
	})
	e.RegisterHandler(protocol.EventSendJoinRequest, pipeline.Handler{
		Action:     handleSendJoinRequest(svc),
		ErrorEvent: protocol.EventJoinRequestError,
		Protected:  true,
	})
	e.RegisterHandler(protocol.EventRespondJoinRequest, pipeline.Handler{
		Action:     handleRespondJoinRequest(svc),
		ErrorEvent: protocol.EventJoinRequestError,
		Protected:  true,
	})
	e.RegisterHandler(protocol.EventCancelJoinRequest, pipeline.Handler{
		Action:     handleCancelJoinRequest(svc),
		ErrorEvent: protocol.EventJoinRequestError,
		Protected:  true,
	})
	e.RegisterHandler(protocol.EventJoinProjectRoom, pipeline.Handler{
		Action:     handleJoinRoom(svc),
		ErrorEvent: protocol.EventError,
		Protected:  true,
	})
	e.RegisterHandler(protocol.EventLeaveProjectRoom, pipeline.Handler{
		Action:     handleLeaveRoom(svc),
		ErrorEvent: protocol.EventError,
		Protected:  true,
	})
	e.logger.Info("Registered core handlers", slog.Any("count", len(e.handlers)))
}

func (e *Registry) registerCoreModifiers() {
	e.RegisterModifier(config.AuthenticatedModifier, authenticatedModifier)
	e.RegisterModifier("rate_limit", newRateLimitModifier(e.logger))
	e.logger.Info("Registered core modifiers", slog.Any("count", len(e.modifiers)))
}

// --- Handler Methods ---

func (e *Registry) RegisterHandler(event string, h pipeline.Handler) {
	e.handlerMu.Lock()
	defer e.handlerMu.Unlock()
	if _, exists := e.handlers[event]; exists {
		panic("handler already registered: " + event)
	}
	if h.ErrorEvent == "" {
		h.ErrorEvent = protocol.EventError
	}
	e.handlers[event] = h
}

func (e *Registry) GetHandler(event string) (pipeline.Handler, bool) {
	e.handlerMu.RLock()
	defer e.handlerMu.RUnlock()
	h, ok := e.handlers[event]
	return h, ok
}

// Events returns every event with a registered handler.
func (e *Registry) Events() []string {
	e.handlerMu.RLock()
	defer e.handlerMu.RUnlock()
	keys := make([]string, 0, len(e.handlers))
	for k := range e.handlers {
		keys = append(keys, k)
	}
	return keys
}

// --- Modifier Methods ---

func (e *Registry) RegisterModifier(name string, fn pipeline.ModifierFunc) {
	e.modifierMu.Lock()
	defer e.modifierMu.Unlock()
	if _, exists := e.modifiers[name]; exists {
		panic("modifier function already registered: " + name)
	}
	e.modifiers[name] = fn
}

func (e *Registry) GetModifierFunc(name string) (pipeline.ModifierFunc, bool) {
	e.modifierMu.RLock()
	defer e.modifierMu.RUnlock()
	fn, ok := e.modifiers[name]
	return fn, ok
}
