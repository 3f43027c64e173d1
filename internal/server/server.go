package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/a-essam23/teamsync/internal/api"
	"github.com/a-essam23/teamsync/internal/auth"
	"github.com/a-essam23/teamsync/internal/connmgr"
	"github.com/a-essam23/teamsync/internal/engine"
	"github.com/a-essam23/teamsync/internal/joinreq"
	"github.com/a-essam23/teamsync/internal/notify"
	"github.com/a-essam23/teamsync/internal/reconcile"
	"github.com/a-essam23/teamsync/internal/router"
	"github.com/a-essam23/teamsync/internal/server/middleware"
	"github.com/a-essam23/teamsync/internal/store"
	"github.com/a-essam23/teamsync/pkg/config"
	"github.com/a-essam23/teamsync/pkg/state"
	"github.com/a-essam23/teamsync/pkg/state/statemanager"
	"github.com/a-essam23/teamsync/pkg/transport"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// errShutdown tells clients the server is going away and they may reconnect.
var errShutdown = websocket.CloseError{Code: websocket.StatusGoingAway, Reason: "server shutting down"}

type App struct {
	logger *slog.Logger
	config *config.Config

	conns    *connmgr.Manager
	requests *joinreq.Coordinator
	syncer   *reconcile.Syncer
	router   *router.EventRouter

	wg      sync.WaitGroup
	handler http.Handler
	http    *http.Server

	ctx context.Context
}

// NewApp wires every component on top of st. Connections and background
// loops are bound to ctx.
func NewApp(ctx context.Context, logger *slog.Logger, cfg *config.Config, st store.Store) (*App, error) {
	perms, err := state.NewPermissionRegistry(cfg.Permissions)
	if err != nil {
		return nil, fmt.Errorf("permissions: %w", err)
	}
	identity := auth.NewValidator(cfg.Server.Auth.JWTSecret, st, perms, logger)

	sessions := statemanager.NewInMemorySessions(logger)
	rooms := statemanager.NewInMemoryRooms(logger)
	modifiers := statemanager.NewInMemoryModifierStore(logger)

	conns := connmgr.New(sessions, rooms, identity, connmgr.Limit{
		MaxPerUser: cfg.Server.ConnectionLimit.MaxPerUser,
		Mode:       connmgr.LimitMode(cfg.Server.ConnectionLimit.Mode),
	}, logger)
	notifier := notify.New(sessions, rooms, logger)
	requests := joinreq.New(st, notifier, sessions, rooms, joinreq.Config{
		MaxProjectsPerUser: cfg.JoinRequests.MaxProjectsPerUser,
		CorrelationTimeout: cfg.JoinRequests.CorrelationTimeout,
		Expiry:             cfg.JoinRequests.Expiry,
		SweepInterval:      cfg.JoinRequests.SweepInterval,
		MaxMessageLength:   cfg.JoinRequests.MaxMessageLength,
	}, logger)
	syncer := reconcile.New(st, sessions, rooms, cfg.Sync.Interval, logger)

	// A closed connection can no longer receive its pending replies.
	conns.OnDetach(func(c *connmgr.Conn, _ string, _ int) {
		requests.DetachConn(c.ID())
	})

	registry := engine.New(logger)
	registry.RegisterCore(&engine.Services{
		Connections: conns,
		Notifier:    notifier,
		Requests:    requests,
		Syncer:      syncer,
		Rooms:       rooms,
		Projects:    st,
	})
	pipelines, err := config.CompilePipelines(cfg, registry)
	if err != nil {
		return nil, fmt.Errorf("compile pipelines: %w", err)
	}

	app := &App{
		logger:   logger,
		config:   cfg,
		conns:    conns,
		requests: requests,
		syncer:   syncer,
		router:   router.NewEventRouter(logger, conns, notifier, modifiers, pipelines),
		ctx:      ctx,
	}

	r := mux.NewRouter()
	r.Handle("/ws", middleware.Chain(http.HandlerFunc(app.upgradeHandler),
		middleware.NewConnectionLimiter(logger, conns.CountByIP, cfg.Server.MaxConnsPerIP),
		middleware.NewHandshakeTokenMiddleware(logger),
	))
	r.HandleFunc("/healthz", app.health).Methods(http.MethodGet)
	api.NewHandler(requests, syncer, logger).Register(r, middleware.NewAuthMiddleware(logger, identity))

	app.handler = middleware.Chain(r, middleware.RequestMetadataMiddleware(), middleware.NewRequestLogger(logger))
	app.http = &http.Server{Addr: cfg.Server.Address, Handler: app.handler, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}
	return app, nil
}

// Handler exposes the routes for embedding or tests.
func (a *App) Handler() http.Handler {
	return a.handler
}

func (a *App) Run() error {
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()
	go a.requests.RunSweeper(a.ctx)
	go a.syncer.Run(a.ctx)

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(slog.String("remoteAddr", reqMeta.IP))

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig(a.config.Transport),
		a.router.HandleMessage,
		func(id uuid.UUID, err error) {
			connLogger.Info("Deregistering connection due to closure", slog.String("connID", id.String()))
			if c, ok := a.conns.Get(id); ok {
				reqMeta.UserID = c.UserID()
			}
			a.conns.Disconnect(id)
		},
		a.logger,
	)
	reqMeta.ConnID = conn.ID()
	conn.SetOnHeartbeatHandler(a.conns.Touch)
	// registered before Run so the first frame finds its connection.
	a.conns.OnConnect(conn, reqMeta.IP, reqMeta.Token)

	connLogger.Info("Connection established, awaiting authentication", slog.String("connID", conn.ID().String()))
	conn.Run()
	<-conn.Done()
}

func (a *App) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"connections": a.conns.Count(),
		"inFlight":    a.requests.InFlight(),
	})
}

// graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.config.Server.ShutdownTimeout)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// close all active WebSocket connections.
	a.logger.Info("Closing all active connections...")
	a.conns.CloseAll(errShutdown)

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()

	// durable operations already started are allowed to commit.
	if err := a.requests.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("Join requests still in flight at shutdown", slog.Any("error", err))
		return err
	}
	a.logger.Info("Server shut down gracefully.")
	return nil
}
