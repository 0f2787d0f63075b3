// Package api is the HTTP surface: a thin facade over the Session Hub and
// Command Router for registration, health, and CRUD on alarms/schedules,
// plus the /ws endpoint that hosts the Protocol Handler for every live
// connection.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/watering-systems/waterhub/internal/alarm"
	"github.com/watering-systems/waterhub/internal/router"
	"github.com/watering-systems/waterhub/internal/session"
	"github.com/watering-systems/waterhub/internal/store"
)

// serverVersion is reported in the connected hello and the GET / banner.
const serverVersion = "waterhub/1"

// maxBodyBytes is the HTTP request body cap from the resource bounds.
const maxBodyBytes = 1 << 20 // 1 MiB

// Server wires the Store, Hub, Router, and Alarm Engine behind chi routes
// and the /ws upgrade handler.
type Server struct {
	cfg        Config
	log        zerolog.Logger
	store      *store.Store
	hub        *session.Hub
	router     *router.Router
	engine     *alarm.Engine
	mux        *chi.Mux
	upgrader   websocket.Upgrader
	httpServer *http.Server

	hubCtx    context.Context
	hubCancel context.CancelFunc
}

// Config is the subset of the resolved configuration the HTTP server needs.
type Config struct {
	ListenAddr string
}

// New wires every component and marks every device offline on startup
// (startup reconciliation: no live session can exist yet in a fresh
// process, so a prior process's "online" rows would otherwise linger).
func New(cfg Config, st *store.Store, log zerolog.Logger) (*Server, error) {
	hubCtx, hubCancel := context.WithCancel(context.Background())

	hub := session.New(log, st)
	rt := router.New(log, hub, st)
	engine := alarm.New(log, st, rt)

	s := &Server{
		cfg:       cfg,
		log:       log.With().Str("component", "api").Logger(),
		store:     st,
		hub:       hub,
		router:    rt,
		engine:    engine,
		hubCtx:    hubCtx,
		hubCancel: hubCancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true }, // CORS policy is out of scope; provided externally
		},
	}

	if err := s.reconcileStartup(hubCtx); err != nil {
		hubCancel()
		return nil, err
	}

	s.setupRouter()

	go hub.RunSweeper(hubCtx)
	go engine.Run(hubCtx)

	return s, nil
}

func (s *Server) reconcileStartup(ctx context.Context) error {
	devices, err := s.store.ListDevices(ctx)
	if err != nil {
		return err
	}
	offline := false
	idle := store.PumpIdle
	for _, d := range devices {
		if d.Status == store.DeviceOnline {
			if err := s.store.SetDeviceStatus(ctx, d.DeviceID, &offline, &idle, d.LastSeen); err != nil {
				s.log.Warn().Err(err).Str("device", d.DeviceID).Msg("failed to reset device status on startup")
			}
		}
	}
	return nil
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.AllowContentType("application/json"))

	r.Get("/", s.handleBanner)
	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.limitBody)

		r.Post("/devices/register", s.handleRegisterDevice)
		r.Get("/devices", s.handleListDevices)
		r.Get("/devices/{id}/schedules", s.handleListSchedules)
		r.Get("/devices/{id}/alarms", s.handleListAlarms)
		r.Post("/devices/{id}/water", s.handleWaterDevice)

		r.Post("/schedules", s.handleCreateSchedule)

		r.Post("/alarms", s.handleCreateAlarm)
		r.Put("/alarms/{id}/toggle", s.handleToggleAlarm)
		r.Delete("/alarms/{id}", s.handleDeleteAlarm)

		r.Get("/debug/connections", s.handleDebugConnections)
	})

	s.mux = r
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.mux,
	}
	s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting new connections, cancels the Hub/Engine
// background loops, and lets in-flight requests drain.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down")
	s.hubCancel()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	go s.serve(s.hubCtx, conn)
}
