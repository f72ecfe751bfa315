package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"betterclock/internal/config"
	"betterclock/internal/scheduler"
	"betterclock/internal/session"
)

const shutdownTimeout = 5 * time.Second

// Server provides the BetterClock HTTP API.
type Server struct {
	cfg      config.ServerConfig
	sched    *scheduler.Scheduler
	sessions *session.Registry
	clock    clockwork.Clock
	loc      *time.Location
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

// Option customizes a Server.
type Option func(*Server)

// WithClock replaces the clock used for server timestamps.
func WithClock(clock clockwork.Clock) Option { return func(s *Server) { s.clock = clock } }

// WithLocation sets the zone used for the runtime's local time fields.
func WithLocation(loc *time.Location) Option { return func(s *Server) { s.loc = loc } }

// NewServer constructs an API server over the scheduler and session registry.
func NewServer(cfg config.ServerConfig, sched *scheduler.Scheduler, sessions *session.Registry, logger zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		sched:    sched,
		sessions: sessions,
		clock:    clockwork.NewRealClock(),
		loc:      time.Local,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the routed HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if !s.cfg.AllowRemote {
		r.Use(localNetworkOnly)
	}
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(accessLog(s.logger))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", s.handleHealthz)
	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/", s.handleIndex)
		v1.Get("/state", s.handleState)
		v1.Get("/state/stream", s.handleStream)
		v1.Get("/clients", s.handleClients)
		v1.Post("/clients/connect", s.handleConnect)
		v1.Post("/clients/disconnect", s.handleDisconnect)
		v1.Get("/alarms", s.handleAlarms)
		v1.Post("/alarms/acknowledge", s.handleAcknowledge)
	})

	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodHead, http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(r)
}

// Run listens on cfg.Listen and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() { errc <- server.Serve(ln) }()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("http api listening")

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func decodeJSON(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
