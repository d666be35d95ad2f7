package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/zeusync/horde/internal/core/cooldown"
	"github.com/zeusync/horde/internal/core/events"
	"github.com/zeusync/horde/internal/core/events/bus"
	"github.com/zeusync/horde/internal/core/models"
	"github.com/zeusync/horde/internal/core/observability/log"
	"github.com/zeusync/horde/internal/core/registry"
	"github.com/zeusync/horde/internal/journal"
)

// Registry is the part of the registry facade the server exposes.
type Registry interface {
	Bus() bus.EventBus
	CreateRandomZombie(ctx context.Context, name string, caller models.Identity) (events.Created, error)
	SetCooldownTime(ctx context.Context, d time.Duration) (events.CooldownChanged, error)
	Approve(ctx context.Context, spender models.Identity, id models.ZombieID, caller models.Identity) (events.Approval, error)
	TransferFrom(ctx context.Context, from, to models.Identity, id models.ZombieID, caller models.Identity) (events.Transfer, error)
	Attack(ctx context.Context, attackerID, defenderID models.ZombieID, caller models.Identity) (registry.AttackResult, error)
	OwnerOf(ctx context.Context, id models.ZombieID) (models.Identity, error)
	BalanceOf(ctx context.Context, owner models.Identity) (int, error)
	ZombiesByOwner(ctx context.Context, owner models.Identity) ([]models.ZombieID, error)
	GetApproved(ctx context.Context, id models.ZombieID) (models.Identity, error)
	Zombie(ctx context.Context, id models.ZombieID) (*models.Zombie, error)
	CooldownState(ctx context.Context, id models.ZombieID) (cooldown.State, time.Duration, error)
	Stats() registry.Stats
}

// EventLog serves journaled events. Nil disables GET /events.
type EventLog interface {
	List(ctx context.Context, from uint64, limit int) ([]journal.Record, error)
}

// Server exposes a registry over HTTP and websocket.
type Server struct {
	registry Registry
	journal  EventLog
	upgrader websocket.Upgrader
	router   chi.Router

	mu       sync.Mutex
	http     *http.Server
	listener net.Listener

	// Session management
	sessions     sync.Map // map[string]*session
	sessionCount int64    // atomic
	sessionGroup sync.WaitGroup

	// Server state
	running int32 // atomic bool
	closed  int32 // atomic bool

	config   Config
	logger   log.Log
	observer *deliveryObserver
}

// Config holds server configuration
type Config struct {
	ListenAddr   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Websocket settings
	MaxSessions    int
	SendBuffer     int
	MaxMessageSize int64
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteWait      time.Duration
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() Config {
	return Config{
		ListenAddr:     "127.0.0.1:8080",
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxSessions:    1000,
		SendBuffer:     256,
		MaxMessageSize: 64 * 1024,
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteWait:      10 * time.Second,
	}
}

func (c Config) validate() error {
	switch {
	case c.ListenAddr == "":
		return fmt.Errorf("%w: listen address is required", ErrInvalidConfig)
	case c.MaxSessions <= 0:
		return fmt.Errorf("%w: max sessions must be positive", ErrInvalidConfig)
	case c.SendBuffer <= 0:
		return fmt.Errorf("%w: send buffer must be positive", ErrInvalidConfig)
	case c.PingInterval <= 0 || c.PongTimeout <= c.PingInterval:
		return fmt.Errorf("%w: pong timeout must exceed a positive ping interval", ErrInvalidConfig)
	}
	return nil
}

// NewServer creates a server for reg. journal may be nil.
func NewServer(config Config, reg Registry, journal EventLog, logger log.Log) (*Server, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNop()
	}

	s := &Server{
		registry: reg,
		journal:  journal,
		config:   config,
		logger:   logger.With(log.String("component", "server")),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	s.observer = &deliveryObserver{logger: s.logger}
	reg.Bus().AddObserver(s.observer)
	s.router = s.routes()

	s.logger.Info("Server created",
		log.String("listen_addr", config.ListenAddr),
		log.Int("max_sessions", config.MaxSessions),
		log.Bool("journal", journal != nil))

	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Get("/events", s.handleEvents)
	r.Route("/zombies/{id}", func(r chi.Router) {
		r.Get("/", s.handleZombie)
		r.Get("/owner", s.handleOwner)
		r.Get("/approved", s.handleApproved)
		r.Get("/cooldown", s.handleCooldown)
	})
	r.Get("/owners/{owner}/zombies", s.handleOwnerZombies)
	r.Get("/ws", s.handleWebSocket)
	return r
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	if atomic.LoadInt32(&s.closed) == 1 {
		return ErrServerClosed
	}

	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return ErrServerAlreadyRunning
	}

	s.logger.Info("Starting server")

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.config.ListenAddr)
	if err != nil {
		atomic.StoreInt32(&s.running, 0)
		s.logger.Error("Failed to create listener", log.Error(err))
		return fmt.Errorf("%w: %v", ErrListenerFailed, err)
	}

	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.mu.Lock()
	s.http = srv
	s.listener = listener
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server error", log.Error(err))
		}
	}()

	s.logger.Info("Server listening", log.String("addr", listener.Addr().String()))
	return nil
}

// Addr is the bound listener address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the HTTP server down and disconnects every session.
func (s *Server) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return ErrServerNotRunning
	}

	s.logger.Info("Stopping server")

	s.mu.Lock()
	srv := s.http
	s.http, s.listener = nil, nil
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	// Hijacked websocket connections outlive Shutdown.
	s.closeSessions()
	s.sessionGroup.Wait()

	s.logger.Info("Server stopped")
	return err
}

// Close stops the server if needed and detaches it from the bus.
func (s *Server) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil // Already closed
	}

	s.logger.Info("Closing server")

	if atomic.LoadInt32(&s.running) == 1 {
		_ = s.Stop(context.Background())
	} else {
		s.closeSessions()
	}
	s.registry.Bus().RemoveObserver(s.observer)

	s.logger.Info("Server closed")
	return nil
}

func (s *Server) closeSessions() {
	var g errgroup.Group
	s.sessions.Range(func(_, value any) bool {
		sess := value.(*session)
		g.Go(func() error { return sess.shutdown("server stopping") })
		return true
	})
	if err := g.Wait(); err != nil {
		s.logger.Debug("Session shutdown incomplete", log.Error(err))
	}
}

// Stats contains server statistics
type Stats struct {
	Sessions int64 `json:"sessions"`
	Running  bool  `json:"running"`
}

// GetStats returns server statistics
func (s *Server) GetStats() Stats {
	return Stats{
		Sessions: atomic.LoadInt64(&s.sessionCount),
		Running:  atomic.LoadInt32(&s.running) == 1,
	}
}

// deliveryObserver enables bus metrics and traces deliveries. Handler failures
// are already logged by the registry.
type deliveryObserver struct {
	logger log.Log
}

func (o *deliveryObserver) OnPublish(string, bus.Event) {}

func (o *deliveryObserver) OnDelivered(eventType string, handlers int, err error, duration time.Duration) {
	o.logger.Debug("Event delivered",
		log.String("event", eventType),
		log.Int("handlers", handlers),
		log.Duration("duration", duration),
		log.Bool("failed", err != nil))
}
