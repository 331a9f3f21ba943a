package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/wallfleet/wallsync/internal/api"
	"github.com/wallfleet/wallsync/internal/config"
	"github.com/wallfleet/wallsync/internal/cooldown"
	"github.com/wallfleet/wallsync/internal/db"
	"github.com/wallfleet/wallsync/internal/election"
	"github.com/wallfleet/wallsync/internal/eventbus"
	"github.com/wallfleet/wallsync/internal/events"
	"github.com/wallfleet/wallsync/internal/ingest"
	"github.com/wallfleet/wallsync/internal/outbox"
	"github.com/wallfleet/wallsync/internal/preset"
	"github.com/wallfleet/wallsync/internal/session"
	"github.com/wallfleet/wallsync/internal/telemetry"
)

// Server bundles HTTP and supporting services.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server
	closers    []func() error

	db       *gorm.DB
	bus      *events.Bus
	outbox   *outbox.Service
	sessions *session.Service
	api      *api.API

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New constructs the server and wires dependencies.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	database, err := db.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := db.Migrate(database); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	clock := clockwork.NewRealClock()
	bus := events.NewBus()

	var closers []func() error
	closers = append(closers, func() error { return db.Close(database) })

	// Shared cooldown when Redis is configured, so the election throttle
	// holds across coordinator instances; per-process otherwise.
	var gate cooldown.Gate
	if cfg.RedisAddr != "" {
		redisGate, err := cooldown.NewRedisGate(cooldown.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("init redis cooldown: %w", err)
		}
		closers = append(closers, redisGate.Close)
		gate = redisGate
	} else {
		gate = cooldown.NewMemoryGate(clock)
	}

	if cfg.NATSURL != "" {
		mirror, err := eventbus.NewMirror(cfg.NATSURL, bus, logger)
		if err != nil {
			return nil, fmt.Errorf("init event mirror: %w", err)
		}
		closers = append(closers, mirror.Close)
	}

	ob := outbox.New(database, logger)
	presets := preset.New(database, logger)
	elections := election.New(database, gate, ob, bus, clock, election.Config{
		MasterTimeout: cfg.MasterTimeout,
		Interval:      cfg.ElectionInterval,
	}, logger)
	sessions := session.New(database, presets, ob, bus, clock, session.Config{
		OnlineWindow:      cfg.OnlineWindow,
		ColdThreshold:     cfg.ColdThreshold,
		PrepBufferMinMs:   cfg.PrepBufferMinMs,
		PrepBufferMaxMs:   cfg.PrepBufferMaxMs,
		StartTimeoutMinMs: cfg.StartTimeoutMinMs,
		StartTimeoutMaxMs: cfg.StartTimeoutMaxMs,
	}, logger)
	ingestSvc := ingest.New(database, sessions, elections, bus, clock, logger)

	apiHandler := api.New(sessions, ingestSvc, ob, presets, bus, logger)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(telemetry.TracingMiddleware("wallsync-api"))
	router.Use(telemetry.MetricsMiddleware)

	apiHandler.Routes(router)
	router.Handle("/metrics", telemetry.Handler())

	srv := &Server{
		cfg:      cfg,
		logger:   logger,
		router:   router,
		closers:  closers,
		db:       database,
		bus:      bus,
		outbox:   ob,
		sessions: sessions,
		api:      apiHandler,
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	srv.bgCancel = cancel
	srv.bgWG.Add(1)
	go srv.janitorLoop(bgCtx)

	return srv, nil
}

// janitorLoop ages out PENDING commands left behind by dead devices.
func (s *Server) janitorLoop(ctx context.Context) {
	defer s.bgWG.Done()
	ticker := time.NewTicker(s.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.outbox.ExpireStale(ctx, time.Now(), s.cfg.CommandRetention); err != nil {
				s.logger.Error().Err(err).Msg("command janitor pass failed")
			}
		}
	}
}

// HTTPServer returns the configured http.Server.
func (s *Server) HTTPServer() *http.Server {
	if s.httpServer == nil {
		s.httpServer = &http.Server{
			Addr:              fmt.Sprintf("%s:%d", s.cfg.HTTPBind, s.cfg.HTTPPort),
			Handler:           s.router,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return s.httpServer
}

// Close stops background work and releases resources.
func (s *Server) Close() error {
	if s.bgCancel != nil {
		s.bgCancel()
	}
	s.bgWG.Wait()

	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
