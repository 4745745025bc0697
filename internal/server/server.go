// Package server exposes the coordinator over a local HTTP control API.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/agentpool/internal/config"
	"github.com/thebtf/agentpool/internal/orchestrator"
	"github.com/thebtf/agentpool/internal/server/sse"
)

// Service is the HTTP control plane over one orchestrator.
type Service struct {
	version string
	config  *config.Config
	orch    *orchestrator.Orchestrator
	events  *sse.Broadcaster
	router  chi.Router

	httpServer *http.Server
	ready      atomic.Bool
	startTime  time.Time
}

// New creates the control service and registers its routes.
func New(version string, cfg *config.Config, orch *orchestrator.Orchestrator) *Service {
	svc := &Service{
		version:   version,
		config:    cfg,
		orch:      orch,
		events:    sse.NewBroadcaster(),
		router:    chi.NewRouter(),
		startTime: time.Now(),
	}
	svc.setupRoutes()

	// Evictions happen outside any request, so the orchestrator reports
	// them through a callback rather than a handler.
	orch.SetEvictionNotifier(func(directory string) {
		svc.events.Publish(sse.Event{Type: sse.EventProjectEvicted, Directory: directory})
	})
	return svc
}

func (s *Service) setupRoutes() {
	s.router.Use(requestID)
	s.router.Use(requestLogger)
	s.router.Use(recoverer)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/pool", s.handlePoolStatus)
		r.Get("/events", s.events.ServeHTTP)

		r.Post("/project/switch", s.handleProjectSwitch)
		r.Post("/project/close", s.handleProjectClose)

		r.Post("/chat", s.handleChat)
		r.Get("/messages", s.handleGetMessages)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Post("/", s.handleCreateSession)
			r.Delete("/{id}", s.handleDeleteSession)
			r.Post("/{id}/switch", s.handleSwitchSession)
			r.Get("/{id}/messages", s.handleGetMessages)
		})
	})
}

// Start serves the control API until ctx is cancelled, then shuts the
// listener down gracefully.
func (s *Service) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Hostname, s.config.ListenPort)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("version", s.version).Msg("Control API listening")
		s.ready.Store(true)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown control API: %w", err)
	}
	log.Info().Msg("Control API stopped")
	return nil
}
