// Package app is the HTTP front door: it parses OpenAI-compatible requests,
// establishes the request deadline, hands the canonical form to the router
// and writes responses back, streamed or not.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/thushan/porter/internal/adapter/health"
	"github.com/thushan/porter/internal/adapter/pool"
	"github.com/thushan/porter/internal/config"
	"github.com/thushan/porter/internal/core/constants"
	"github.com/thushan/porter/internal/logger"
	"github.com/thushan/porter/internal/reqctx"
	"github.com/thushan/porter/internal/router"
	"github.com/thushan/porter/internal/util"
)

// Server owns the chi mux and the http.Server lifecycle.
type Server struct {
	cfg      config.ServerConfig
	router   *router.Router
	pools    *pool.Manager
	health   *health.Manager
	registry *reqctx.Registry
	logger   *logger.StyledLogger

	httpServer *http.Server
}

// NewServer wires the front-door routes.
func NewServer(cfg config.ServerConfig, rt *router.Router, pools *pool.Manager, hm *health.Manager, registry *reqctx.Registry, log *logger.StyledLogger) *Server {
	s := &Server{
		cfg:      cfg,
		router:   rt,
		pools:    pools,
		health:   hm,
		registry: registry,
		logger:   log,
	}

	mux := chi.NewRouter()
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)

	mux.Post(constants.PathV1ChatCompletions, s.handleChatCompletions)
	mux.Get(constants.PathV1Models, s.handleModels)
	mux.Get(constants.PathHealth, s.handleHealth)
	mux.Route("/admin", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
	})

	s.httpServer = &http.Server{
		Addr:         cfg.GetAddress(),
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

// Handler exposes the mux, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", "address", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the configured grace period.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// requestTimeout resolves the deadline budget for a path group, clamped to
// the configured range.
func (s *Server) requestTimeout(kind timeoutKind) time.Duration {
	t := s.cfg.RequestTimeouts

	var budget time.Duration
	switch kind {
	case timeoutChat:
		budget = t.Chat
	case timeoutCompletions:
		budget = t.Completions
	case timeoutModels:
		budget = t.Models
	case timeoutAdmin:
		budget = t.Admin
	case timeoutHealth:
		budget = t.Health
		if t.HighThroughput {
			budget = 2 * time.Second
		}
	}

	minT := t.Min
	if minT <= 0 {
		minT = constants.DefaultMinRequestTimeout
	}
	maxT := t.Max
	if maxT <= 0 {
		maxT = constants.DefaultMaxRequestTimeout
	}
	if budget <= 0 {
		budget = maxT
	}
	return util.ClampDuration(budget, minT, maxT)
}

type timeoutKind int

const (
	timeoutChat timeoutKind = iota
	timeoutCompletions
	timeoutModels
	timeoutAdmin
	timeoutHealth
)
