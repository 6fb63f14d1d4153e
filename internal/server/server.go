package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/ngram-embed/internal/config"
	"github.com/raaihank/ngram-embed/internal/embeddings"
	"github.com/raaihank/ngram-embed/internal/logger"
	"github.com/raaihank/ngram-embed/internal/ngrams"
	"github.com/raaihank/ngram-embed/internal/web"
	"github.com/raaihank/ngram-embed/internal/websocket"
)

// Version is reported by /info
var Version = "0.1.0"

// Featurizer embeds examples for the HTTP API
type Featurizer interface {
	Extract(ex ngrams.Example) (ngrams.Spans, error)
	EmbedExample(ctx context.Context, ex ngrams.Example) (*embeddings.Result, error)
	Fingerprint() string
	Checkpoint() string
	Info() map[string]interface{}
	GetStats() *embeddings.ModelStats
}

// ResultCache looks up and stores featurized examples
type ResultCache interface {
	Key(fingerprint, text string) string
	Get(ctx context.Context, key string) (*embeddings.Result, bool, error)
	Set(ctx context.Context, key, fingerprint string, result *embeddings.Result) error
}

// Server serves the featurizer over HTTP
type Server struct {
	config     *config.Config
	logger     *logger.Logger
	featurizer Featurizer
	cache      ResultCache
	router     *mux.Router
	api        *mux.Router
	server     *http.Server
	wsHub      *websocket.Hub
	limiter    *RateLimiter
	jobs       *jobTracker
	dashboard  *web.Dashboard
	startTime  time.Time

	// the encoder is not safe for concurrent forward passes
	embedMu sync.Mutex
}

// New creates a new server instance. cache and hub may be nil.
func New(cfg *config.Config, log *logger.Logger, featurizer Featurizer, cache ResultCache, hub *websocket.Hub) (*Server, error) {
	if featurizer == nil {
		return nil, errors.New("featurizer is required")
	}

	router := mux.NewRouter()

	server := &Server{
		config:     cfg,
		logger:     log.WithComponent("server"),
		featurizer: featurizer,
		cache:      cache,
		router:     router,
		wsHub:      hub,
		startTime:  time.Now(),
	}
	if hub != nil && cfg.WebSocket.Enabled {
		dashboard, err := web.NewDashboard(cfg.WebSocket.Path, Version)
		if err != nil {
			return nil, fmt.Errorf("failed to render dashboard: %w", err)
		}
		server.dashboard = dashboard
	}
	if cfg.Server.RateLimit.Enabled {
		server.limiter = NewRateLimiter(cfg.Server.RateLimit.RequestsPerSecond, cfg.Server.RateLimit.Burst)
	}

	// Setup routes
	server.setupRoutes()

	// Create HTTP server
	server.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return server, nil
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(handleMethodNotAllowed)

	// Health check endpoint
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	// Info endpoint
	s.router.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)

	// Featurization endpoints
	s.api = s.router.PathPrefix("/v1").Subrouter()
	s.api.Use(s.rateLimitMiddleware)
	// subrouters report a wrong method as not found unless told otherwise
	s.api.MethodNotAllowedHandler = http.HandlerFunc(handleMethodNotAllowed)
	s.api.HandleFunc("/embed", s.handleEmbed).Methods(http.MethodPost)
	s.api.HandleFunc("/extract", s.handleExtract).Methods(http.MethodPost)

	// WebSocket endpoint and dashboard for job progress
	if s.wsHub != nil && s.config.WebSocket.Enabled {
		s.router.HandleFunc(s.config.WebSocket.Path, s.wsHub.HandleWebSocket).Methods(http.MethodGet)
		s.router.Handle("/dashboard", s.dashboard).Methods(http.MethodGet)
	}
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the hub and the HTTP server; it blocks until the server stops
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting ngram-embed server",
		zap.Int("port", s.config.Server.Port),
		zap.String("checkpoint", s.featurizer.Checkpoint()),
		zap.Bool("cache", s.cache != nil),
		zap.Bool("rate_limit", s.limiter != nil),
	)

	// Start WebSocket hub in a separate goroutine
	if s.wsHub != nil {
		go s.wsHub.Run(ctx)
	}
	if s.limiter != nil {
		go s.limiter.CleanupLoop(ctx, time.Minute, 10*time.Minute)
	}

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping ngram-embed server")
	return s.server.Shutdown(ctx)
}

// GetWebSocketHub returns the WebSocket hub for broadcasting events
func (s *Server) GetWebSocketHub() *websocket.Hub {
	return s.wsHub
}
