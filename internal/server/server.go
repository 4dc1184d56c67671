// ABOUTME: Server orchestrator that wires store, relay, fanout and HTTP together
// ABOUTME: Manages component lifecycle and graceful shutdown

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/deskrelay/deskrelay/internal/config"
	"github.com/deskrelay/deskrelay/internal/dedupe"
	"github.com/deskrelay/deskrelay/internal/fanout"
	"github.com/deskrelay/deskrelay/internal/httpapi"
	"github.com/deskrelay/deskrelay/internal/relay"
	"github.com/deskrelay/deskrelay/internal/slack"
	"github.com/deskrelay/deskrelay/internal/store"
)

// Server orchestrates the deskrelay components: the thread store, the Slack
// client, the relay service, the fanout registry and the HTTP server.
type Server struct {
	config     *config.Config
	store      store.Store
	registry   *fanout.Registry
	seen       *dedupe.Cache
	httpServer *http.Server
	logger     *slog.Logger
}

// initStore creates the SQLite store, honoring the DESKRELAY_DB_PATH override.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("DESKRELAY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a new Server instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	seen := dedupe.New(5*time.Minute, 100_000) // TTL 5min, max 100k entries
	registry := fanout.NewRegistry(s, logger)
	provider := slack.NewClient(cfg.Slack.BotToken, logger)

	channel := cfg.Slack.Channel
	svc := relay.NewService(s, provider, registry, seen, relay.Options{
		RecencyWindow:   cfg.Relay.RecencyWindow,
		DispatchTimeout: cfg.Relay.DispatchTimeout,
	}, logger)

	handler := httpapi.NewHandler(svc, registry, logger)
	handler.SetDefaultChannel(channel)
	router := httpapi.NewRouter(handler, cfg, logger)

	srv := &Server{
		config:   cfg,
		store:    s,
		registry: registry,
		seen:     seen,
		logger:   logger.With("component", "server"),
		httpServer: &http.Server{
			Addr:              cfg.Server.HTTPAddr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	return srv, nil
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := s.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown gracefully stops the HTTP server and releases resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	s.registry.Close()
	s.seen.Close()

	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
