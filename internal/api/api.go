// Package api provides the HTTP server of IndicatorPipe.
//
// It exposes the turn endpoint, per-user graph inspection and removal, the
// Twilio WhatsApp webhook, health and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/BTreeMap/IndicatorPipe/internal/flow"
	"github.com/BTreeMap/IndicatorPipe/internal/memory"
	"github.com/BTreeMap/IndicatorPipe/internal/metrics"
	"github.com/BTreeMap/IndicatorPipe/internal/models"
	"github.com/BTreeMap/IndicatorPipe/internal/store"
	"github.com/BTreeMap/IndicatorPipe/internal/twiliowhatsapp"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// TurnRunner runs one conversational turn against a user's graph.
type TurnRunner interface {
	HandleTurn(ctx context.Context, g *memory.Graph, t flow.Turn) models.TurnResult
}

// Sessions gives the server serialized access to user graphs.
type Sessions interface {
	Acquire(ctx context.Context, userID string) (*memory.Graph, func(), error)
	Lookup(ctx context.Context, userID string) (*memory.Graph, error)
	Delete(ctx context.Context, userID string) error
	Len() int
}

// SignatureValidator checks a Twilio request signature.
type SignatureValidator interface {
	ValidateSignature(url string, params map[string]string, signature string) bool
}

// Opts holds configuration options for the Server.
type Opts struct {
	Addr      string
	PublicURL string
	Metrics   *metrics.Collector
	Dedup     store.DedupRepo
	Outbox    store.OutboxRepo
	Sender    twiliowhatsapp.Sender
	Validator SignatureValidator
}

// Option defines a configuration option for the Server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithPublicURL sets the externally visible base URL used to verify Twilio signatures.
func WithPublicURL(u string) Option {
	return func(o *Opts) { o.PublicURL = u }
}

// WithMetrics attaches a metrics collector and mounts /metrics.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *Opts) { o.Metrics = c }
}

// WithDedup enables inbound de-duplication of webhook messages.
func WithDedup(d store.DedupRepo) Option {
	return func(o *Opts) { o.Dedup = d }
}

// WithOutbox queues webhook replies for restart-safe delivery.
func WithOutbox(r store.OutboxRepo) Option {
	return func(o *Opts) { o.Outbox = r }
}

// WithReplySender sends webhook replies directly when no outbox is configured.
func WithReplySender(s twiliowhatsapp.Sender) Option {
	return func(o *Opts) { o.Sender = s }
}

// WithSignatureValidator rejects webhook calls without a valid Twilio signature.
func WithSignatureValidator(v SignatureValidator) Option {
	return func(o *Opts) { o.Validator = v }
}

// Server is the IndicatorPipe HTTP API.
type Server struct {
	runner   TurnRunner
	sessions Sessions
	opts     Opts
	router   chi.Router
}

// NewServer creates a Server.
func NewServer(runner TurnRunner, sessions Sessions, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{runner: runner, sessions: sessions, opts: cfg}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/healthz", s.healthHandler)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/turns", s.turnHandler)
		r.Get("/users/{userID}/graph", s.getGraphHandler)
		r.Delete("/users/{userID}/graph", s.deleteGraphHandler)
		r.Post("/twilio/webhook", s.twilioWebhookHandler)
	})
	return r
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	slog.Info("Server.Run: shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown failed: %w", err)
	}
	return nil
}

// runTurn serializes the turn against the user's session.
func (s *Server) runTurn(ctx context.Context, req models.TurnRequest) (models.TurnResult, error) {
	g, release, err := s.sessions.Acquire(ctx, req.UserID)
	if err != nil {
		return models.TurnResult{}, err
	}
	defer release()

	return s.runner.HandleTurn(ctx, g, flow.Turn{
		UserID:     req.UserID,
		Input:      req.Input,
		Intent:     req.Intent,
		Candidates: req.Candidates,
	}), nil
}
