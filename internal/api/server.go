// Package api serves the daemon's operational HTTP surface: liveness,
// readiness, decision journal lookups and runtime statistics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/arl/statsviz"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/ackbridge/internal/domain/messaging"
	"github.com/ahrav/ackbridge/pkg/common/logger"
	"github.com/ahrav/ackbridge/pkg/common/otel"
)

// DecisionLister reads back journaled decisions.
type DecisionLister interface {
	ListByMessage(ctx context.Context, messageID string) ([]messaging.DecisionRecord, error)
}

// ReadyFn reports whether the daemon is consuming.
type ReadyFn func() bool

type Server struct {
	addr      string
	logger    *logger.Logger
	router    *chi.Mux
	ready     ReadyFn
	decisions DecisionLister
}

// Option configures optional Server collaborators.
type Option func(*Server)

// WithDecisions enables GET /v1/decisions/{messageID}.
func WithDecisions(l DecisionLister) Option {
	return func(s *Server) { s.decisions = l }
}

func NewServer(addr string, log *logger.Logger, tp trace.TracerProvider, ready ReadyFn, opts ...Option) (*Server, error) {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(otelhttp.NewMiddleware("ackd.http",
		otelhttp.WithTracerProvider(tp),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string { return r.URL.Path }),
	))
	r.Use(loggerMiddleware(log))
	r.Use(middleware.Recoverer)

	s := &Server{
		addr:   addr,
		logger: log,
		router: r,
		ready:  ready,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.routes(); err != nil {
		return nil, err
	}
	return s, nil
}

func loggerMiddleware(log *logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				ctx := r.Context()
				log.Debug(ctx, "Request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration", time.Since(start),
					"trace_id", otel.GetTraceID(ctx),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

func (s *Server) routes() error {
	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/readiness", s.handleReadiness)
		if s.decisions != nil {
			r.Get("/decisions/{messageID}", s.handleDecisions)
		}
	})

	viz, err := statsviz.NewServer()
	if err != nil {
		return err
	}
	s.router.Get("/debug/statsviz/ws", viz.Ws())
	s.router.Get("/debug/statsviz*", viz.Index())
	return nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	if s.ready != nil && !s.ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type decisionView struct {
	MessageID string    `json:"message_id"`
	Source    string    `json:"source"`
	Topic     string    `json:"topic"`
	Decision  string    `json:"decision"`
	Attempt   int       `json:"attempt"`
	WaitMS    int64     `json:"wait_ms"`
	TimedOut  bool      `json:"timed_out"`
	DecidedAt time.Time `json:"decided_at"`
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "messageID")

	records, err := s.decisions.ListByMessage(ctx, id)
	if err != nil {
		s.logger.Error(ctx, "failed to list decisions", "message_id", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if len(records) == 0 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	views := make([]decisionView, 0, len(records))
	for _, rec := range records {
		views = append(views, decisionView{
			MessageID: rec.MessageID,
			Source:    string(rec.Source),
			Topic:     rec.Topic,
			Decision:  rec.Decision.String(),
			Attempt:   rec.Attempt,
			WaitMS:    rec.Wait.Milliseconds(),
			TimedOut:  rec.TimedOut,
			DecidedAt: rec.DecidedAt,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(views); err != nil {
		s.logger.Error(ctx, "failed to encode decisions", "error", err)
	}
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(shutdownCtx, "failed to shutdown server", "error", err)
		}
	}()

	s.logger.Info(ctx, "starting server", "addr", server.Addr)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
