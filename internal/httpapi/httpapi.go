// Package httpapi serves the axlens operations over HTTP for callers that
// cannot speak MCP: one POST endpoint per operation, JSON in and out, with
// the shield middleware stack in front and optional bearer-token auth.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/axlens"
	"github.com/hazyhaar/axlens/distill"
	"github.com/hazyhaar/axlens/eltree"
	"github.com/hazyhaar/axlens/internal/config"
	"github.com/hazyhaar/axlens/kit"
	"github.com/hazyhaar/axlens/observability"
	"github.com/hazyhaar/axlens/shield"
)

// Lens is the slice of the axlens API the HTTP surface exposes.
// *axlens.Lens satisfies it.
type Lens interface {
	Targets(ctx context.Context) ([]axlens.Target, error)
	Open(ctx context.Context, targetID, url string) (string, error)
	Snapshot(ctx context.Context, targetID string, opts axlens.SnapshotOptions) (*eltree.Element, error)
	SnapshotText(ctx context.Context, targetID string, opts axlens.SnapshotOptions) (string, bool, error)
	NodeAX(ctx context.Context, targetID, ref string) (*eltree.AXFacet, error)
	NodeBounds(ctx context.Context, targetID, ref string) (eltree.Rect, error)
	RefreshFacets(ctx context.Context, targetID string) (map[string]*eltree.AXFacet, error)
	ClearRefs(targetID string)
	Release(ctx context.Context, targetID string) error
	SessionState(targetID string) string
	Read(ctx context.Context, targetID string) (*distill.Result, error)
	ExportPDF(ctx context.Context, targetID string) ([]byte, int, error)
}

// Server is the HTTP surface over one Lens.
type Server struct {
	lens    Lens
	cfg     config.ServeConfig
	logger  *slog.Logger
	events  *observability.EventLogger
	limiter *shield.RateLimiter
}

// Option configures optional Server collaborators.
type Option func(*Server)

// WithEvents records every served request in the observability store.
func WithEvents(e *observability.EventLogger) Option {
	return func(s *Server) { s.events = e }
}

// New creates the HTTP surface. cfg.TokenHash, when set, is a bcrypt hash
// every /api request must present the matching bearer token for.
func New(lens Lens, cfg config.ServeConfig, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{lens: lens, cfg: cfg, logger: logger}
	for _, o := range opts {
		o(s)
	}
	if cfg.RateLimit > 0 {
		window := cfg.RateWindow
		if window <= 0 {
			window = time.Minute
		}
		s.limiter = shield.NewRateLimiter([]shield.Rule{
			{Prefix: "/api", MaxRequests: cfg.RateLimit, Window: window},
		})
	}
	return s
}

// StartGC begins sweeping expired rate-limit buckets, stopping when done is
// closed. No-op when limiting is disabled.
func (s *Server) StartGC(done <-chan struct{}) {
	if s.limiter != nil {
		s.limiter.StartGC(done)
	}
}

// Handler builds the router: healthz unauthenticated, everything else under
// /api behind the shield stack and the optional bearer check.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.DefaultAPIStack(s.cfg.MaxBodyBytes, s.limiter) {
		r.Use(mw)
	}
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealthz)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireToken)
		r.Get("/targets", s.handleTargets)
		r.Post("/open", s.handleOpen)
		r.Post("/snapshot", s.handleSnapshot)
		r.Post("/ax", s.handleNodeAX)
		r.Post("/bounds", s.handleNodeBounds)
		r.Post("/refresh_facets", s.handleRefreshFacets)
		r.Post("/clear_refs", s.handleClearRefs)
		r.Post("/release", s.handleRelease)
		r.Post("/read", s.handleRead)
		r.Post("/pdf", s.handlePDF)
	})

	return r
}

// requireToken enforces the bearer token when a hash is configured. The
// token is compared against its bcrypt hash, so the config file never holds
// the secret itself.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.TokenHash == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || bcrypt.CompareHashAndPassword([]byte(s.cfg.TokenHash), []byte(token)) != nil {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusWriter captures the response code for the request log.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		dur := time.Since(start)
		s.logger.Info("httpapi: request",
			"method", r.Method, "path", r.URL.Path,
			"status", sw.status, "duration_ms", dur.Milliseconds(),
			"request_id", kit.GetRequestID(r.Context()))
		if s.events != nil {
			s.events.LogHTTP(r.Context(), r.Method, r.URL.Path, sw.status, dur,
				kit.GetRequestID(r.Context()), shield.ExtractIP(r), r.UserAgent())
		}
	})
}
