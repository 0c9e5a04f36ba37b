// Package api serves the evaluator over HTTP.
package api

import (
	"context"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/adalign/internal/evaluate"
	"github.com/sells-group/adalign/internal/metrics"
	"github.com/sells-group/adalign/internal/model"
	"github.com/sells-group/adalign/internal/quota"
)

// Evaluator runs the evaluation pipeline.
type Evaluator interface {
	Run(ctx context.Context, req model.EvaluationRequest) (*evaluate.Response, error)
}

// Usage reports quota standing and applies payment resets.
type Usage interface {
	Status(ctx context.Context, s quota.Subject) (quota.Decision, error)
	ResetForPayment(ctx context.Context, email string) error
}

// Shares creates and resolves public share links.
type Shares interface {
	Create(ctx context.Context, evaluationID string, payload map[string]any) (model.SharedReport, error)
	Get(ctx context.Context, token string) (model.SharedReport, error)
	URL(token string) string
}

// Evaluations looks up persisted evaluations.
type Evaluations interface {
	GetEvaluation(ctx context.Context, id string) (*model.Evaluation, error)
}

// Pinger reports backend readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the handlers call.
type Deps struct {
	Evaluator     Evaluator
	Usage         Usage
	Shares        Shares
	Evaluations   Evaluations
	Ready         Pinger
	Metrics       *metrics.Metrics
	WebhookSecret string
}

// Options tune the router.
type Options struct {
	CORSOrigins    []string
	RequestTimeout time.Duration
	// TrustedProxies are the peers allowed to name the client address.
	TrustedProxies []netip.Prefix
}

const (
	apiPrefix             = "/api/v1"
	defaultRequestTimeout = 150 * time.Second
)

// NewRouter builds the chi router with shared middleware and all routes.
func NewRouter(d Deps, opts Options) chi.Router {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	h := &handlers{deps: d}
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		clientIP(opts.TrustedProxies),
		instrument(d.Metrics),
		middleware.Recoverer,
		cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
			ExposedHeaders: []string{"X-Request-Id", "Retry-After"},
			MaxAge:         300,
		}),
	)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, req, newError(http.StatusNotFound, CodeNotFound, "no route for "+req.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, req, newError(http.StatusMethodNotAllowed, CodeMethodNotAllowed,
			"method "+req.Method+" not allowed on "+req.URL.Path))
	})

	r.Get("/healthz", h.healthz)
	r.Get("/readyz", h.readyz)
	r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())

	r.Route(apiPrefix, func(api chi.Router) {
		api.Group(func(g chi.Router) {
			g.Use(middleware.Timeout(opts.RequestTimeout))
			g.Post("/evaluate", h.evaluate)
			g.Get("/usage", h.usage)
			g.Post("/usage", h.usage)
			g.Post("/share", h.createShare)
			g.Get("/share/{token}", h.getShare)
			g.Get("/evaluations/{id}", h.getEvaluation)
		})
		api.Post("/webhooks/stripe", h.stripeWebhook)
	})

	return r
}

// instrument logs each request and records its latency by route pattern.
func instrument(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(start)
			m.HTTPRequest(r.Method, route, strconv.Itoa(status), elapsed)
			zap.L().Debug("api: request",
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.Int("status", status),
				zap.Duration("elapsed", elapsed),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
