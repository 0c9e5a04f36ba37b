// Package capture turns URLs into images for the vision model. Capture never
// fails: unsafe targets and provider failures produce a placeholder image.
package capture

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/adalign/internal/cost"
	"github.com/sells-group/adalign/internal/metrics"
	"github.com/sells-group/adalign/internal/model"
	"github.com/sells-group/adalign/internal/resilience"
)

// DefaultTimeout bounds a single provider call, including rate-limit waits.
const DefaultTimeout = 45 * time.Second

// Service captures screenshots through a Provider.
type Service struct {
	provider Provider
	breaker  *resilience.Breaker
	limiter  *rate.Limiter
	timeout  time.Duration
	metrics  *metrics.Metrics
	costs    *cost.Calculator
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithBreaker guards provider calls with b.
func WithBreaker(b *resilience.Breaker) Option {
	return func(s *Service) { s.breaker = b }
}

// WithLimiter throttles outbound provider calls.
func WithLimiter(l *rate.Limiter) Option {
	return func(s *Service) { s.limiter = l }
}

// WithTimeout sets the per-call time budget.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithMetrics records capture latency and placeholder counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithCalculator attributes an estimated cost to each successful capture.
func WithCalculator(c *cost.Calculator) Option {
	return func(s *Service) { s.costs = c }
}

// WithClock overrides the capture timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service. A nil provider is allowed; every capture then
// yields a placeholder.
func NewService(p Provider, opts ...Option) *Service {
	s := &Service{
		provider: p,
		timeout:  DefaultTimeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.breaker == nil {
		name := "capture"
		if p != nil {
			name = p.Name()
		}
		s.breaker = resilience.NewBreaker(resilience.BreakerConfig{Name: name, Trips: resilience.Trips})
	}
	return s
}

// Capture renders rawURL with opts. It makes at most one provider call and
// returns a placeholder on any failure.
func (s *Service) Capture(ctx context.Context, rawURL string, opts model.CaptureOptions) model.CapturedImage {
	log := zap.L().With(zap.String("url", rawURL))

	if _, err := CheckURL(rawURL); err != nil {
		log.Warn("capture: blocked unsafe url", zap.Error(err))
		return s.placeholder(rawURL, ReasonUnsafeURL, opts)
	}
	if s.provider == nil {
		return s.placeholder(rawURL, ReasonNoProvider, opts)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			log.Warn("capture: rate limit wait exceeded budget", zap.Error(err))
			return s.placeholder(rawURL, ReasonTimeout, opts)
		}
	}

	start := s.now()
	data, err := resilience.Call(ctx, s.breaker, func(ctx context.Context) ([]byte, error) {
		return s.provider.Capture(ctx, rawURL, opts)
	})
	elapsed := s.now().Sub(start)

	if err != nil {
		reason := ReasonProviderError
		switch {
		case errors.Is(err, resilience.ErrOpen):
			reason = ReasonBreakerOpen
		case errors.Is(err, context.DeadlineExceeded):
			reason = ReasonTimeout
		}
		s.metrics.CaptureDuration(s.provider.Name(), reason, elapsed)
		log.Warn("capture: provider failed, using placeholder",
			zap.String("provider", s.provider.Name()),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return s.placeholder(rawURL, reason, opts)
	}

	mediaType, ok := SniffImage(data)
	if !ok {
		s.metrics.CaptureDuration(s.provider.Name(), ReasonNotImage, elapsed)
		log.Warn("capture: provider returned non-image content",
			zap.String("provider", s.provider.Name()),
			zap.String("detected", mediaType),
		)
		return s.placeholder(rawURL, ReasonNotImage, opts)
	}

	s.metrics.CaptureDuration(s.provider.Name(), "ok", elapsed)
	fields := []zap.Field{
		zap.String("provider", s.provider.Name()),
		zap.Int("bytes", len(data)),
		zap.Duration("elapsed", elapsed),
	}
	if s.costs != nil {
		fields = append(fields, zap.Float64("estimated_cost_usd", s.costs.Capture(s.provider.Name())))
	}
	log.Debug("capture: ok", fields...)
	return model.CapturedImage{
		SourceURL:  rawURL,
		Bytes:      data,
		MediaType:  mediaType,
		CapturedAt: s.now(),
		Metadata: model.CaptureMetadata{
			Viewport: opts.Viewport,
			FullPage: opts.FullPage,
			Provider: s.provider.Name(),
		},
	}
}

// CaptureTarget captures t with parameters derived from OptionsFor.
func (s *Service) CaptureTarget(ctx context.Context, t Target) model.CapturedImage {
	return s.Capture(ctx, t.URL, OptionsFor(t))
}

// CaptureBoth captures the ad and landing targets concurrently. Each falls
// back to a placeholder independently. An ad target with no URL is skipped
// and yields a zero CapturedImage.
func (s *Service) CaptureBoth(ctx context.Context, ad, landing Target) (adImg, landingImg model.CapturedImage) {
	var g errgroup.Group
	if ad.URL != "" {
		g.Go(func() error {
			adImg = s.CaptureTarget(ctx, ad)
			return nil
		})
	}
	g.Go(func() error {
		landingImg = s.CaptureTarget(ctx, landing)
		return nil
	})
	_ = g.Wait()
	return adImg, landingImg
}

func (s *Service) placeholder(rawURL, reason string, opts model.CaptureOptions) model.CapturedImage {
	s.metrics.Placeholder(reason)
	return Placeholder(rawURL, reason, opts, s.now())
}
