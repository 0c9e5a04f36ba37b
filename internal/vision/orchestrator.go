// Package vision asks the vision model to compare an ad with its landing page.
// Analyze always yields a schema-valid result: any model failure is answered
// with a deterministic fallback tagged with its reason.
package vision

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/adalign/internal/cost"
	"github.com/sells-group/adalign/internal/metrics"
	"github.com/sells-group/adalign/internal/model"
	"github.com/sells-group/adalign/internal/resilience"
	"github.com/sells-group/adalign/pkg/anthropic"
)

// Source tells whether a result came from the model or the fallback.
type Source string

const (
	SourceAI       Source = "ai"
	SourceFallback Source = "fallback"
)

// Input is everything the orchestrator needs for one analysis.
type Input struct {
	Ad         model.CapturedImage
	Landing    model.CapturedImage
	Platform   model.Platform
	SourceType model.SourceType
	MediaType  model.MediaType
	LandingURL string
	Audience   map[string]any
	Mode       model.AnalysisMode
}

// Outcome is the analysis plus how it was produced.
type Outcome struct {
	Result  model.AnalysisResult
	Source  Source
	Reason  string
	Usage   anthropic.TokenUsage
	CostUSD float64
}

// Fallback reports whether the result is a synthesized stand-in.
func (o Outcome) Fallback() bool { return o.Source == SourceFallback }

// Config tunes the model call.
type Config struct {
	Model       string
	MaxTokens   int64
	Timeout     time.Duration
	Temperature float64
}

// Defaults for Config fields left zero.
const (
	DefaultModel     = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens = 1500
	DefaultTimeout   = 60 * time.Second
)

// prefill opens the assistant turn so the model continues a JSON object.
const prefill = "{"

// Orchestrator runs the vision analysis.
type Orchestrator struct {
	client  anthropic.Client
	cfg     Config
	breaker *resilience.Breaker
	costs   *cost.Calculator
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithBreaker guards model calls with b.
func WithBreaker(b *resilience.Breaker) Option {
	return func(o *Orchestrator) { o.breaker = b }
}

// WithCalculator enables cost attribution for model calls.
func WithCalculator(c *cost.Calculator) Option {
	return func(o *Orchestrator) { o.costs = c }
}

// WithMetrics records latency, tokens and fallback counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// NewOrchestrator creates an Orchestrator. A nil client is allowed and makes
// every analysis a fallback.
func NewOrchestrator(client anthropic.Client, cfg Config, opts ...Option) *Orchestrator {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.2
	}
	o := &Orchestrator{client: client, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	if o.breaker == nil {
		o.breaker = resilience.NewBreaker(resilience.BreakerConfig{Name: "anthropic", Trips: resilience.Trips})
	}
	return o
}

// Analyze compares the ad and landing images. It never returns an error.
func (o *Orchestrator) Analyze(ctx context.Context, in Input) Outcome {
	if in.Mode == "" {
		in.Mode = model.ModeAlignment
	}
	log := zap.L().With(
		zap.String("platform", in.Platform.String()),
		zap.String("mode", string(in.Mode)),
		zap.String("landing_url", in.LandingURL),
	)

	if o.client == nil {
		return o.fallback(log, in, ReasonModelUnavailable, nil)
	}

	req := o.buildRequest(in)

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	start := o.now()
	resp, err := resilience.Call(callCtx, o.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		resp, err := o.client.CreateMessage(ctx, req)
		return resp, resilience.FromStatus(err, anthropic.StatusCode(err))
	})
	elapsed := o.now().Sub(start)

	if err != nil {
		reason := ReasonModelError
		switch {
		case errors.Is(err, resilience.ErrOpen):
			reason = ReasonBreakerOpen
		case errors.Is(err, context.DeadlineExceeded):
			reason = ReasonTimeout
		}
		return o.fallback(log, in, reason, err)
	}

	var costUSD float64
	if o.costs != nil {
		costUSD = o.costs.Claude(o.cfg.Model, cost.Usage{
			Input:      resp.Usage.InputTokens,
			Output:     resp.Usage.OutputTokens,
			CacheWrite: resp.Usage.CacheCreationInputTokens,
			CacheRead:  resp.Usage.CacheReadInputTokens,
		})
	}
	resp.Usage.LogCost(o.cfg.Model, "vision", costUSD)
	o.metrics.ModelCall(elapsed, resp.Usage.InputTokens, resp.Usage.OutputTokens, costUSD)

	result, err := Parse(in.Mode, completeJSON(resp.Text()))
	if err != nil {
		reason := ReasonParseError
		var verr *ValidationError
		if errors.As(err, &verr) {
			reason = ReasonValidation
		}
		out := o.fallback(log, in, reason, err)
		out.Usage = resp.Usage
		out.CostUSD = costUSD
		return out
	}

	log.Debug("vision: analysis ok",
		zap.Int("overall_score", result.OverallScore),
		zap.Duration("elapsed", elapsed),
	)
	return Outcome{
		Result:  result,
		Source:  SourceAI,
		Usage:   resp.Usage,
		CostUSD: costUSD,
	}
}

// completeJSON restores the prefilled brace unless the model repeated it.
func completeJSON(text string) string {
	if strings.HasPrefix(strings.TrimSpace(text), prefill) {
		return text
	}
	return prefill + text
}

func (o *Orchestrator) buildRequest(in Input) anthropic.MessageRequest {
	var images []anthropic.Image
	hasAd := len(in.Ad.Bytes) > 0
	if hasAd {
		images = append(images, anthropic.Image{MediaType: in.Ad.MediaType, Data: in.Ad.Bytes})
	}
	if len(in.Landing.Bytes) > 0 {
		images = append(images, anthropic.Image{MediaType: in.Landing.MediaType, Data: in.Landing.Bytes})
	}

	temp := o.cfg.Temperature
	return anthropic.MessageRequest{
		Model:     o.cfg.Model,
		MaxTokens: o.cfg.MaxTokens,
		System: []anthropic.SystemBlock{{
			Text:         systemPrompt(in.Mode),
			CacheControl: &anthropic.CacheControl{TTL: "1h"},
		}},
		Messages: []anthropic.Message{
			{Role: "user", Content: userPrompt(in, hasAd), Images: images},
			{Role: "assistant", Content: prefill},
		},
		Temperature: &temp,
	}
}

func (o *Orchestrator) fallback(log *zap.Logger, in Input, reason string, err error) Outcome {
	o.metrics.Fallback(reason)
	fields := []zap.Field{zap.String("reason", reason)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	log.Warn("vision: using fallback analysis", fields...)
	return Outcome{
		Result: Fallback(in),
		Source: SourceFallback,
		Reason: reason,
	}
}
