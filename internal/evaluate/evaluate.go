// Package evaluate runs one ad/landing-page evaluation end to end:
// classify, capture, quota gate, analysis, persistence and quota commit.
package evaluate

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/adalign/internal/capture"
	"github.com/sells-group/adalign/internal/classify"
	"github.com/sells-group/adalign/internal/metrics"
	"github.com/sells-group/adalign/internal/model"
	"github.com/sells-group/adalign/internal/quota"
	"github.com/sells-group/adalign/internal/vision"
)

// Capturer produces the ad and landing screenshots.
type Capturer interface {
	CaptureBoth(ctx context.Context, ad, landing capture.Target) (adImg, landingImg model.CapturedImage)
}

// Analyzer scores a pair of images. It never fails.
type Analyzer interface {
	Analyze(ctx context.Context, in vision.Input) vision.Outcome
}

// Quota gates and meters evaluations. Check takes the unit up front; Release
// gives it back when a run ends before analysis.
type Quota interface {
	Check(ctx context.Context, s quota.Subject) (quota.Reservation, error)
	Commit(ctx context.Context, r quota.Reservation) (quota.Decision, error)
	Release(ctx context.Context, r quota.Reservation)
}

// Recorder persists completed evaluations.
type Recorder interface {
	CreateEvaluation(ctx context.Context, ev *model.Evaluation) error
}

// Captures describes the two images the analysis saw.
type Captures struct {
	Ad      model.CapturedImage `json:"ad"`
	Landing model.CapturedImage `json:"landing"`
}

// Response is what a caller receives for a completed evaluation, whether the
// analysis came from the model or the fallback.
type Response struct {
	EvaluationID    string                    `json:"evaluationId"`
	Platform        model.Platform            `json:"platform"`
	AdSourceType    model.SourceType          `json:"adSourceType"`
	MediaType       model.MediaType           `json:"mediaType"`
	Mode            model.AnalysisMode        `json:"analysisMode"`
	OverallScore    int                       `json:"overallScore"`
	ComponentScores *model.ComponentScores    `json:"componentScores,omitempty"`
	Persuasion      *model.PersuasionAnalysis `json:"persuasion,omitempty"`
	Suggestions     []string                  `json:"suggestions"`
	UsedAI          bool                      `json:"usedAi"`
	FallbackReason  string                    `json:"fallbackReason,omitempty"`
	Captures        Captures                  `json:"captures"`
	Usage           *quota.Decision           `json:"usage,omitempty"`
	CreatedAt       time.Time                 `json:"createdAt"`
}

// Pipeline wires the evaluation steps together.
type Pipeline struct {
	capturer Capturer
	analyzer Analyzer
	quota    Quota
	recorder Recorder
	metrics  *metrics.Metrics
	now      func() time.Time
	newID    func() string
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithQuota enables the usage gate. Without it every request is allowed and
// nothing is metered.
func WithQuota(q Quota) Option {
	return func(p *Pipeline) { p.quota = q }
}

// WithRecorder persists each completed evaluation.
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

// WithMetrics counts completed evaluations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a Pipeline.
func New(c Capturer, a Analyzer, opts ...Option) *Pipeline {
	p := &Pipeline{
		capturer: c,
		analyzer: a,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run evaluates req. It returns ErrInvalidInput (as *ValidationError) for a
// malformed request and *quota.DeniedError when the requester is out of
// quota. Capture and model failures are absorbed into placeholders and
// fallback analyses.
func (p *Pipeline) Run(ctx context.Context, req model.EvaluationRequest) (*Response, error) {
	req, err := normalize(req, p.quota != nil)
	if err != nil {
		return nil, err
	}

	cls := classify.Classify(req.Ad)
	log := zap.L().With(
		zap.String("platform", cls.Platform.String()),
		zap.String("source_type", string(cls.SourceType)),
		zap.String("landing_url", req.LandingPageURL),
	)
	log.Debug("evaluate: classified input", zap.String("media_type", string(cls.MediaType)))

	landing := capture.Target{URL: req.LandingPageURL, Role: capture.RoleLanding, Platform: cls.Platform}
	adTarget := capture.Target{Role: capture.RoleAd, Platform: cls.Platform, Preview: cls.IsPreviewLink}
	if cls.SourceType != model.SourceUpload {
		adTarget.URL = req.Ad.RawValue
	}
	adImg, landingImg := p.capturer.CaptureBoth(ctx, adTarget, landing)
	if cls.SourceType == model.SourceUpload {
		adImg = model.CapturedImage{
			SourceURL:  "upload",
			Bytes:      req.Ad.Data,
			MediaType:  req.Ad.DataType,
			CapturedAt: p.now().UTC(),
		}
	}

	var reservation *quota.Reservation
	if p.quota != nil {
		r, err := p.quota.Check(ctx, quota.SubjectFor(req.Requester))
		if err != nil {
			log.Info("evaluate: quota denied", zap.Error(err))
			return nil, err
		}
		reservation = &r
	}
	if err := ctx.Err(); err != nil {
		if reservation != nil {
			p.quota.Release(context.WithoutCancel(ctx), *reservation)
		}
		return nil, eris.Wrap(err, "evaluate: cancelled before analysis")
	}

	out := p.analyzer.Analyze(ctx, vision.Input{
		Ad:         adImg,
		Landing:    landingImg,
		Platform:   cls.Platform,
		SourceType: cls.SourceType,
		MediaType:  cls.MediaType,
		LandingURL: req.LandingPageURL,
		Audience:   req.Audience,
		Mode:       req.Mode,
	})
	if out.Fallback() {
		log.Warn("evaluate: serving fallback analysis", zap.String("reason", out.Reason))
	}

	resp := &Response{
		EvaluationID:    p.newID(),
		Platform:        cls.Platform,
		AdSourceType:    cls.SourceType,
		MediaType:       cls.MediaType,
		Mode:            out.Result.Mode,
		OverallScore:    out.Result.OverallScore,
		ComponentScores: out.Result.Scores,
		Persuasion:      out.Result.Persuasion,
		Suggestions:     out.Result.Suggestions,
		UsedAI:          out.Result.UsedAI,
		FallbackReason:  out.Reason,
		Captures:        Captures{Ad: adImg, Landing: landingImg},
		CreatedAt:       p.now().UTC(),
	}

	// Persistence runs even if the caller has gone away.
	bg := context.WithoutCancel(ctx)
	p.persist(bg, log, req, resp, out)

	if reservation != nil {
		d, err := p.quota.Commit(bg, *reservation)
		if err != nil {
			log.Warn("evaluate: quota commit failed", zap.Error(err))
		}
		resp.Usage = &d
	}

	p.metrics.Evaluation(cls.Platform.String(), string(out.Source))
	log.Info("evaluate: completed",
		zap.String("evaluation_id", resp.EvaluationID),
		zap.Int("overall_score", resp.OverallScore),
		zap.String("source", string(out.Source)),
	)
	return resp, nil
}

func (p *Pipeline) persist(ctx context.Context, log *zap.Logger, req model.EvaluationRequest, resp *Response, out vision.Outcome) {
	if p.recorder == nil {
		return
	}
	analysis, err := json.Marshal(out.Result)
	if err != nil {
		log.Warn("evaluate: marshal analysis", zap.Error(err))
		return
	}
	ev := &model.Evaluation{
		ID:              resp.EvaluationID,
		Platform:        resp.Platform,
		AdSourceType:    resp.AdSourceType,
		LandingPageURL:  req.LandingPageURL,
		OverallScore:    resp.OverallScore,
		ComponentScores: resp.ComponentScores,
		Analysis:        analysis,
		UsedAI:          resp.UsedAI,
		FallbackReason:  resp.FallbackReason,
		Requester:       req.Requester,
		CreatedAt:       resp.CreatedAt,
	}
	if err := p.recorder.CreateEvaluation(ctx, ev); err != nil {
		log.Warn("evaluate: evaluation not persisted", zap.String("evaluation_id", ev.ID), zap.Error(err))
	}
}
