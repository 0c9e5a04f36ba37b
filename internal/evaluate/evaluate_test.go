package evaluate

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/adalign/internal/capture"
	"github.com/sells-group/adalign/internal/model"
	"github.com/sells-group/adalign/internal/quota"
	"github.com/sells-group/adalign/internal/store"
	"github.com/sells-group/adalign/internal/vision"
)

var fixedNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))))
	return buf.Bytes()
}

// recordingProvider returns a PNG for every URL and remembers the options it
// was asked to use.
type recordingProvider struct {
	mu    sync.Mutex
	data  []byte
	calls map[string]model.CaptureOptions
}

func (p *recordingProvider) Name() string { return "recording" }

func (p *recordingProvider) Capture(_ context.Context, rawURL string, opts model.CaptureOptions) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls == nil {
		p.calls = make(map[string]model.CaptureOptions)
	}
	p.calls[rawURL] = opts
	return p.data, nil
}

type mockAnalyzer struct {
	mock.Mock
}

func (m *mockAnalyzer) Analyze(ctx context.Context, in vision.Input) vision.Outcome {
	return m.Called(ctx, in).Get(0).(vision.Outcome)
}

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) CreateEvaluation(ctx context.Context, ev *model.Evaluation) error {
	return m.Called(ctx, ev).Error(0)
}

func aiOutcome() vision.Outcome {
	res := model.AnalysisResult{
		Mode:        model.ModeAlignment,
		Scores:      &model.ComponentScores{VisualMatch: 8, ContextualMatch: 7, ToneAlignment: 9},
		Suggestions: []string{"Reuse the ad headline on the page"},
		UsedAI:      true,
	}
	res.DeriveOverall()
	return vision.Outcome{Result: res, Source: vision.SourceAI}
}

type fixture struct {
	provider *recordingProvider
	analyzer *mockAnalyzer
	store    *store.SQLiteStore
	engine   *quota.Engine
	pipeline *Pipeline
}

func newFixture(t *testing.T, withQuota bool) *fixture {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "eval.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	f := &fixture{
		provider: &recordingProvider{data: pngBytes(t)},
		analyzer: &mockAnalyzer{},
		store:    st,
	}
	clock := func() time.Time { return fixedNow }
	svc := capture.NewService(f.provider, capture.WithClock(clock))

	opts := []Option{WithRecorder(st), WithClock(clock)}
	if withQuota {
		f.engine, err = quota.NewEngine(quota.NewStoreCounters(st), st, quota.DefaultConfig(), quota.WithClock(clock))
		require.NoError(t, err)
		opts = append(opts, WithQuota(f.engine))
	}
	f.pipeline = New(svc, f.analyzer, opts...)
	return f
}

func urlRequest() model.EvaluationRequest {
	return model.EvaluationRequest{
		Ad:             model.AdReference{RawValue: "https://www.facebook.com/ads/library/?id=123", Platform: "meta"},
		LandingPageURL: "https://shop.example.com/spring-sale",
		Audience:       map[string]any{"age_range": "25-34"},
		Requester:      model.Requester{Email: "Ana@Example.com", IP: "203.0.113.4"},
	}
}

func TestRun_URLAd(t *testing.T) {
	f := newFixture(t, true)
	f.analyzer.On("Analyze", mock.Anything, mock.MatchedBy(func(in vision.Input) bool {
		return in.Platform == model.PlatformMeta &&
			in.SourceType == model.SourceURL &&
			len(in.Ad.Bytes) > 0 && !in.Ad.IsPlaceholder &&
			len(in.Landing.Bytes) > 0 &&
			in.Mode == model.ModeAlignment
	})).Return(aiOutcome()).Once()

	resp, err := f.pipeline.Run(context.Background(), urlRequest())
	require.NoError(t, err)

	assert.NotEmpty(t, resp.EvaluationID)
	assert.Equal(t, 8, resp.OverallScore)
	assert.True(t, resp.UsedAI)
	assert.Empty(t, resp.FallbackReason)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 1, resp.Usage.Used)
	assert.Equal(t, 2, resp.Usage.Remaining)

	f.provider.mu.Lock()
	assert.Len(t, f.provider.calls, 2)
	f.provider.mu.Unlock()

	ev, err := f.store.GetEvaluation(context.Background(), resp.EvaluationID)
	require.NoError(t, err)
	assert.Equal(t, "ana@example.com", ev.Requester.Email)
	assert.Equal(t, 8, ev.OverallScore)
	assert.True(t, ev.UsedAI)
	f.analyzer.AssertExpectations(t)
}

func TestRun_Upload(t *testing.T) {
	f := newFixture(t, false)
	img := pngBytes(t)
	req := urlRequest()
	req.Ad = model.AdReference{
		RawValue: "data:image/png;base64," + base64.StdEncoding.EncodeToString(img),
		Platform: "tiktok",
	}
	req.Requester = model.Requester{}

	f.analyzer.On("Analyze", mock.Anything, mock.MatchedBy(func(in vision.Input) bool {
		return in.SourceType == model.SourceUpload &&
			in.Platform == model.PlatformTikTok &&
			in.MediaType == model.MediaVideo &&
			bytes.Equal(in.Ad.Bytes, img) &&
			in.Ad.MediaType == "image/png"
	})).Return(aiOutcome()).Once()

	resp, err := f.pipeline.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.SourceUpload, resp.AdSourceType)
	assert.Nil(t, resp.Usage)

	f.provider.mu.Lock()
	assert.Len(t, f.provider.calls, 1, "only the landing page is captured")
	f.provider.mu.Unlock()
	f.analyzer.AssertExpectations(t)
}

func TestRun_PreviewLinkUsesPreviewCapture(t *testing.T) {
	f := newFixture(t, false)
	req := urlRequest()
	req.Ad = model.AdReference{RawValue: "https://www.tiktok.com/ads/preview?preview_token=abc"}
	f.analyzer.On("Analyze", mock.Anything, mock.Anything).Return(aiOutcome()).Once()

	resp, err := f.pipeline.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.SourcePreview, resp.AdSourceType)
	assert.Equal(t, model.MediaVideo, resp.MediaType)

	f.provider.mu.Lock()
	defer f.provider.mu.Unlock()
	opts := f.provider.calls[req.Ad.RawValue]
	assert.Equal(t, capture.PreviewDelay, opts.Delay)
	assert.NotEmpty(t, opts.WaitForSelector)
	assert.Equal(t, capture.PageDelay, f.provider.calls[req.LandingPageURL].Delay)
}

func TestRun_InvalidInput(t *testing.T) {
	tooBig := "data:image/png;base64," + base64.StdEncoding.EncodeToString(make([]byte, MaxUploadBytes+1))
	tests := []struct {
		name  string
		edit  func(r *model.EvaluationRequest)
		field string
	}{
		{"missing landing", func(r *model.EvaluationRequest) { r.LandingPageURL = " " }, "landingPageData.url"},
		{"bad landing scheme", func(r *model.EvaluationRequest) { r.LandingPageURL = "ftp://example.com/x" }, "landingPageData.url"},
		{"missing ad", func(r *model.EvaluationRequest) { r.Ad = model.AdReference{} }, "adData"},
		{"not base64", func(r *model.EvaluationRequest) { r.Ad.RawValue = "data:image/png;base64,***" }, "adData.imageUrl"},
		{"plain data url", func(r *model.EvaluationRequest) { r.Ad.RawValue = "data:image/png,rawbytes" }, "adData.imageUrl"},
		{"text upload", func(r *model.EvaluationRequest) {
			r.Ad.RawValue = "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("hello world"))
		}, "adData.imageUrl"},
		{"oversized upload", func(r *model.EvaluationRequest) { r.Ad.RawValue = tooBig }, "adData.imageUrl"},
		{"no requester", func(r *model.EvaluationRequest) { r.Requester = model.Requester{} }, "requester"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, true)
			req := urlRequest()
			tt.edit(&req)

			_, err := f.pipeline.Run(context.Background(), req)
			require.ErrorIs(t, err, ErrInvalidInput)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
			f.analyzer.AssertNotCalled(t, "Analyze", mock.Anything, mock.Anything)
		})
	}
}

func TestRun_BareLandingHostGetsScheme(t *testing.T) {
	f := newFixture(t, false)
	req := urlRequest()
	req.LandingPageURL = "shop.example.com/spring"
	f.analyzer.On("Analyze", mock.Anything, mock.MatchedBy(func(in vision.Input) bool {
		return in.LandingURL == "https://shop.example.com/spring"
	})).Return(aiOutcome()).Once()

	_, err := f.pipeline.Run(context.Background(), req)
	require.NoError(t, err)
	f.analyzer.AssertExpectations(t)
}

func TestRun_FreeTierExhausted(t *testing.T) {
	f := newFixture(t, true)
	f.analyzer.On("Analyze", mock.Anything, mock.Anything).Return(aiOutcome()).Times(3)

	for i := 0; i < 3; i++ {
		_, err := f.pipeline.Run(context.Background(), urlRequest())
		require.NoError(t, err)
	}

	_, err := f.pipeline.Run(context.Background(), urlRequest())
	var denied *quota.DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, 3, denied.Decision.Used)
	assert.Equal(t, 3, denied.Decision.Limit)
	assert.Equal(t, 0, denied.Decision.Remaining)
	f.analyzer.AssertNumberOfCalls(t, "Analyze", 3)
}

func TestRun_FallbackIsPersistedAndConsumesQuota(t *testing.T) {
	f := newFixture(t, true)
	clock := func() time.Time { return fixedNow }
	orch := vision.NewOrchestrator(nil, vision.Config{})
	p := New(capture.NewService(f.provider, capture.WithClock(clock)), orch,
		WithRecorder(f.store), WithQuota(f.engine), WithClock(clock))

	resp, err := p.Run(context.Background(), urlRequest())
	require.NoError(t, err)
	assert.False(t, resp.UsedAI)
	assert.Equal(t, vision.ReasonModelUnavailable, resp.FallbackReason)
	require.NotNil(t, resp.ComponentScores)
	assert.Equal(t, resp.ComponentScores.Overall(), resp.OverallScore)
	assert.Equal(t, 2, resp.Usage.Remaining)

	ev, err := f.store.GetEvaluation(context.Background(), resp.EvaluationID)
	require.NoError(t, err)
	assert.False(t, ev.UsedAI)
	assert.Equal(t, vision.ReasonModelUnavailable, ev.FallbackReason)

	var stored model.AnalysisResult
	require.NoError(t, json.Unmarshal(ev.Analysis, &stored))
	assert.Equal(t, resp.Suggestions, stored.Suggestions)
}

func TestRun_PersistFailureIsSoft(t *testing.T) {
	provider := &recordingProvider{data: pngBytes(t)}
	analyzer := &mockAnalyzer{}
	recorder := &mockRecorder{}
	analyzer.On("Analyze", mock.Anything, mock.Anything).Return(aiOutcome())
	recorder.On("CreateEvaluation", mock.Anything, mock.Anything).Return(errors.New("disk full"))

	p := New(capture.NewService(provider), analyzer, WithRecorder(recorder))
	resp, err := p.Run(context.Background(), urlRequest())
	require.NoError(t, err)
	assert.Equal(t, 8, resp.OverallScore)
	recorder.AssertExpectations(t)
}

func TestRun_CancelledBeforeAnalysis(t *testing.T) {
	f := newFixture(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.pipeline.Run(ctx, urlRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	f.analyzer.AssertNotCalled(t, "Analyze", mock.Anything, mock.Anything)

	d, err := f.engine.Status(context.Background(), quota.Subject{Email: "ana@example.com"})
	require.NoError(t, err)
	assert.Equal(t, 0, d.Used)
}

// cancelAfterCheck cancels the run right after the quota unit is taken.
type cancelAfterCheck struct {
	*quota.Engine
	cancel context.CancelFunc
}

func (q cancelAfterCheck) Check(ctx context.Context, s quota.Subject) (quota.Reservation, error) {
	r, err := q.Engine.Check(ctx, s)
	q.cancel()
	return r, err
}

func TestRun_CancelAfterCheckReleasesUnit(t *testing.T) {
	f := newFixture(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := func() time.Time { return fixedNow }
	p := New(capture.NewService(f.provider, capture.WithClock(clock)), f.analyzer,
		WithQuota(cancelAfterCheck{Engine: f.engine, cancel: cancel}), WithClock(clock))

	_, err := p.Run(ctx, urlRequest())
	require.ErrorIs(t, err, context.Canceled)
	f.analyzer.AssertNotCalled(t, "Analyze", mock.Anything, mock.Anything)

	d, err := f.engine.Status(context.Background(), quota.Subject{Email: "ana@example.com"})
	require.NoError(t, err)
	assert.Equal(t, 0, d.Used)
}

func TestRun_ConcurrentRunsDeliverOnlyRemainingUnits(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	subject := quota.SubjectFor(urlRequest().Requester)
	for i := 0; i < 2; i++ {
		_, err := f.engine.Check(ctx, subject)
		require.NoError(t, err)
	}
	f.analyzer.On("Analyze", mock.Anything, mock.Anything).
		After(50 * time.Millisecond).
		Return(aiOutcome())

	const runs = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		delivered int
		denied    int
	)
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := f.pipeline.Run(ctx, urlRequest())
			mu.Lock()
			defer mu.Unlock()
			var de *quota.DeniedError
			switch {
			case err == nil && resp != nil:
				delivered++
			case errors.As(err, &de):
				denied++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, delivered)
	assert.Equal(t, runs-1, denied)
	f.analyzer.AssertNumberOfCalls(t, "Analyze", 1)

	d, err := f.engine.Status(ctx, subject)
	require.NoError(t, err)
	assert.Equal(t, 3, d.Used)
}

func TestDecodeDataURL_UnpaddedBase64(t *testing.T) {
	img := pngBytes(t)
	raw := "data:image/png;base64," + strings.TrimRight(base64.StdEncoding.EncodeToString(img), "=")
	got, err := decodeDataURL(raw)
	require.NoError(t, err)
	assert.Equal(t, img, got)
}
