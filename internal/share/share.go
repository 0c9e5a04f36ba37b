// Package share mints time-boxed public links to sanitized evaluation results.
package share

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/adalign/internal/metrics"
	"github.com/sells-group/adalign/internal/model"
	"github.com/sells-group/adalign/internal/store"
)

var (
	ErrNotFound          = eris.New("share: not found")
	ErrExpired           = eris.New("share: expired")
	ErrMissingEvaluation = eris.New("share: evaluation id is required")
)

const (
	// DefaultTTL is how long a share stays readable.
	DefaultTTL = 30 * 24 * time.Hour

	tokenBytes  = 32
	maxAttempts = 3
	viewTimeout = 5 * time.Second
)

// Store is the subset of store.Store the service needs.
type Store interface {
	CreateShare(ctx context.Context, r *model.SharedReport) error
	GetShare(ctx context.Context, token string) (*model.SharedReport, error)
	IncrementShareViews(ctx context.Context, token string) error
}

// Service creates and resolves shares.
type Service struct {
	st       Store
	ttl      time.Duration
	baseURL  string
	policy   *bluemonday.Policy
	metrics  *metrics.Metrics
	now      func() time.Time
	newToken func() (string, error)

	views sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithTTL sets the share lifetime.
func WithTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithBaseURL sets the public origin used by URL.
func WithBaseURL(u string) Option {
	return func(s *Service) { s.baseURL = strings.TrimRight(u, "/") }
}

// WithMetrics counts recorded views.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service over st.
func NewService(st Store, opts ...Option) *Service {
	s := &Service{
		st:       st,
		ttl:      DefaultTTL,
		policy:   bluemonday.StrictPolicy(),
		now:      time.Now,
		newToken: newToken,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// URL is the public link for token.
func (s *Service) URL(token string) string {
	return s.baseURL + "/share/" + token
}

// Create sanitizes payload and stores it under a fresh token. A token
// collision is retried with a new token. If the store is unavailable the
// share is still returned with Persisted=false.
func (s *Service) Create(ctx context.Context, evaluationID string, payload map[string]any) (model.SharedReport, error) {
	evaluationID = strings.TrimSpace(evaluationID)
	if evaluationID == "" {
		return model.SharedReport{}, ErrMissingEvaluation
	}

	now := s.now().UTC()
	clean := Sanitize(s.policy, payload)
	report := model.SharedReport{
		EvaluationID:     evaluationID,
		Title:            titleFor(clean),
		SanitizedPayload: clean,
		ExpiresAt:        now.Add(s.ttl),
		CreatedAt:        now,
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		report.Token, err = s.newToken()
		if err != nil {
			return model.SharedReport{}, eris.Wrap(err, "share: mint token")
		}
		if s.st == nil {
			return report, nil
		}

		err = s.st.CreateShare(ctx, &report)
		switch {
		case err == nil:
			report.Persisted = true
			return report, nil
		case errors.Is(err, store.ErrTokenConflict):
			zap.L().Warn("share: token collision, regenerating", zap.Int("attempt", attempt))
			continue
		default:
			zap.L().Warn("share: store unavailable, returning unpersisted share",
				zap.String("evaluation_id", evaluationID), zap.Error(err))
			return report, nil
		}
	}
	return model.SharedReport{}, eris.Wrapf(err, "share: create after %d attempts", maxAttempts)
}

// Get resolves token. An expired share is returned together with ErrExpired
// so callers can still show its title and expiry. A successful read records
// a view in the background.
func (s *Service) Get(ctx context.Context, token string) (model.SharedReport, error) {
	if !validToken(token) || s.st == nil {
		return model.SharedReport{}, ErrNotFound
	}

	r, err := s.st.GetShare(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return model.SharedReport{}, ErrNotFound
	}
	if err != nil {
		return model.SharedReport{}, eris.Wrapf(err, "share: get %s", token)
	}
	if r.Expired(s.now()) {
		return *r, ErrExpired
	}

	s.recordView(ctx, token)
	return *r, nil
}

// Wait blocks until pending view updates have finished.
func (s *Service) Wait() {
	s.views.Wait()
}

func (s *Service) recordView(ctx context.Context, token string) {
	s.views.Add(1)
	go func() {
		defer s.views.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), viewTimeout)
		defer cancel()
		if err := s.st.IncrementShareViews(ctx, token); err != nil {
			zap.L().Warn("share: view count not recorded", zap.Error(err))
			return
		}
		s.metrics.ShareView()
	}()
}

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func validToken(token string) bool {
	if len(token) != base64.RawURLEncoding.EncodedLen(tokenBytes) {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(token)
	return err == nil
}

func titleFor(payload map[string]any) string {
	p := model.PlatformGeneric
	if raw, ok := payload["platform"].(string); ok {
		p = model.ParsePlatform(raw)
	}
	if p == model.PlatformUnknown {
		p = model.PlatformGeneric
	}
	title := fmt.Sprintf("%s Ad Alignment Report", p.Title())
	if score, ok := payload["overallScore"].(float64); ok && score > 0 {
		title = fmt.Sprintf("%s (%d/10)", title, int(score))
	}
	return title
}
