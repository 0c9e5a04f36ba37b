package quota

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/adalign/internal/metrics"
	"github.com/sells-group/adalign/internal/model"
	"github.com/sells-group/adalign/internal/store"
)

// Engine applies the tier and IP policies over a Counters backend.
type Engine struct {
	counters   Counters
	identities Identities
	cfg        Config
	metrics    *metrics.Metrics
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics records allow/deny decisions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the time source used for period math.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine. identities may be nil, in which case every
// identity is on the free tier.
func NewEngine(counters Counters, identities Identities, cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{counters: counters, identities: identities, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Status reports the subject's current standing without writing anything.
func (e *Engine) Status(ctx context.Context, s Subject) (Decision, error) {
	d, _, err := e.evaluate(ctx, s)
	return d, err
}

// Check takes one unit of s's allowance with a single conditional increment,
// so concurrent callers can never pass the limit between them. A denial is
// returned as *DeniedError and writes nothing. If the counter store is
// unreachable the request is allowed and the reservation is marked FailOpen.
// The reservation's Decision is the standing just before this request.
func (e *Engine) Check(ctx context.Context, s Subject) (Reservation, error) {
	if err := validSubject(s); err != nil {
		return Reservation{}, err
	}
	now := e.now()
	base, tier := e.allowance(ctx, s)
	res := Reservation{
		Subject:   s,
		Key:       s.Key(),
		Period:    PeriodLabel(now),
		BaseLimit: base,
	}

	out, err := e.counters.Increment(ctx, res.Key, res.Period, base, now)
	if err != nil {
		zap.L().Warn("quota: counter store unavailable, allowing request",
			zap.String("key", res.Key), zap.Error(err))
		e.metrics.QuotaDecision(string(s.Axis()), "fail_open")
		res.Decision = decide(0, base, now)
		res.Decision.Axis, res.Decision.Tier = s.Axis(), tier
		res.FailOpen = true
		return res, nil
	}

	limit := base
	if s.Axis() == AxisIdentity {
		limit += out.Counter.BonusCredits
	}
	d := decide(out.Counter.EffectiveCount(res.Period), limit, now)
	d.Axis, d.Tier = s.Axis(), tier

	if !out.Applied {
		e.metrics.QuotaDecision(string(s.Axis()), "denied")
		return res, &DeniedError{Decision: d}
	}
	res.Decision = d.without(1)
	e.metrics.QuotaDecision(string(s.Axis()), "allowed")
	return res, nil
}

// Commit confirms a reservation once the evaluation has been delivered and
// returns the standing including it. The unit was taken by Check, so nothing
// is written.
func (e *Engine) Commit(_ context.Context, r Reservation) (Decision, error) {
	if r.FailOpen {
		return r.Decision, nil
	}
	d := r.Decision.without(-1)
	zap.L().Debug("quota: reservation committed",
		zap.String("key", r.Key), zap.Int("used", d.Used), zap.Int("limit", d.Limit))
	return d, nil
}

// Release hands back the unit Check took, for runs abandoned before any
// analysis was spent. Fail-open reservations took nothing and are ignored.
func (e *Engine) Release(ctx context.Context, r Reservation) {
	if r.FailOpen || r.Key == "" {
		return
	}
	if err := e.counters.Decrement(ctx, r.Key, r.Period, e.now()); err != nil {
		zap.L().Warn("quota: release failed, unit stays consumed",
			zap.String("key", r.Key), zap.Error(err))
		return
	}
	e.metrics.QuotaDecision(string(r.Subject.Axis()), "released")
	zap.L().Debug("quota: reservation released", zap.String("key", r.Key))
}

// GrantBonus adds credits to an identity. Bonus credits persist across
// periods and raise the tier limit.
func (e *Engine) GrantBonus(ctx context.Context, email string, credits int) (Decision, error) {
	s := Subject{Email: email}
	if err := validSubject(s); err != nil {
		return Decision{}, err
	}
	now := e.now()
	if _, err := e.counters.AddBonus(ctx, s.Key(), PeriodLabel(now), credits, now); err != nil {
		return Decision{}, eris.Wrapf(err, "quota: grant bonus %s", s.Key())
	}
	return e.Status(ctx, s)
}

// ResetForPayment zeroes an identity's counter for the current period. It is
// driven by the payment webhook and may race with Check; the counter store
// serializes the two.
func (e *Engine) ResetForPayment(ctx context.Context, email string) error {
	s := Subject{Email: email}
	if err := validSubject(s); err != nil {
		return err
	}
	now := e.now()
	if err := e.counters.Reset(ctx, s.Key(), PeriodLabel(now), now); err != nil {
		return eris.Wrapf(err, "quota: reset %s", s.Key())
	}
	zap.L().Info("quota: counter reset after payment", zap.String("key", s.Key()))
	return nil
}

// allowance returns the base limit and tier that apply to s.
func (e *Engine) allowance(ctx context.Context, s Subject) (int, model.Tier) {
	if s.Axis() != AxisIdentity {
		return e.cfg.AnonymousMonthly, ""
	}
	tier := e.tierOf(ctx, s.Email)
	return e.cfg.TierAllowance(tier), tier
}

// evaluate computes the decision and the base limit for s.
func (e *Engine) evaluate(ctx context.Context, s Subject) (Decision, int, error) {
	now := e.now()
	axis := s.Axis()
	base, tier := e.allowance(ctx, s)

	d := decide(0, base, now)
	d.Axis, d.Tier = axis, tier

	c, err := e.counters.Get(ctx, s.Key())
	if err != nil {
		return d, base, eris.Wrapf(err, "quota: read %s", s.Key())
	}

	limit := base
	if axis == AxisIdentity {
		limit += c.Bonus()
	}
	d = decide(c.EffectiveCount(d.Period), limit, now)
	d.Axis, d.Tier = axis, tier
	return d, base, nil
}

func (e *Engine) tierOf(ctx context.Context, email string) model.Tier {
	if e.identities == nil {
		return model.TierFree
	}
	id, err := e.identities.GetIdentity(ctx, email)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			zap.L().Warn("quota: identity lookup failed, using free tier",
				zap.String("email", email), zap.Error(err))
		}
		return model.TierFree
	}
	return id.Tier
}

func validSubject(s Subject) error {
	if s.Email == "" && s.IP == "" {
		return eris.New("quota: subject has neither email nor ip")
	}
	return nil
}
