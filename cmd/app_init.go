package main

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/adalign/internal/capture"
	"github.com/sells-group/adalign/internal/cost"
	"github.com/sells-group/adalign/internal/evaluate"
	"github.com/sells-group/adalign/internal/metrics"
	"github.com/sells-group/adalign/internal/quota"
	"github.com/sells-group/adalign/internal/resilience"
	"github.com/sells-group/adalign/internal/share"
	"github.com/sells-group/adalign/internal/store"
	"github.com/sells-group/adalign/internal/vision"
	anthropicpkg "github.com/sells-group/adalign/pkg/anthropic"
	"github.com/sells-group/adalign/pkg/firecrawl"
	"github.com/sells-group/adalign/pkg/screenshot"
)

// appEnv holds everything the serve command wires together.
type appEnv struct {
	Store    store.Store
	Quota    *quota.Engine
	Shares   *share.Service
	Pipeline *evaluate.Pipeline
	Metrics  *metrics.Metrics
	redis    *redis.Client
}

// Close waits for background share work and releases connections.
func (e *appEnv) Close() {
	if e.Shares != nil {
		e.Shares.Wait()
	}
	if e.redis != nil {
		_ = e.redis.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initApp builds the full serving environment. Callers should defer
// env.Close().
func initApp(ctx context.Context) (*appEnv, error) {
	if err := cfg.Validate("serve"); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	env := &appEnv{Store: st, Metrics: metrics.New()}

	env.Quota, err = initQuota(st, env)
	if err != nil {
		env.Close()
		return nil, err
	}

	svc, err := initCapture(env.Metrics)
	if err != nil {
		env.Close()
		return nil, err
	}

	env.Shares = share.NewService(st,
		share.WithTTL(cfg.Share.TTL()),
		share.WithBaseURL(cfg.Share.BaseURL),
		share.WithMetrics(env.Metrics),
	)
	env.Pipeline = evaluate.New(svc, initAnalyzer(env.Metrics),
		evaluate.WithQuota(env.Quota),
		evaluate.WithRecorder(st),
		evaluate.WithMetrics(env.Metrics),
	)
	return env, nil
}

// initStore opens the configured database.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// initQuota builds the quota engine over the configured counter backend.
// A redis client, when opened, is attached to env for Close.
func initQuota(st store.Store, env *appEnv) (*quota.Engine, error) {
	var counters quota.Counters
	switch cfg.Quota.Backend {
	case "redis":
		opts, err := redis.ParseURL(cfg.Quota.RedisURL)
		if err != nil {
			return nil, eris.Wrap(err, "parse quota.redis_url")
		}
		client := redis.NewClient(opts)
		if env != nil {
			env.redis = client
		}
		counters = quota.NewRedisCounters(client, cfg.Quota.RedisPrefix)
		zap.L().Info("quota counters in redis", zap.String("addr", opts.Addr))
	default:
		counters = quota.NewStoreCounters(st)
	}

	var m *metrics.Metrics
	if env != nil {
		m = env.Metrics
	}
	return quota.NewEngine(counters, st, cfg.Quota.Engine(), quota.WithMetrics(m))
}

// newBreaker creates a provider breaker that reports its state to m.
func newBreaker(name string, m *metrics.Metrics) *resilience.Breaker {
	return resilience.NewBreaker(resilience.BreakerConfig{
		Name:  name,
		Trips: resilience.Trips,
		OnStateChange: func(name string, from, to resilience.State) {
			m.BreakerState(name, int(to))
			zap.L().Warn("provider breaker state change",
				zap.String("provider", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		},
	})
}

// initCapture builds the screenshot service for the configured provider.
func initCapture(m *metrics.Metrics) (*capture.Service, error) {
	var p capture.Provider
	switch cfg.Capture.Provider {
	case capture.ProviderScreenshotOne:
		p = capture.NewScreenshotProvider(screenshot.NewClient(cfg.Screenshot.Key,
			screenshot.WithBaseURL(cfg.Screenshot.BaseURL)))
	case capture.ProviderFirecrawl:
		p = capture.NewFirecrawlProvider(firecrawl.NewClient(cfg.Firecrawl.Key,
			firecrawl.WithBaseURL(cfg.Firecrawl.BaseURL)))
	default:
		return nil, eris.Errorf("unknown capture provider %q", cfg.Capture.Provider)
	}

	opts := []capture.Option{
		capture.WithTimeout(cfg.Capture.Timeout()),
		capture.WithBreaker(newBreaker(p.Name(), m)),
		capture.WithMetrics(m),
		capture.WithCalculator(cost.NewCalculator(cost.DefaultRates())),
	}
	if cfg.Capture.RatePerSec > 0 {
		burst := cfg.Capture.Burst
		if burst <= 0 {
			burst = 1
		}
		opts = append(opts, capture.WithLimiter(rate.NewLimiter(rate.Limit(cfg.Capture.RatePerSec), burst)))
	}
	return capture.NewService(p, opts...), nil
}

// initAnalyzer builds the vision orchestrator.
func initAnalyzer(m *metrics.Metrics) *vision.Orchestrator {
	client := anthropicpkg.NewClient(cfg.Anthropic.Key)
	return vision.NewOrchestrator(client, vision.Config{
		Model:     cfg.Anthropic.Model,
		MaxTokens: cfg.Anthropic.MaxTokens,
		Timeout:   cfg.Anthropic.Timeout(),
	},
		vision.WithBreaker(newBreaker("anthropic", m)),
		vision.WithCalculator(cost.NewCalculator(cost.DefaultRates())),
		vision.WithMetrics(m),
	)
}
