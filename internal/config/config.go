package config

import (
	"net/netip"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/adalign/internal/model"
	"github.com/sells-group/adalign/internal/quota"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Capture    CaptureConfig    `yaml:"capture" mapstructure:"capture"`
	Screenshot ScreenshotConfig `yaml:"screenshot" mapstructure:"screenshot"`
	Firecrawl  FirecrawlConfig  `yaml:"firecrawl" mapstructure:"firecrawl"`
	Quota      QuotaConfig      `yaml:"quota" mapstructure:"quota"`
	Share      ShareConfig      `yaml:"share" mapstructure:"share"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Stripe     StripeConfig     `yaml:"stripe" mapstructure:"stripe"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	Model       string `yaml:"model" mapstructure:"model"`
	MaxTokens   int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// Timeout is the per-call budget for the vision model.
func (c AnthropicConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// CaptureConfig selects and throttles the screenshot provider.
type CaptureConfig struct {
	Provider    string  `yaml:"provider" mapstructure:"provider"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst       int     `yaml:"burst" mapstructure:"burst"`
}

// Timeout is the per-capture budget.
func (c CaptureConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// ScreenshotConfig holds ScreenshotOne-compatible API settings.
type ScreenshotConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// FirecrawlConfig holds Firecrawl API settings.
type FirecrawlConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// QuotaConfig configures allowances and the counter backend.
type QuotaConfig struct {
	Backend          string         `yaml:"backend" mapstructure:"backend"`
	RedisURL         string         `yaml:"redis_url" mapstructure:"redis_url"`
	RedisPrefix      string         `yaml:"redis_prefix" mapstructure:"redis_prefix"`
	Tiers            map[string]int `yaml:"tiers" mapstructure:"tiers"`
	AnonymousMonthly int            `yaml:"anonymous_monthly" mapstructure:"anonymous_monthly"`
}

// Engine converts the allowances into a quota.Config.
func (c QuotaConfig) Engine() quota.Config {
	tiers := make(map[model.Tier]int, len(c.Tiers))
	for name, n := range c.Tiers {
		tiers[model.Tier(strings.ToLower(name))] = n
	}
	return quota.Config{Tiers: tiers, AnonymousMonthly: c.AnonymousMonthly}
}

// ShareConfig configures public share links.
type ShareConfig struct {
	TTLHours int    `yaml:"ttl_hours" mapstructure:"ttl_hours"`
	BaseURL  string `yaml:"base_url" mapstructure:"base_url"`
}

// TTL is the share lifetime.
func (c ShareConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port               int      `yaml:"port" mapstructure:"port"`
	RequestTimeoutSecs int      `yaml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
	CORSOrigins        []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	// TrustedProxies lists the peers (addresses or CIDRs) whose forwarding
	// headers are believed. Empty means the TCP peer is always the client.
	TrustedProxies []string `yaml:"trusted_proxies" mapstructure:"trusted_proxies"`
}

// RequestTimeout is the outer per-request safety net.
func (c ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSecs) * time.Second
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address becomes a
// single-host prefix.
func (c ServerConfig) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, eris.Wrapf(err, "config: trusted proxy %q", raw)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, eris.Wrapf(err, "config: trusted proxy %q", raw)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// StripeConfig holds payment webhook settings.
type StripeConfig struct {
	WebhookSecret string `yaml:"webhook_secret" mapstructure:"webhook_secret"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ADALIGN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_secs", 150)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.trusted_proxies", []string{})
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 1500)
	v.SetDefault("anthropic.timeout_secs", 60)
	v.SetDefault("capture.provider", "screenshotone")
	v.SetDefault("capture.timeout_secs", 30)
	v.SetDefault("capture.rate_per_sec", 5)
	v.SetDefault("capture.burst", 10)
	v.SetDefault("screenshot.base_url", "https://api.screenshotone.com")
	v.SetDefault("firecrawl.base_url", "https://api.firecrawl.dev/v2")
	v.SetDefault("quota.backend", "store")
	v.SetDefault("quota.redis_prefix", "adalign:quota:")
	v.SetDefault("quota.tiers", map[string]int{"free": 3, "pro": 50, "agency": 250, "enterprise": 1000})
	v.SetDefault("quota.anonymous_monthly", 3)
	v.SetDefault("share.ttl_hours", 30*24)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command needs before it does any work.
// mode is one of serve, evaluate, migrate or grant.
func (c *Config) Validate(mode string) error {
	var problems []string
	need := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	needStore := func() {
		switch c.Store.Driver {
		case "postgres", "sqlite":
		default:
			problems = append(problems, "store.driver must be postgres or sqlite")
		}
		need(c.Store.DatabaseURL != "", "store.database_url is required")
	}
	needProviders := func() {
		need(c.Anthropic.Key != "", "anthropic.key is required")
		need(c.Anthropic.TimeoutSecs > 0, "anthropic.timeout_secs must be > 0")
		need(c.Capture.TimeoutSecs > 0, "capture.timeout_secs must be > 0")
		switch c.Capture.Provider {
		case "screenshotone":
			need(c.Screenshot.Key != "", "screenshot.key is required")
		case "firecrawl":
			need(c.Firecrawl.Key != "", "firecrawl.key is required")
		default:
			problems = append(problems, "capture.provider must be screenshotone or firecrawl")
		}
	}

	needQuota := func() {
		switch c.Quota.Backend {
		case "store":
		case "redis":
			need(c.Quota.RedisURL != "", "quota.redis_url is required for the redis backend")
		default:
			problems = append(problems, "quota.backend must be store or redis")
		}
		if err := c.Quota.Engine().Validate(); err != nil {
			problems = append(problems, err.Error())
		}
	}

	switch mode {
	case "serve":
		needStore()
		needProviders()
		need(c.Server.Port > 0, "server.port must be > 0")
		need(c.Server.RequestTimeoutSecs > c.Capture.TimeoutSecs+c.Anthropic.TimeoutSecs,
			"server.request_timeout_secs must exceed capture.timeout_secs + anthropic.timeout_secs")
		need(c.Share.TTLHours > 0, "share.ttl_hours must be > 0")
		if _, err := c.Server.TrustedProxyPrefixes(); err != nil {
			problems = append(problems, "server.trusted_proxies: "+err.Error())
		}
		needQuota()
	case "evaluate":
		needProviders()
	case "migrate":
		needStore()
	case "grant":
		needStore()
		needQuota()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
