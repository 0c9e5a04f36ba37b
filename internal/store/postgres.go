package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/adalign/internal/db"
	"github.com/sells-group/adalign/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	insertEvaluationSQL = `INSERT INTO evaluations (id, platform, ad_source_type, landing_page_url, overall_score, component_scores, analysis, used_ai, fallback_reason, requester_email, requester_ip, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	getEvaluationSQL    = `SELECT id, platform, ad_source_type, landing_page_url, overall_score, component_scores, analysis, used_ai, fallback_reason, requester_email, requester_ip, created_at FROM evaluations WHERE id = $1`

	// incrementCounterSQL inserts a fresh counter or bumps an existing one.
	// A row from an earlier period restarts at 1. The DO UPDATE ... WHERE
	// clause is evaluated under the row lock, so concurrent increments for
	// the same key can never push the count past the limit.
	incrementCounterSQL = `INSERT INTO usage_counters (key, monthly_count, period_label, bonus_credits, last_updated_at)
SELECT $1, 1, $2, 0, $4 WHERE $3::int >= 1
ON CONFLICT (key) DO UPDATE SET
	monthly_count = CASE WHEN usage_counters.period_label = EXCLUDED.period_label THEN usage_counters.monthly_count + 1 ELSE 1 END,
	period_label = EXCLUDED.period_label,
	last_updated_at = EXCLUDED.last_updated_at
WHERE (CASE WHEN usage_counters.period_label = EXCLUDED.period_label THEN usage_counters.monthly_count ELSE 0 END) < $3::int + usage_counters.bonus_credits
RETURNING monthly_count, period_label, bonus_credits`

	decrementCounterSQL = `UPDATE usage_counters SET monthly_count = monthly_count - 1, last_updated_at = $3
WHERE key = $1 AND period_label = $2 AND monthly_count > 0`

	getCounterSQL = `SELECT key, monthly_count, period_label, bonus_credits, last_updated_at FROM usage_counters WHERE key = $1`
	addBonusSQL   = `INSERT INTO usage_counters (key, monthly_count, period_label, bonus_credits, last_updated_at) VALUES ($1, 0, $2, $3, $4)
ON CONFLICT (key) DO UPDATE SET bonus_credits = usage_counters.bonus_credits + EXCLUDED.bonus_credits, last_updated_at = EXCLUDED.last_updated_at
RETURNING key, monthly_count, period_label, bonus_credits, last_updated_at`
	resetCounterSQL = `INSERT INTO usage_counters (key, monthly_count, period_label, bonus_credits, last_updated_at) VALUES ($1, 0, $2, 0, $3)
ON CONFLICT (key) DO UPDATE SET monthly_count = 0, period_label = EXCLUDED.period_label, last_updated_at = EXCLUDED.last_updated_at`

	getIdentitySQL    = `SELECT email, tier FROM identities WHERE email = $1`
	upsertIdentitySQL = `INSERT INTO identities (email, tier, updated_at) VALUES ($1, $2, $3)
ON CONFLICT (email) DO UPDATE SET tier = EXCLUDED.tier, updated_at = EXCLUDED.updated_at`

	insertShareSQL    = `INSERT INTO shared_reports (token, evaluation_id, title, payload, expires_at, view_count, created_at) VALUES ($1, $2, $3, $4, $5, 0, $6)`
	getShareSQL       = `SELECT token, evaluation_id, title, payload, expires_at, view_count, created_at FROM shared_reports WHERE token = $1`
	incrementViewsSQL = `UPDATE shared_reports SET view_count = view_count + 1 WHERE token = $1`
)

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS evaluations (
	id               TEXT PRIMARY KEY,
	platform         TEXT NOT NULL,
	ad_source_type   TEXT NOT NULL,
	landing_page_url TEXT NOT NULL,
	overall_score    INTEGER NOT NULL,
	component_scores JSONB,
	analysis         JSONB NOT NULL,
	used_ai          BOOLEAN NOT NULL DEFAULT false,
	fallback_reason  TEXT NOT NULL DEFAULT '',
	requester_email  TEXT NOT NULL DEFAULT '',
	requester_ip     TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_evaluations_created_at ON evaluations(created_at);
CREATE INDEX IF NOT EXISTS idx_evaluations_requester_email ON evaluations(requester_email);

CREATE TABLE IF NOT EXISTS usage_counters (
	key             TEXT PRIMARY KEY,
	monthly_count   INTEGER NOT NULL DEFAULT 0 CHECK (monthly_count >= 0),
	period_label    TEXT NOT NULL,
	bonus_credits   INTEGER NOT NULL DEFAULT 0 CHECK (bonus_credits >= 0),
	last_updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS identities (
	email      TEXT PRIMARY KEY,
	tier       TEXT NOT NULL DEFAULT 'free',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS shared_reports (
	token         TEXT PRIMARY KEY,
	evaluation_id TEXT NOT NULL,
	title         TEXT NOT NULL,
	payload       JSONB NOT NULL,
	expires_at    TIMESTAMPTZ NOT NULL,
	view_count    INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_shared_reports_evaluation_id ON shared_reports(evaluation_id);
`

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateEvaluation(ctx context.Context, ev *model.Evaluation) error {
	var scoresJSON []byte
	if ev.ComponentScores != nil {
		b, err := json.Marshal(ev.ComponentScores)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal component scores")
		}
		scoresJSON = b
	}

	_, err := s.pool.Exec(ctx, insertEvaluationSQL,
		ev.ID, ev.Platform.String(), string(ev.AdSourceType), ev.LandingPageURL, ev.OverallScore,
		scoresJSON, []byte(ev.Analysis), ev.UsedAI, ev.FallbackReason,
		ev.Requester.Email, ev.Requester.IP, ev.CreatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert evaluation %s", ev.ID)
	}
	return nil
}

func (s *PostgresStore) GetEvaluation(ctx context.Context, id string) (*model.Evaluation, error) {
	var (
		ev         model.Evaluation
		platform   string
		sourceType string
		scoresJSON []byte
		analysis   []byte
	)
	err := s.pool.QueryRow(ctx, getEvaluationSQL, id).Scan(
		&ev.ID, &platform, &sourceType, &ev.LandingPageURL, &ev.OverallScore,
		&scoresJSON, &analysis, &ev.UsedAI, &ev.FallbackReason,
		&ev.Requester.Email, &ev.Requester.IP, &ev.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get evaluation %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get evaluation %s", id)
	}

	ev.Platform = model.ParsePlatform(platform)
	ev.AdSourceType = model.SourceType(sourceType)
	ev.Analysis = json.RawMessage(analysis)
	if len(scoresJSON) > 0 {
		ev.ComponentScores = &model.ComponentScores{}
		if err := json.Unmarshal(scoresJSON, ev.ComponentScores); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal component scores")
		}
	}
	return &ev, nil
}

func (s *PostgresStore) GetCounter(ctx context.Context, key string) (*model.UsageCounter, error) {
	var c model.UsageCounter
	err := s.pool.QueryRow(ctx, getCounterSQL, key).
		Scan(&c.Key, &c.MonthlyCount, &c.PeriodLabel, &c.BonusCredits, &c.LastUpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get counter %s", key)
	}
	return &c, nil
}

func (s *PostgresStore) IncrementCounter(ctx context.Context, key, period string, baseLimit int, now time.Time) (IncrementResult, error) {
	res := IncrementResult{Counter: model.UsageCounter{Key: key, LastUpdatedAt: now}}
	err := s.pool.QueryRow(ctx, incrementCounterSQL, key, period, baseLimit, now).
		Scan(&res.Counter.MonthlyCount, &res.Counter.PeriodLabel, &res.Counter.BonusCredits)
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := s.GetCounter(ctx, key)
		if gerr != nil {
			return res, gerr
		}
		if cur != nil {
			res.Counter = *cur
		}
		return res, nil
	}
	if err != nil {
		return res, eris.Wrapf(err, "postgres: increment counter %s", key)
	}
	res.Applied = true
	return res, nil
}

func (s *PostgresStore) AddBonus(ctx context.Context, key, period string, credits int, now time.Time) (*model.UsageCounter, error) {
	if credits <= 0 {
		return nil, eris.Errorf("postgres: add bonus %s: credits must be positive, got %d", key, credits)
	}
	var c model.UsageCounter
	err := s.pool.QueryRow(ctx, addBonusSQL, key, period, credits, now).
		Scan(&c.Key, &c.MonthlyCount, &c.PeriodLabel, &c.BonusCredits, &c.LastUpdatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: add bonus %s", key)
	}
	return &c, nil
}

func (s *PostgresStore) DecrementCounter(ctx context.Context, key, period string, now time.Time) error {
	_, err := s.pool.Exec(ctx, decrementCounterSQL, key, period, now)
	return eris.Wrapf(err, "postgres: decrement counter %s", key)
}

func (s *PostgresStore) ResetCounter(ctx context.Context, key, period string, now time.Time) error {
	_, err := s.pool.Exec(ctx, resetCounterSQL, key, period, now)
	return eris.Wrapf(err, "postgres: reset counter %s", key)
}

func (s *PostgresStore) GetIdentity(ctx context.Context, email string) (*model.Identity, error) {
	var (
		id   model.Identity
		tier string
	)
	err := s.pool.QueryRow(ctx, getIdentitySQL, email).Scan(&id.Email, &tier)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get identity %s", email)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get identity %s", email)
	}
	id.Tier = model.ParseTier(tier)
	return &id, nil
}

func (s *PostgresStore) UpsertIdentity(ctx context.Context, id model.Identity) error {
	_, err := s.pool.Exec(ctx, upsertIdentitySQL, id.Email, string(id.Tier), time.Now().UTC())
	return eris.Wrapf(err, "postgres: upsert identity %s", id.Email)
}

func (s *PostgresStore) CreateShare(ctx context.Context, r *model.SharedReport) error {
	payload, err := json.Marshal(r.SanitizedPayload)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal share payload")
	}
	_, err = s.pool.Exec(ctx, insertShareSQL, r.Token, r.EvaluationID, r.Title, payload, r.ExpiresAt, r.CreatedAt)
	if db.IsUniqueViolation(err) {
		return eris.Wrap(ErrTokenConflict, "postgres: insert share")
	}
	if err != nil {
		return eris.Wrap(err, "postgres: insert share")
	}
	return nil
}

func (s *PostgresStore) GetShare(ctx context.Context, token string) (*model.SharedReport, error) {
	var (
		r       model.SharedReport
		payload []byte
	)
	err := s.pool.QueryRow(ctx, getShareSQL, token).
		Scan(&r.Token, &r.EvaluationID, &r.Title, &payload, &r.ExpiresAt, &r.ViewCount, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "postgres: get share")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get share")
	}
	if err := json.Unmarshal(payload, &r.SanitizedPayload); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal share payload")
	}
	r.Persisted = true
	return &r, nil
}

func (s *PostgresStore) IncrementShareViews(ctx context.Context, token string) error {
	tag, err := s.pool.Exec(ctx, incrementViewsSQL, token)
	if err != nil {
		return eris.Wrap(err, "postgres: increment share views")
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrap(ErrNotFound, "postgres: increment share views")
	}
	return nil
}
