package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sells-group/adalign/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// Writes go through a single connection so counter upserts serialize.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS evaluations (
	id               TEXT PRIMARY KEY,
	platform         TEXT NOT NULL,
	ad_source_type   TEXT NOT NULL,
	landing_page_url TEXT NOT NULL,
	overall_score    INTEGER NOT NULL,
	component_scores TEXT,
	analysis         TEXT NOT NULL,
	used_ai          INTEGER NOT NULL DEFAULT 0,
	fallback_reason  TEXT NOT NULL DEFAULT '',
	requester_email  TEXT NOT NULL DEFAULT '',
	requester_ip     TEXT NOT NULL DEFAULT '',
	created_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_evaluations_created_at ON evaluations(created_at);

CREATE TABLE IF NOT EXISTS usage_counters (
	key             TEXT PRIMARY KEY,
	monthly_count   INTEGER NOT NULL DEFAULT 0 CHECK (monthly_count >= 0),
	period_label    TEXT NOT NULL,
	bonus_credits   INTEGER NOT NULL DEFAULT 0 CHECK (bonus_credits >= 0),
	last_updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS identities (
	email      TEXT PRIMARY KEY,
	tier       TEXT NOT NULL DEFAULT 'free',
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS shared_reports (
	token         TEXT PRIMARY KEY,
	evaluation_id TEXT NOT NULL,
	title         TEXT NOT NULL,
	payload       TEXT NOT NULL,
	expires_at    DATETIME NOT NULL,
	view_count    INTEGER NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_shared_reports_evaluation_id ON shared_reports(evaluation_id);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateEvaluation(ctx context.Context, ev *model.Evaluation) error {
	var scores sql.NullString
	if ev.ComponentScores != nil {
		b, err := json.Marshal(ev.ComponentScores)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal component scores")
		}
		scores = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO evaluations (id, platform, ad_source_type, landing_page_url, overall_score, component_scores, analysis, used_ai, fallback_reason, requester_email, requester_ip, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Platform.String(), string(ev.AdSourceType), ev.LandingPageURL, ev.OverallScore,
		scores, string(ev.Analysis), ev.UsedAI, ev.FallbackReason,
		ev.Requester.Email, ev.Requester.IP, ev.CreatedAt.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert evaluation %s", ev.ID)
	}
	return nil
}

func (s *SQLiteStore) GetEvaluation(ctx context.Context, id string) (*model.Evaluation, error) {
	var (
		ev         model.Evaluation
		platform   string
		sourceType string
		scores     sql.NullString
		analysis   string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, platform, ad_source_type, landing_page_url, overall_score, component_scores, analysis, used_ai, fallback_reason, requester_email, requester_ip, created_at FROM evaluations WHERE id = ?`,
		id,
	).Scan(
		&ev.ID, &platform, &sourceType, &ev.LandingPageURL, &ev.OverallScore,
		&scores, &analysis, &ev.UsedAI, &ev.FallbackReason,
		&ev.Requester.Email, &ev.Requester.IP, &ev.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get evaluation %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get evaluation %s", id)
	}

	ev.Platform = model.ParsePlatform(platform)
	ev.AdSourceType = model.SourceType(sourceType)
	ev.Analysis = json.RawMessage(analysis)
	if scores.Valid {
		ev.ComponentScores = &model.ComponentScores{}
		if err := json.Unmarshal([]byte(scores.String), ev.ComponentScores); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal component scores")
		}
	}
	return &ev, nil
}

func (s *SQLiteStore) GetCounter(ctx context.Context, key string) (*model.UsageCounter, error) {
	var c model.UsageCounter
	err := s.db.QueryRowContext(ctx,
		`SELECT key, monthly_count, period_label, bonus_credits, last_updated_at FROM usage_counters WHERE key = ?`,
		key,
	).Scan(&c.Key, &c.MonthlyCount, &c.PeriodLabel, &c.BonusCredits, &c.LastUpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get counter %s", key)
	}
	return &c, nil
}

// IncrementCounter mirrors the Postgres conditional upsert. The SELECT
// needs its own WHERE for SQLite to parse the trailing ON CONFLICT.
func (s *SQLiteStore) IncrementCounter(ctx context.Context, key, period string, baseLimit int, now time.Time) (IncrementResult, error) {
	res := IncrementResult{Counter: model.UsageCounter{Key: key, LastUpdatedAt: now}}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO usage_counters (key, monthly_count, period_label, bonus_credits, last_updated_at)
SELECT ?1, 1, ?2, 0, ?4 WHERE ?3 >= 1
ON CONFLICT (key) DO UPDATE SET
	monthly_count = CASE WHEN usage_counters.period_label = excluded.period_label THEN usage_counters.monthly_count + 1 ELSE 1 END,
	period_label = excluded.period_label,
	last_updated_at = excluded.last_updated_at
WHERE (CASE WHEN usage_counters.period_label = excluded.period_label THEN usage_counters.monthly_count ELSE 0 END) < ?3 + usage_counters.bonus_credits
RETURNING monthly_count, period_label, bonus_credits`,
		key, period, baseLimit, now.UTC(),
	).Scan(&res.Counter.MonthlyCount, &res.Counter.PeriodLabel, &res.Counter.BonusCredits)
	if errors.Is(err, sql.ErrNoRows) {
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
		return res, eris.Wrapf(err, "sqlite: increment counter %s", key)
	}
	res.Applied = true
	return res, nil
}

func (s *SQLiteStore) DecrementCounter(ctx context.Context, key, period string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE usage_counters SET monthly_count = monthly_count - 1, last_updated_at = ?
WHERE key = ? AND period_label = ? AND monthly_count > 0`,
		now.UTC(), key, period,
	)
	return eris.Wrapf(err, "sqlite: decrement counter %s", key)
}

func (s *SQLiteStore) AddBonus(ctx context.Context, key, period string, credits int, now time.Time) (*model.UsageCounter, error) {
	if credits <= 0 {
		return nil, eris.Errorf("sqlite: add bonus %s: credits must be positive, got %d", key, credits)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_counters (key, monthly_count, period_label, bonus_credits, last_updated_at) VALUES (?, 0, ?, ?, ?)
ON CONFLICT (key) DO UPDATE SET bonus_credits = usage_counters.bonus_credits + excluded.bonus_credits, last_updated_at = excluded.last_updated_at`,
		key, period, credits, now.UTC(),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: add bonus %s", key)
	}
	return s.GetCounter(ctx, key)
}

func (s *SQLiteStore) ResetCounter(ctx context.Context, key, period string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_counters (key, monthly_count, period_label, bonus_credits, last_updated_at) VALUES (?, 0, ?, 0, ?)
ON CONFLICT (key) DO UPDATE SET monthly_count = 0, period_label = excluded.period_label, last_updated_at = excluded.last_updated_at`,
		key, period, now.UTC(),
	)
	return eris.Wrapf(err, "sqlite: reset counter %s", key)
}

func (s *SQLiteStore) GetIdentity(ctx context.Context, email string) (*model.Identity, error) {
	var (
		id   model.Identity
		tier string
	)
	err := s.db.QueryRowContext(ctx, `SELECT email, tier FROM identities WHERE email = ?`, email).Scan(&id.Email, &tier)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get identity %s", email)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get identity %s", email)
	}
	id.Tier = model.ParseTier(tier)
	return &id, nil
}

func (s *SQLiteStore) UpsertIdentity(ctx context.Context, id model.Identity) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identities (email, tier, updated_at) VALUES (?, ?, ?)
ON CONFLICT (email) DO UPDATE SET tier = excluded.tier, updated_at = excluded.updated_at`,
		id.Email, string(id.Tier), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: upsert identity %s", id.Email)
}

func (s *SQLiteStore) CreateShare(ctx context.Context, r *model.SharedReport) error {
	payload, err := json.Marshal(r.SanitizedPayload)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal share payload")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO shared_reports (token, evaluation_id, title, payload, expires_at, view_count, created_at) VALUES (?, ?, ?, ?, ?, 0, ?)`,
		r.Token, r.EvaluationID, r.Title, string(payload), r.ExpiresAt.UTC(), r.CreatedAt.UTC(),
	)
	if isConstraintViolation(err) {
		return eris.Wrap(ErrTokenConflict, "sqlite: insert share")
	}
	if err != nil {
		return eris.Wrap(err, "sqlite: insert share")
	}
	return nil
}

func (s *SQLiteStore) GetShare(ctx context.Context, token string) (*model.SharedReport, error) {
	var (
		r       model.SharedReport
		payload string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT token, evaluation_id, title, payload, expires_at, view_count, created_at FROM shared_reports WHERE token = ?`,
		token,
	).Scan(&r.Token, &r.EvaluationID, &r.Title, &payload, &r.ExpiresAt, &r.ViewCount, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "sqlite: get share")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get share")
	}
	if err := json.Unmarshal([]byte(payload), &r.SanitizedPayload); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal share payload")
	}
	r.Persisted = true
	return &r, nil
}

func (s *SQLiteStore) IncrementShareViews(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE shared_reports SET view_count = view_count + 1 WHERE token = ?`, token)
	if err != nil {
		return eris.Wrap(err, "sqlite: increment share views")
	}
	return checkRowsAffected(res, "share", token)
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: %s %s", entity, id)
	}
	return nil
}

func isConstraintViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}
