package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/adalign/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS usage_counters`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateEvaluation(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`INSERT INTO evaluations`).
		WithArgs("eval-1", "meta", "Url", "https://shop.example.com", 7,
			pgxmock.AnyArg(), pgxmock.AnyArg(), true, "", "ana@example.com", "", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.CreateEvaluation(context.Background(), &model.Evaluation{
		ID:              "eval-1",
		Platform:        model.PlatformMeta,
		AdSourceType:    model.SourceURL,
		LandingPageURL:  "https://shop.example.com",
		OverallScore:    7,
		ComponentScores: &model.ComponentScores{VisualMatch: 7, ContextualMatch: 7, ToneAlignment: 7},
		Analysis:        json.RawMessage(`{}`),
		UsedAI:          true,
		Requester:       model.Requester{Email: "ana@example.com"},
		CreatedAt:       now,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetEvaluation(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	rows := pgxmock.NewRows([]string{
		"id", "platform", "ad_source_type", "landing_page_url", "overall_score", "component_scores",
		"analysis", "used_ai", "fallback_reason", "requester_email", "requester_ip", "created_at",
	}).AddRow("eval-1", "youtube", "Preview", "https://x.example.com", 6,
		[]byte(`{"visualMatch":5,"contextualMatch":6,"toneAlignment":7}`),
		[]byte(`{"mode":"alignment"}`), false, "timeout", "", "203.0.113.9", now)

	mock.ExpectQuery(`SELECT .+ FROM evaluations WHERE id = \$1`).
		WithArgs("eval-1").
		WillReturnRows(rows)

	ev, err := s.GetEvaluation(context.Background(), "eval-1")
	require.NoError(t, err)
	assert.Equal(t, model.PlatformYouTube, ev.Platform)
	assert.Equal(t, model.SourcePreview, ev.AdSourceType)
	require.NotNil(t, ev.ComponentScores)
	assert.Equal(t, 7, ev.ComponentScores.ToneAlignment)
	assert.Equal(t, "timeout", ev.FallbackReason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetEvaluation_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM evaluations WHERE id = \$1`).
		WithArgs("nonexistent").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetEvaluation(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_IncrementCounter_Applied(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`INSERT INTO usage_counters .+ ON CONFLICT \(key\) DO UPDATE .+ WHERE .+ RETURNING`).
		WithArgs("user:ana@example.com", "2026-03", 3, now).
		WillReturnRows(pgxmock.NewRows([]string{"monthly_count", "period_label", "bonus_credits"}).AddRow(2, "2026-03", 0))

	res, err := s.IncrementCounter(context.Background(), "user:ana@example.com", "2026-03", 3, now)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, 2, res.Counter.MonthlyCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_IncrementCounter_Refused(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`INSERT INTO usage_counters`).
		WithArgs("ip:203.0.113.1", "2026-03", 3, now).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT key, monthly_count, period_label, bonus_credits, last_updated_at FROM usage_counters`).
		WithArgs("ip:203.0.113.1").
		WillReturnRows(pgxmock.NewRows([]string{"key", "monthly_count", "period_label", "bonus_credits", "last_updated_at"}).
			AddRow("ip:203.0.113.1", 3, "2026-03", 0, now))

	res, err := s.IncrementCounter(context.Background(), "ip:203.0.113.1", "2026-03", 3, now)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, 3, res.Counter.MonthlyCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetCounter_Missing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM usage_counters WHERE key = \$1`).
		WithArgs("user:none@example.com").
		WillReturnError(pgx.ErrNoRows)

	c, err := s.GetCounter(context.Background(), "user:none@example.com")
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResetCounter(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`ON CONFLICT \(key\) DO UPDATE SET monthly_count = 0`).
		WithArgs("user:ana@example.com", "2026-03", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.ResetCounter(context.Background(), "user:ana@example.com", "2026-03", now))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DecrementCounter(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`SET monthly_count = monthly_count - 1`).
		WithArgs("ip:203.0.113.9", "2026-03", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`SET monthly_count = monthly_count - 1`).
		WithArgs("ip:203.0.113.9", "2026-03", now).
		WillReturnError(errors.New("connection reset"))

	ctx := context.Background()
	require.NoError(t, s.DecrementCounter(ctx, "ip:203.0.113.9", "2026-03", now))
	err := s.DecrementCounter(ctx, "ip:203.0.113.9", "2026-03", now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: decrement counter")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateShare_Conflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`INSERT INTO shared_reports`).
		WithArgs("tok", "eval-1", "Report", pgxmock.AnyArg(), now.Add(time.Hour), now).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err := s.CreateShare(context.Background(), &model.SharedReport{
		Token:            "tok",
		EvaluationID:     "eval-1",
		Title:            "Report",
		SanitizedPayload: map[string]any{},
		ExpiresAt:        now.Add(time.Hour),
		CreatedAt:        now,
	})
	assert.ErrorIs(t, err, ErrTokenConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetShare(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`FROM shared_reports WHERE token = \$1`).
		WithArgs("tok").
		WillReturnRows(pgxmock.NewRows([]string{"token", "evaluation_id", "title", "payload", "expires_at", "view_count", "created_at"}).
			AddRow("tok", "eval-1", "Report", []byte(`{"overallScore":8}`), now, 4, now))

	r, err := s.GetShare(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, 4, r.ViewCount)
	assert.Equal(t, float64(8), r.SanitizedPayload["overallScore"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_IncrementShareViews_Missing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE shared_reports SET view_count = view_count \+ 1`).
		WithArgs("gone").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.IncrementShareViews(context.Background(), "gone")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetIdentity_DBError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT email, tier FROM identities`).
		WithArgs("ana@example.com").
		WillReturnError(errors.New("connection reset"))

	_, err := s.GetIdentity(context.Background(), "ana@example.com")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "get identity")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Ping(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectPing()
	require.NoError(t, s.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
