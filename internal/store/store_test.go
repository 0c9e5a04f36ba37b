package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/adalign/internal/model"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

var (
	march = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	april = time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
)

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateAndGetEvaluation", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		ev := &model.Evaluation{
			ID:              "eval-1",
			Platform:        model.PlatformTikTok,
			AdSourceType:    model.SourcePreview,
			LandingPageURL:  "https://shop.example.com",
			OverallScore:    7,
			ComponentScores: &model.ComponentScores{VisualMatch: 8, ContextualMatch: 6, ToneAlignment: 7},
			Analysis:        json.RawMessage(`{"mode":"alignment","overallScore":7}`),
			UsedAI:          true,
			Requester:       model.Requester{Email: "ana@example.com"},
			CreatedAt:       march,
		}
		require.NoError(t, s.CreateEvaluation(ctx, ev))

		got, err := s.GetEvaluation(ctx, "eval-1")
		require.NoError(t, err)
		assert.Equal(t, model.PlatformTikTok, got.Platform)
		assert.Equal(t, model.SourcePreview, got.AdSourceType)
		assert.Equal(t, 7, got.OverallScore)
		require.NotNil(t, got.ComponentScores)
		assert.Equal(t, 6, got.ComponentScores.ContextualMatch)
		assert.JSONEq(t, `{"mode":"alignment","overallScore":7}`, string(got.Analysis))
		assert.True(t, got.UsedAI)
		assert.Equal(t, "ana@example.com", got.Requester.Email)
		assert.True(t, march.Equal(got.CreatedAt))
	})

	t.Run("GetEvaluation_NotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetEvaluation(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("FallbackEvaluationWithoutScores", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.CreateEvaluation(ctx, &model.Evaluation{
			ID:             "eval-2",
			Platform:       model.PlatformGeneric,
			AdSourceType:   model.SourceUpload,
			LandingPageURL: "https://example.org",
			OverallScore:   6,
			Analysis:       json.RawMessage(`{"mode":"persuasion"}`),
			FallbackReason: "timeout",
			Requester:      model.Requester{IP: "203.0.113.7"},
			CreatedAt:      march,
		}))

		got, err := s.GetEvaluation(ctx, "eval-2")
		require.NoError(t, err)
		assert.Nil(t, got.ComponentScores)
		assert.False(t, got.UsedAI)
		assert.Equal(t, "timeout", got.FallbackReason)
		assert.Equal(t, "203.0.113.7", got.Requester.IP)
	})

	t.Run("IncrementCounter_UpToLimit", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := model.IdentityKey("ana@example.com")

		c, err := s.GetCounter(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, c)

		for i := 1; i <= 3; i++ {
			res, err := s.IncrementCounter(ctx, key, "2026-03", 3, march)
			require.NoError(t, err)
			assert.True(t, res.Applied)
			assert.Equal(t, i, res.Counter.MonthlyCount)
		}

		res, err := s.IncrementCounter(ctx, key, "2026-03", 3, march)
		require.NoError(t, err)
		assert.False(t, res.Applied)
		assert.Equal(t, 3, res.Counter.MonthlyCount)
	})

	t.Run("IncrementCounter_ZeroLimit", func(t *testing.T) {
		s := newStore(t)
		res, err := s.IncrementCounter(context.Background(), "ip:198.51.100.1", "2026-03", 0, march)
		require.NoError(t, err)
		assert.False(t, res.Applied)
	})

	t.Run("IncrementCounter_LazyRollover", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := model.IPKey("198.51.100.2")

		for i := 0; i < 3; i++ {
			_, err := s.IncrementCounter(ctx, key, "2026-03", 3, march)
			require.NoError(t, err)
		}

		// The stale row keeps its March count until the first April write.
		stale, err := s.GetCounter(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, 3, stale.MonthlyCount)
		assert.Equal(t, "2026-03", stale.PeriodLabel)
		assert.Equal(t, 0, stale.EffectiveCount("2026-04"))

		res, err := s.IncrementCounter(ctx, key, "2026-04", 3, april)
		require.NoError(t, err)
		assert.True(t, res.Applied)
		assert.Equal(t, 1, res.Counter.MonthlyCount)
		assert.Equal(t, "2026-04", res.Counter.PeriodLabel)
	})

	t.Run("BonusRaisesCeiling", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := model.IdentityKey("bo@example.com")

		c, err := s.AddBonus(ctx, key, "2026-03", 2, march)
		require.NoError(t, err)
		assert.Equal(t, 2, c.BonusCredits)
		assert.Equal(t, 0, c.MonthlyCount)

		applied := 0
		for i := 0; i < 5; i++ {
			res, err := s.IncrementCounter(ctx, key, "2026-03", 1, march)
			require.NoError(t, err)
			if res.Applied {
				applied++
			}
		}
		assert.Equal(t, 3, applied)

		c, err = s.AddBonus(ctx, key, "2026-03", 1, march)
		require.NoError(t, err)
		assert.Equal(t, 3, c.BonusCredits)
		assert.Equal(t, 3, c.MonthlyCount)

		_, err = s.AddBonus(ctx, key, "2026-03", 0, march)
		assert.Error(t, err)
	})

	t.Run("DecrementCounter", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := model.IdentityKey("di@example.com")

		for i := 0; i < 2; i++ {
			_, err := s.IncrementCounter(ctx, key, "2026-03", 3, march)
			require.NoError(t, err)
		}
		require.NoError(t, s.DecrementCounter(ctx, key, "2026-03", march))
		c, err := s.GetCounter(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, 1, c.MonthlyCount)

		// Another period's counter is left alone.
		require.NoError(t, s.DecrementCounter(ctx, key, "2026-02", march))
		c, err = s.GetCounter(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, 1, c.MonthlyCount)

		for i := 0; i < 3; i++ {
			require.NoError(t, s.DecrementCounter(ctx, key, "2026-03", march))
		}
		c, err = s.GetCounter(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, 0, c.MonthlyCount)

		require.NoError(t, s.DecrementCounter(ctx, "user:nobody@example.com", "2026-03", march))
		c, err = s.GetCounter(ctx, "user:nobody@example.com")
		require.NoError(t, err)
		assert.Nil(t, c)
	})

	t.Run("ResetCounter", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := model.IdentityKey("cy@example.com")

		_, err := s.AddBonus(ctx, key, "2026-03", 4, march)
		require.NoError(t, err)
		_, err = s.IncrementCounter(ctx, key, "2026-03", 3, march)
		require.NoError(t, err)

		require.NoError(t, s.ResetCounter(ctx, key, "2026-03", march))
		c, err := s.GetCounter(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, 0, c.MonthlyCount)
		assert.Equal(t, 4, c.BonusCredits)

		require.NoError(t, s.ResetCounter(ctx, "user:new@example.com", "2026-03", march))
		c, err = s.GetCounter(ctx, "user:new@example.com")
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Equal(t, 0, c.MonthlyCount)
	})

	t.Run("Identities", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.GetIdentity(ctx, "di@example.com")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.UpsertIdentity(ctx, model.Identity{Email: "di@example.com", Tier: model.TierPro}))
		id, err := s.GetIdentity(ctx, "di@example.com")
		require.NoError(t, err)
		assert.Equal(t, model.TierPro, id.Tier)

		require.NoError(t, s.UpsertIdentity(ctx, model.Identity{Email: "di@example.com", Tier: model.TierAgency}))
		id, err = s.GetIdentity(ctx, "di@example.com")
		require.NoError(t, err)
		assert.Equal(t, model.TierAgency, id.Tier)
	})

	t.Run("Shares", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		r := &model.SharedReport{
			Token:            "tok-1",
			EvaluationID:     "eval-1",
			Title:            "TikTok ad alignment report",
			SanitizedPayload: map[string]any{"overallScore": float64(7)},
			ExpiresAt:        april,
			CreatedAt:        march,
		}
		require.NoError(t, s.CreateShare(ctx, r))

		dup := *r
		err := s.CreateShare(ctx, &dup)
		assert.ErrorIs(t, err, ErrTokenConflict)

		got, err := s.GetShare(ctx, "tok-1")
		require.NoError(t, err)
		assert.Equal(t, "eval-1", got.EvaluationID)
		assert.Equal(t, float64(7), got.SanitizedPayload["overallScore"])
		assert.True(t, april.Equal(got.ExpiresAt))
		assert.True(t, got.Persisted)
		assert.Equal(t, 0, got.ViewCount)

		require.NoError(t, s.IncrementShareViews(ctx, "tok-1"))
		require.NoError(t, s.IncrementShareViews(ctx, "tok-1"))
		got, err = s.GetShare(ctx, "tok-1")
		require.NoError(t, err)
		assert.Equal(t, 2, got.ViewCount)

		_, err = s.GetShare(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.IncrementShareViews(ctx, "nope"), ErrNotFound)
	})

	t.Run("Ping", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Ping(context.Background()))
	})
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}
