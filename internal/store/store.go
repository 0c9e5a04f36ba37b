package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/adalign/internal/model"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrTokenConflict is returned when a share token is already taken.
	ErrTokenConflict = eris.New("store: share token conflict")
)

// IncrementResult is the outcome of a conditional counter increment.
type IncrementResult struct {
	Counter model.UsageCounter
	// Applied is false when the increment would have exceeded the limit and
	// the row was left untouched.
	Applied bool
}

// Store defines the persistence interface for evaluations, usage counters,
// identities and shared reports.
type Store interface {
	// Evaluations
	CreateEvaluation(ctx context.Context, ev *model.Evaluation) error
	GetEvaluation(ctx context.Context, id string) (*model.Evaluation, error)

	// Usage counters. GetCounter returns nil without error for unknown keys.
	GetCounter(ctx context.Context, key string) (*model.UsageCounter, error)
	// IncrementCounter atomically adds one use to key for period, resetting a
	// counter written in an earlier period. The write only happens while the
	// effective count is below baseLimit plus the row's bonus credits.
	IncrementCounter(ctx context.Context, key, period string, baseLimit int, now time.Time) (IncrementResult, error)
	// DecrementCounter gives back one use taken in period. It never drops
	// the count below zero and ignores counters from another period.
	DecrementCounter(ctx context.Context, key, period string, now time.Time) error
	AddBonus(ctx context.Context, key, period string, credits int, now time.Time) (*model.UsageCounter, error)
	ResetCounter(ctx context.Context, key, period string, now time.Time) error

	// Identities
	GetIdentity(ctx context.Context, email string) (*model.Identity, error)
	UpsertIdentity(ctx context.Context, id model.Identity) error

	// Shared reports
	CreateShare(ctx context.Context, r *model.SharedReport) error
	GetShare(ctx context.Context, token string) (*model.SharedReport, error)
	IncrementShareViews(ctx context.Context, token string) error

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
