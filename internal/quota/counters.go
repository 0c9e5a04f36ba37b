package quota

import (
	"context"
	"time"

	"github.com/sells-group/adalign/internal/model"
	"github.com/sells-group/adalign/internal/store"
)

// Counters is the atomic counter primitive the engine writes through. None of
// the mutating methods read-then-write from Go.
type Counters interface {
	Get(ctx context.Context, key string) (*model.UsageCounter, error)
	Increment(ctx context.Context, key, period string, baseLimit int, now time.Time) (store.IncrementResult, error)
	Decrement(ctx context.Context, key, period string, now time.Time) error
	AddBonus(ctx context.Context, key, period string, credits int, now time.Time) (*model.UsageCounter, error)
	Reset(ctx context.Context, key, period string, now time.Time) error
}

// Identities resolves an email to its tier.
type Identities interface {
	GetIdentity(ctx context.Context, email string) (*model.Identity, error)
}

// StoreCounters keeps counters in the relational store.
type StoreCounters struct {
	st store.Store
}

// NewStoreCounters wraps st.
func NewStoreCounters(st store.Store) *StoreCounters {
	return &StoreCounters{st: st}
}

func (c *StoreCounters) Get(ctx context.Context, key string) (*model.UsageCounter, error) {
	return c.st.GetCounter(ctx, key)
}

func (c *StoreCounters) Increment(ctx context.Context, key, period string, baseLimit int, now time.Time) (store.IncrementResult, error) {
	return c.st.IncrementCounter(ctx, key, period, baseLimit, now)
}

func (c *StoreCounters) Decrement(ctx context.Context, key, period string, now time.Time) error {
	return c.st.DecrementCounter(ctx, key, period, now)
}

func (c *StoreCounters) AddBonus(ctx context.Context, key, period string, credits int, now time.Time) (*model.UsageCounter, error) {
	return c.st.AddBonus(ctx, key, period, credits, now)
}

func (c *StoreCounters) Reset(ctx context.Context, key, period string, now time.Time) error {
	return c.st.ResetCounter(ctx, key, period, now)
}
