// Package quota enforces monthly evaluation allowances. Authenticated
// identities are limited by tier plus bonus credits; anonymous callers by a
// flat per-IP allowance. Counters roll over lazily: a counter last written in
// an earlier month counts as zero until its next write.
package quota

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/adalign/internal/model"
)

// ErrLimitReached is the root of every quota denial.
var ErrLimitReached = eris.New("quota: limit reached")

// Axis names which policy governs a subject.
type Axis string

const (
	AxisIdentity Axis = "identity"
	AxisIP       Axis = "ip"
)

// Subject is whoever is spending quota.
type Subject struct {
	Email string
	IP    string
}

// SubjectFor builds the subject of a requester.
func SubjectFor(r model.Requester) Subject {
	return Subject{Email: strings.ToLower(strings.TrimSpace(r.Email)), IP: strings.TrimSpace(r.IP)}
}

// Axis reports which policy applies: identity when an email is present.
func (s Subject) Axis() Axis {
	if s.Email != "" {
		return AxisIdentity
	}
	return AxisIP
}

// Key is the counter key for the subject.
func (s Subject) Key() string {
	if s.Axis() == AxisIdentity {
		return model.IdentityKey(s.Email)
	}
	return model.IPKey(s.IP)
}

// Decision is the allow/deny verdict plus what the caller needs to explain it.
type Decision struct {
	Allowed   bool       `json:"canEvaluate"`
	Used      int        `json:"used"`
	Limit     int        `json:"limit"`
	Remaining int        `json:"remaining"`
	NextReset time.Time  `json:"nextReset"`
	Period    string     `json:"period"`
	Axis      Axis       `json:"axis"`
	Tier      model.Tier `json:"tier,omitempty"`
}

// DeniedError reports an exhausted quota.
type DeniedError struct {
	Decision Decision
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("quota: limit reached: %d of %d used, resets %s",
		e.Decision.Used, e.Decision.Limit, e.Decision.NextReset.Format(time.RFC3339))
}

func (e *DeniedError) Unwrap() error { return ErrLimitReached }

// Reservation is a unit taken by Check, awaiting Commit once the result is
// delivered or Release if the run is abandoned first.
type Reservation struct {
	Subject   Subject
	Key       string
	Period    string
	BaseLimit int
	Decision  Decision
	// FailOpen is set when the counter store could not be written and the
	// request was let through anyway. Nothing was taken.
	FailOpen bool
}

// Config holds the allowances.
type Config struct {
	Tiers            map[model.Tier]int `yaml:"tiers" mapstructure:"tiers"`
	AnonymousMonthly int                `yaml:"anonymous_monthly" mapstructure:"anonymous_monthly"`
}

// DefaultConfig returns the standard allowances.
func DefaultConfig() Config {
	return Config{
		Tiers: map[model.Tier]int{
			model.TierFree:       3,
			model.TierPro:        50,
			model.TierAgency:     250,
			model.TierEnterprise: 1000,
		},
		AnonymousMonthly: 3,
	}
}

// Validate checks that every tier has an allowance and that allowances grow
// strictly with the tier order.
func (c Config) Validate() error {
	prev := -1
	for _, t := range model.Tiers() {
		n, ok := c.Tiers[t]
		if !ok {
			return eris.Errorf("quota: tier %q has no allowance", t)
		}
		if n <= prev {
			return eris.Errorf("quota: tier %q allowance %d must exceed the tier below (%d)", t, n, prev)
		}
		prev = n
	}
	if c.AnonymousMonthly < 0 {
		return eris.Errorf("quota: anonymous allowance must not be negative, got %d", c.AnonymousMonthly)
	}
	return nil
}

// TierAllowance returns the base monthly allowance of tier.
func (c Config) TierAllowance(t model.Tier) int {
	return c.Tiers[t]
}

// PeriodLabel is the UTC calendar month of t as YYYY-MM.
func PeriodLabel(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// NextReset is 00:00 UTC on the first day of the month after t.
func NextReset(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}

// without returns d as it stands with n fewer uses counted.
func (d Decision) without(n int) Decision {
	used := d.Used - n
	if used < 0 {
		used = 0
	}
	out := decide(used, d.Limit, time.Time{})
	out.NextReset, out.Period = d.NextReset, d.Period
	out.Axis, out.Tier = d.Axis, d.Tier
	return out
}

func decide(used, limit int, now time.Time) Decision {
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   used < limit,
		Used:      used,
		Limit:     limit,
		Remaining: remaining,
		NextReset: NextReset(now),
		Period:    PeriodLabel(now),
	}
}
