package model

import (
	"strings"
	"time"
)

// Tier is an identity's subscription level. Tiers are totally ordered.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierAgency     Tier = "agency"
	TierEnterprise Tier = "enterprise"
)

// Tiers returns all tiers in ascending order.
func Tiers() []Tier {
	return []Tier{TierFree, TierPro, TierAgency, TierEnterprise}
}

// ParseTier maps a stored tier name onto the enum, defaulting to free.
func ParseTier(s string) Tier {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Tiers() {
		if t == known {
			return t
		}
	}
	return TierFree
}

// Rank orders tiers; higher is more generous.
func (t Tier) Rank() int {
	for i, known := range Tiers() {
		if t == known {
			return i
		}
	}
	return 0
}

// UsageCounter is a monthly evaluation counter keyed by identity or IP.
type UsageCounter struct {
	Key           string    `json:"key"`
	MonthlyCount  int       `json:"monthlyCount"`
	PeriodLabel   string    `json:"periodLabel"`
	BonusCredits  int       `json:"bonusCredits"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
}

// EffectiveCount is the count used for allow/deny decisions in period. A
// counter last written in another period counts as zero until its next write.
func (c *UsageCounter) EffectiveCount(period string) int {
	if c == nil || c.PeriodLabel != period {
		return 0
	}
	return c.MonthlyCount
}

// Bonus returns the bonus credits, tolerating a nil counter.
func (c *UsageCounter) Bonus() int {
	if c == nil {
		return 0
	}
	return c.BonusCredits
}

// Counter key prefixes keep the identity and IP axes in separate namespaces.
const (
	IdentityKeyPrefix = "user:"
	IPKeyPrefix       = "ip:"
)

// IdentityKey returns the counter key for an identity email.
func IdentityKey(email string) string {
	return IdentityKeyPrefix + strings.ToLower(strings.TrimSpace(email))
}

// IPKey returns the counter key for an anonymous IP address.
func IPKey(ip string) string {
	return IPKeyPrefix + strings.TrimSpace(ip)
}
