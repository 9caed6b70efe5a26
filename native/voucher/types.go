package voucher

import "math/big"

// Category identifies one instant-reward category.
type Category string

const (
	CategoryTask      Category = "task"
	CategoryMilestone Category = "milestone"
	CategoryCheckin   Category = "checkin"
	CategoryReferral  Category = "referral"
	CategoryPromo     Category = "promo"
)

// StreakBonusDenominator is the fixed denominator for the consecutive
// check-in bonus multiplier.
const StreakBonusDenominator = 10000

// LimitPolicy selects how a claim that would exceed the daily cap is
// handled. The policy is fixed per category; the two behaviours are
// deliberately distinct and never mixed within one category.
type LimitPolicy uint8

const (
	// LimitPolicyReject fails the claim outright with ErrDailyLimitExceeded.
	LimitPolicyReject LimitPolicy = iota
	// LimitPolicyClamp grants the remaining allowance instead. A claim with
	// no allowance left still fails; a zero grant is not a claim.
	LimitPolicyClamp
)

func (p LimitPolicy) String() string {
	switch p {
	case LimitPolicyReject:
		return "reject"
	case LimitPolicyClamp:
		return "clamp"
	default:
		return "unknown"
	}
}

// CategoryConfig is one administrative configuration row, read by the claim
// engine on every voucher.
//
// All monetary values are expressed in the smallest denomination of the
// reward token (wei-style integers). A zero cap disables that cap.
type CategoryConfig struct {
	Category        Category
	Enabled         bool
	Repeatable      bool
	BaseAmount      *big.Int
	DailyCap        *big.Int
	LifetimeCap     *big.Int
	LimitPolicy     LimitPolicy
	StreakThreshold uint32
	StreakBonusBps  uint64
}

// Clone produces a deep copy of the configuration.
func (c *CategoryConfig) Clone() *CategoryConfig {
	if c == nil {
		return nil
	}
	clone := &CategoryConfig{
		Category:        c.Category,
		Enabled:         c.Enabled,
		Repeatable:      c.Repeatable,
		LimitPolicy:     c.LimitPolicy,
		StreakThreshold: c.StreakThreshold,
		StreakBonusBps:  c.StreakBonusBps,
	}
	if c.BaseAmount != nil {
		clone.BaseAmount = new(big.Int).Set(c.BaseAmount)
	}
	if c.DailyCap != nil {
		clone.DailyCap = new(big.Int).Set(c.DailyCap)
	}
	if c.LifetimeCap != nil {
		clone.LifetimeCap = new(big.Int).Set(c.LifetimeCap)
	}
	return clone
}

// Normalize ensures all pointer fields are non-nil for ease of use. The
// method returns the receiver to allow chaining.
func (c *CategoryConfig) Normalize() *CategoryConfig {
	if c == nil {
		return nil
	}
	if c.BaseAmount == nil {
		c.BaseAmount = big.NewInt(0)
	}
	if c.DailyCap == nil {
		c.DailyCap = big.NewInt(0)
	}
	if c.LifetimeCap == nil {
		c.LifetimeCap = big.NewInt(0)
	}
	return c
}

// AccountLedger is the per-account running voucher state. LastClaimDay is a
// day-granular counter (days since the Unix epoch, zero meaning never), so
// new-day comparisons are exact integer arithmetic.
type AccountLedger struct {
	Account         [20]byte
	TotalEarned     *big.Int
	EarnedToday     *big.Int
	LastClaimDay    uint64
	ConsecutiveDays uint32
}

func (l *AccountLedger) Clone() *AccountLedger {
	if l == nil {
		return nil
	}
	clone := &AccountLedger{
		Account:         l.Account,
		LastClaimDay:    l.LastClaimDay,
		ConsecutiveDays: l.ConsecutiveDays,
	}
	if l.TotalEarned != nil {
		clone.TotalEarned = new(big.Int).Set(l.TotalEarned)
	} else {
		clone.TotalEarned = big.NewInt(0)
	}
	if l.EarnedToday != nil {
		clone.EarnedToday = new(big.Int).Set(l.EarnedToday)
	} else {
		clone.EarnedToday = big.NewInt(0)
	}
	return clone
}

// ClaimResult is returned for a granted voucher.
type ClaimResult struct {
	AmountGranted   *big.Int
	NewTotalEarned  *big.Int
	ConsecutiveDays uint32
	SettlementRef   string
}

// DefaultCategories returns the stock configuration. Check-in and
// promotional claims clamp to the remaining daily allowance; task, milestone
// and referral claims reject when the cap would be crossed, since a partial
// grant for a completed task would strand the remainder.
func DefaultCategories() []*CategoryConfig {
	return []*CategoryConfig{
		{Category: CategoryTask, Enabled: true, BaseAmount: big.NewInt(100), DailyCap: big.NewInt(1000), LimitPolicy: LimitPolicyReject},
		{Category: CategoryMilestone, Enabled: true, BaseAmount: big.NewInt(500), DailyCap: big.NewInt(2000), LimitPolicy: LimitPolicyReject},
		{Category: CategoryCheckin, Enabled: true, Repeatable: true, BaseAmount: big.NewInt(10), DailyCap: big.NewInt(15), LimitPolicy: LimitPolicyClamp, StreakThreshold: 7, StreakBonusBps: 15000},
		{Category: CategoryReferral, Enabled: true, BaseAmount: big.NewInt(250), DailyCap: big.NewInt(2500), LimitPolicy: LimitPolicyReject},
		{Category: CategoryPromo, Enabled: true, Repeatable: true, BaseAmount: big.NewInt(50), DailyCap: big.NewInt(200), LimitPolicy: LimitPolicyClamp},
	}
}
