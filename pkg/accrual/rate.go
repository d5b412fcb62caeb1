package accrual

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Tier maps a day threshold to the daily rate in force from that day on.
// DailyRate is a fraction: 0.01 means one percent of principal per day.
type Tier struct {
	DaysSinceStart int
	DailyRate      decimal.Decimal
}

// TierSchedule is an ordered sequence of tiers. Lookups select the last
// tier whose threshold is at or below the elapsed whole days.
type TierSchedule struct {
	tiers []Tier
}

// NewTierSchedule validates the tier sequence: at least one tier, thresholds
// strictly increasing, rates non-negative.
func NewTierSchedule(tiers []Tier) (TierSchedule, error) {
	if len(tiers) == 0 {
		return TierSchedule{}, fmt.Errorf("%w: no tiers", ErrInvalidSchedule)
	}
	if !sort.SliceIsSorted(tiers, func(left, right int) bool {
		return tiers[left].DaysSinceStart < tiers[right].DaysSinceStart
	}) {
		return TierSchedule{}, fmt.Errorf("%w: thresholds must increase", ErrInvalidSchedule)
	}
	for index, tier := range tiers {
		if tier.DaysSinceStart < 0 {
			return TierSchedule{}, fmt.Errorf("%w: negative threshold at tier %d", ErrInvalidSchedule, index)
		}
		if index > 0 && tiers[index-1].DaysSinceStart == tier.DaysSinceStart {
			return TierSchedule{}, fmt.Errorf("%w: duplicate threshold at tier %d", ErrInvalidSchedule, index)
		}
		if tier.DailyRate.IsNegative() {
			return TierSchedule{}, fmt.Errorf("%w: negative rate at tier %d", ErrInvalidSchedule, index)
		}
	}
	owned := make([]Tier, len(tiers))
	copy(owned, tiers)
	return TierSchedule{tiers: owned}, nil
}

// DailyRateFor returns the daily rate in force after the given number of
// elapsed whole days. Days before the first threshold earn nothing.
func (schedule TierSchedule) DailyRateFor(elapsedDays int) decimal.Decimal {
	if elapsedDays < 0 {
		elapsedDays = 0
	}
	selected := decimal.Zero
	for _, tier := range schedule.tiers {
		if tier.DaysSinceStart > elapsedDays {
			break
		}
		selected = tier.DailyRate
	}
	return selected
}

// Tiers returns a copy of the tier sequence.
func (schedule TierSchedule) Tiers() []Tier {
	owned := make([]Tier, len(schedule.tiers))
	copy(owned, schedule.tiers)
	return owned
}

// PerSecondRate derives the accrual rate from a principal and the tier in
// force. A non-positive principal always yields zero.
func PerSecondRate(principal decimal.Decimal, elapsedDays int, schedule TierSchedule) decimal.Decimal {
	if !principal.IsPositive() {
		return decimal.Zero
	}
	daily := schedule.DailyRateFor(elapsedDays)
	if !daily.IsPositive() {
		return decimal.Zero
	}
	return principal.Mul(daily).Div(decimal.NewFromInt(secondsPerDay))
}

// ElapsedWholeDays counts full days between start and now, clamped to zero.
func ElapsedWholeDays(start time.Time, now time.Time) int {
	if start.IsZero() || now.Before(start) {
		return 0
	}
	return int(now.Sub(start) / (secondsPerDay * time.Second))
}
