package accrual

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestTierScheduleSelectsLastMatchingTier(test *testing.T) {
	test.Parallel()
	schedule := mustSchedule(test,
		Tier{DaysSinceStart: 0, DailyRate: decimal.RequireFromString("0.01")},
		Tier{DaysSinceStart: 7, DailyRate: decimal.RequireFromString("0.015")},
		Tier{DaysSinceStart: 30, DailyRate: decimal.RequireFromString("0.02")},
	)
	cases := []struct {
		days int
		want string
	}{
		{days: 0, want: "0.01"},
		{days: 6, want: "0.01"},
		{days: 7, want: "0.015"},
		{days: 29, want: "0.015"},
		{days: 30, want: "0.02"},
		{days: 365, want: "0.02"},
		{days: -1, want: "0.01"},
	}
	for _, testCase := range cases {
		got := schedule.DailyRateFor(testCase.days)
		if !got.Equal(decimal.RequireFromString(testCase.want)) {
			test.Fatalf("day %d: expected %s, got %s", testCase.days, testCase.want, got)
		}
	}
}

func TestTierScheduleBeforeFirstThresholdEarnsNothing(test *testing.T) {
	test.Parallel()
	schedule := mustSchedule(test, Tier{DaysSinceStart: 3, DailyRate: decimal.RequireFromString("0.01")})
	if !schedule.DailyRateFor(2).IsZero() {
		test.Fatalf("expected zero rate before first threshold")
	}
}

func TestNewTierScheduleRejectsBadInput(test *testing.T) {
	test.Parallel()
	cases := []struct {
		name  string
		tiers []Tier
	}{
		{name: "empty", tiers: nil},
		{name: "unsorted", tiers: []Tier{
			{DaysSinceStart: 7, DailyRate: decimal.RequireFromString("0.02")},
			{DaysSinceStart: 0, DailyRate: decimal.RequireFromString("0.01")},
		}},
		{name: "duplicate threshold", tiers: []Tier{
			{DaysSinceStart: 0, DailyRate: decimal.RequireFromString("0.01")},
			{DaysSinceStart: 0, DailyRate: decimal.RequireFromString("0.02")},
		}},
		{name: "negative threshold", tiers: []Tier{
			{DaysSinceStart: -1, DailyRate: decimal.RequireFromString("0.01")},
		}},
		{name: "negative rate", tiers: []Tier{
			{DaysSinceStart: 0, DailyRate: decimal.RequireFromString("-0.01")},
		}},
	}
	for _, testCase := range cases {
		if _, err := NewTierSchedule(testCase.tiers); !errors.Is(err, ErrInvalidSchedule) {
			test.Fatalf("%s: expected ErrInvalidSchedule, got %v", testCase.name, err)
		}
	}
}

func TestPerSecondRateMatchesDailyFraction(test *testing.T) {
	test.Parallel()
	schedule := mustSchedule(test)
	rate := PerSecondRate(decimal.RequireFromString("100"), 0, schedule)
	// 100 * 0.01 / 86400
	assertWithin(test, rate, "0.0000115740740740741", "0.000000000001")
}

func TestPerSecondRateZeroForNonPositivePrincipal(test *testing.T) {
	test.Parallel()
	schedule := mustSchedule(test)
	if !PerSecondRate(decimal.Zero, 0, schedule).IsZero() {
		test.Fatalf("zero principal should yield zero rate")
	}
	if !PerSecondRate(decimal.RequireFromString("-5"), 0, schedule).IsZero() {
		test.Fatalf("negative principal should yield zero rate")
	}
}

func TestElapsedWholeDays(test *testing.T) {
	test.Parallel()
	start := testEpoch
	cases := []struct {
		now  time.Time
		want int
	}{
		{now: start, want: 0},
		{now: start.Add(23 * time.Hour), want: 0},
		{now: start.Add(24 * time.Hour), want: 1},
		{now: start.Add(8*24*time.Hour + time.Minute), want: 8},
		{now: start.Add(-time.Hour), want: 0},
	}
	for _, testCase := range cases {
		if got := ElapsedWholeDays(start, testCase.now); got != testCase.want {
			test.Fatalf("at %v: expected %d days, got %d", testCase.now, testCase.want, got)
		}
	}
}
