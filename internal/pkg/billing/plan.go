package billing

import (
	"strings"
	"time"

	"github.com/droplink/droplink-api/app/models"
)

// NormalizePeriod maps free-form billing period input to monthly or yearly.
func NormalizePeriod(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "yearly", "annual", "annually", "year":
		return models.BillingPeriodYearly
	default:
		return models.BillingPeriodMonthly
	}
}

func isKnownPeriod(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "monthly", "month", "yearly", "annual", "annually", "year":
		return true
	default:
		return false
	}
}

// AddBillingPeriod returns the end of a billing period starting at start.
// Yearly adds one calendar year, anything else one calendar month. When the
// target month is shorter than the start day the result is clamped to the
// last day of that month; the time of day is kept.
func AddBillingPeriod(start time.Time, period string) time.Time {
	if NormalizePeriod(period) == models.BillingPeriodYearly {
		return addMonthsClamped(start, 12)
	}
	return addMonthsClamped(start, 1)
}

func addMonthsClamped(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	// Day 1 never overflows, so this normalizes year/month only.
	target := time.Date(year, month+time.Month(months), 1, 0, 0, 0, 0, t.Location())
	if last := daysInMonth(target.Year(), target.Month()); day > last {
		day = last
	}
	return time.Date(target.Year(), target.Month(), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
