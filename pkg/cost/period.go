package cost

import (
	"fmt"
	"strings"
	"time"
)

// Period selects the calendar window a scope budget resets on.
type Period string

const (
	// PeriodDaily resets at 00:00 UTC.
	PeriodDaily Period = "daily"
	// PeriodWeekly resets at 00:00 UTC on Monday (ISO weeks).
	PeriodWeekly Period = "weekly"
	// PeriodMonthly resets at 00:00 UTC on the first day of the month.
	PeriodMonthly Period = "monthly"
	// PeriodLifetime never resets.
	PeriodLifetime Period = "lifetime"
)

// ParsePeriod accepts the period names case-insensitively. The empty string
// maps to PeriodDaily.
func ParsePeriod(s string) (Period, error) {
	switch p := Period(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PeriodDaily, nil
	case PeriodDaily, PeriodWeekly, PeriodMonthly, PeriodLifetime:
		return p, nil
	default:
		return "", fmt.Errorf("unknown budget period %q", s)
	}
}

// Window returns the label of the window containing t. Labels sort in
// chronological order within a period.
func (p Period) Window(t time.Time) string {
	t = t.UTC()
	switch p {
	case PeriodWeekly:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case PeriodMonthly:
		return t.Format("2006-01")
	case PeriodLifetime:
		return "all"
	default:
		return t.Format("2006-01-02")
	}
}

// Start returns the instant the window containing t began.
func (p Period) Start(t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch p {
	case PeriodWeekly:
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case PeriodMonthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case PeriodLifetime:
		return time.Time{}
	default:
		return day
	}
}
