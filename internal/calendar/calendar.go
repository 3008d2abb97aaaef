// Package calendar provides date-interval arithmetic for billing buckets.
//
// All functions operate on civil dates: time.Time values at UTC midnight.
// Month and year additions clamp the day of month to the target month's
// length (Jan 31 + 1 month = Feb 28), so repeated advances never drift.
package calendar

import (
	"time"

	"github.com/shopspring/decimal"
)

// Interval is a billing interval unit.
type Interval string

const (
	IntervalDay   Interval = "day"
	IntervalWeek  Interval = "week"
	IntervalMonth Interval = "month"
	IntervalYear  Interval = "year"
)

var hundred = decimal.NewFromInt(100)

// Date builds a civil date at UTC midnight.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// DayOf truncates t to its civil date in UTC.
func DayOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// MinDate returns the earlier of two dates.
func MinDate(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

// MaxDate returns the later of two dates.
func MaxDate(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

// DaysInMonth returns the number of days of the month containing the date.
func DaysInMonth(t time.Time) int {
	first := Date(t.Year(), t.Month(), 1)
	return int(first.AddDate(0, 1, 0).Sub(first).Hours() / 24)
}

// MonthEnd returns the last day of the month containing the date.
func MonthEnd(t time.Time) time.Time {
	return Date(t.Year(), t.Month(), 1).AddDate(0, 1, -1)
}

// DaysBetween returns the number of whole days from a to b (b - a).
func DaysBetween(a, b time.Time) int {
	return int(DayOf(b).Sub(DayOf(a)).Hours() / 24)
}

// addMonths advances a date by the given number of months, clamping the day
// of month to the target month's length.
func addMonths(t time.Time, months int) time.Time {
	year := t.Year()
	month := int(t.Month()) + months
	// Normalize to [1, 12] carrying into the year.
	for month > 12 {
		month -= 12
		year++
	}
	for month < 1 {
		month += 12
		year--
	}
	day := t.Day()
	if max := DaysInMonth(Date(year, time.Month(month), 1)); day > max {
		day = max
	}
	return Date(year, time.Month(month), day)
}

// NextDateAfterPeriod returns initial advanced by exactly one interval
// (count interval units).
func NextDateAfterPeriod(initial time.Time, interval Interval, count int) time.Time {
	initial = DayOf(initial)
	switch interval {
	case IntervalDay:
		return initial.AddDate(0, 0, count)
	case IntervalWeek:
		return initial.AddDate(0, 0, 7*count)
	case IntervalMonth:
		return addMonths(initial, count)
	case IntervalYear:
		return addMonths(initial, 12*count)
	default:
		return initial
	}
}

// advanceBy returns initial advanced by n intervals, always computed from the
// anchor so month-end clamping does not accumulate.
func advanceBy(initial time.Time, interval Interval, count, n int) time.Time {
	switch interval {
	case IntervalDay:
		return initial.AddDate(0, 0, count*n)
	case IntervalWeek:
		return initial.AddDate(0, 0, 7*count*n)
	case IntervalMonth:
		return addMonths(initial, count*n)
	case IntervalYear:
		return addMonths(initial, 12*count*n)
	default:
		return initial
	}
}

// LastDateThatFits returns the latest date <= end reachable by repeatedly
// advancing initial by one interval. The boolean is false when initial is
// already past end.
func LastDateThatFits(initial time.Time, interval Interval, count int, end time.Time) (time.Time, bool) {
	initial, end = DayOf(initial), DayOf(end)
	if initial.After(end) {
		return time.Time{}, false
	}
	last := initial
	for n := 1; ; n++ {
		next := advanceBy(initial, interval, count, n)
		if next.After(end) {
			return last, true
		}
		last = next
	}
}

// NextDateAfterDate returns the next calendar date falling on the given day
// of month strictly after initial. The day is clamped to the length of the
// target month.
func NextDateAfterDate(initial time.Time, day int) time.Time {
	initial = DayOf(initial)
	candidate := Date(initial.Year(), initial.Month(), 1)
	for {
		d := day
		if max := DaysInMonth(candidate); d > max {
			d = max
		}
		at := Date(candidate.Year(), candidate.Month(), d)
		if at.After(initial) {
			return at
		}
		candidate = candidate.AddDate(0, 1, 0)
	}
}

// ProrationPercent returns the billed fraction of an interval as a decimal in
// [0, 1]. The underlying percent (100 * daysBilled / daysInInterval) is
// rounded half-up to two decimal places before being scaled back down, so
// 15 of 28 days yields 0.5357 exactly.
func ProrationPercent(daysBilled, daysInInterval int) decimal.Decimal {
	if daysInInterval <= 0 || daysBilled <= 0 {
		return decimal.Zero
	}
	percent := decimal.NewFromInt(int64(daysBilled)).
		Mul(hundred).
		Div(decimal.NewFromInt(int64(daysInInterval))).
		Round(2)
	fraction := percent.Div(hundred)
	if fraction.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	return fraction
}
