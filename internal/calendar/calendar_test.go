package calendar

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextDateAfterPeriodClampsMonthEnd(t *testing.T) {
	got := NextDateAfterPeriod(Date(2015, time.January, 31), IntervalMonth, 1)
	assert.Equal(t, Date(2015, time.February, 28), got)

	got = NextDateAfterPeriod(Date(2016, time.January, 31), IntervalMonth, 1)
	assert.Equal(t, Date(2016, time.February, 29), got)

	got = NextDateAfterPeriod(Date(2015, time.March, 10), IntervalWeek, 2)
	assert.Equal(t, Date(2015, time.March, 24), got)

	got = NextDateAfterPeriod(Date(2016, time.February, 29), IntervalYear, 1)
	assert.Equal(t, Date(2017, time.February, 28), got)
}

func TestLastDateThatFits(t *testing.T) {
	start := Date(2015, time.January, 1)
	end := Date(2015, time.March, 20)

	got, ok := LastDateThatFits(start, IntervalMonth, 1, end)
	require.True(t, ok)
	assert.Equal(t, Date(2015, time.March, 1), got)

	// Advancing once more must exceed end (tightness).
	assert.True(t, NextDateAfterPeriod(got, IntervalMonth, 1).After(end))

	_, ok = LastDateThatFits(Date(2015, time.April, 1), IntervalMonth, 1, end)
	assert.False(t, ok)
}

func TestLastDateThatFitsNeverDriftsFromAnchor(t *testing.T) {
	// A Jan 31 anchor must land on month ends, not accumulate the Feb clamp.
	start := Date(2015, time.January, 31)
	got, ok := LastDateThatFits(start, IntervalMonth, 1, Date(2015, time.April, 30))
	require.True(t, ok)
	assert.Equal(t, Date(2015, time.April, 30), got)
}

func TestLastDateThatFitsTightnessAcrossIntervals(t *testing.T) {
	cases := []struct {
		interval Interval
		count    int
	}{
		{IntervalDay, 3},
		{IntervalWeek, 1},
		{IntervalMonth, 1},
		{IntervalMonth, 2},
		{IntervalYear, 1},
	}
	start := Date(2014, time.June, 17)
	end := Date(2016, time.February, 2)
	for _, tc := range cases {
		got, ok := LastDateThatFits(start, tc.interval, tc.count, end)
		require.True(t, ok, "%s x%d", tc.interval, tc.count)
		assert.False(t, got.After(end))
		assert.True(t, NextDateAfterPeriod(got, tc.interval, tc.count).After(end))
	}
}

func TestNextDateAfterDate(t *testing.T) {
	got := NextDateAfterDate(Date(2015, time.January, 3), 1)
	assert.Equal(t, Date(2015, time.February, 1), got)

	// Already on the day: strictly after.
	got = NextDateAfterDate(Date(2015, time.February, 1), 1)
	assert.Equal(t, Date(2015, time.March, 1), got)

	// Day 31 clamps in short months.
	got = NextDateAfterDate(Date(2015, time.February, 10), 31)
	assert.Equal(t, Date(2015, time.February, 28), got)
}

func TestProrationPercent(t *testing.T) {
	// 15 of 28 days: 53.57% rounded half-up.
	got := ProrationPercent(15, 28)
	assert.True(t, got.Equal(decimal.RequireFromString("0.5357")), got.String())

	// 10 of 28 days: 35.71%.
	got = ProrationPercent(10, 28)
	assert.True(t, got.Equal(decimal.RequireFromString("0.3571")), got.String())

	// Full interval is exactly 1.
	got = ProrationPercent(31, 31)
	assert.True(t, got.Equal(decimal.NewFromInt(1)))

	// More days than the interval clamps to 1.
	got = ProrationPercent(57, 28)
	assert.True(t, got.Equal(decimal.NewFromInt(1)))

	// Never negative, never above one.
	assert.True(t, ProrationPercent(0, 30).IsZero())
	assert.True(t, ProrationPercent(-4, 30).IsZero())
}

func TestDaysHelpers(t *testing.T) {
	assert.Equal(t, 28, DaysInMonth(Date(2015, time.February, 11)))
	assert.Equal(t, 29, DaysInMonth(Date(2016, time.February, 1)))
	assert.Equal(t, Date(2015, time.February, 28), MonthEnd(Date(2015, time.February, 4)))
	assert.Equal(t, 57, DaysBetween(Date(2015, time.January, 3), Date(2015, time.March, 1)))
}
