package domain

import (
	"testing"
	"time"

	"github.com/argentbill/argent/internal/calendar"
	catalogdomain "github.com/argentbill/argent/internal/catalog/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func datePtr(year int, month time.Month, day int) *time.Time {
	d := calendar.Date(year, month, day)
	return &d
}

func monthlySubscription(start *time.Time) *Subscription {
	return &Subscription{
		Plan: &catalogdomain.Plan{
			Interval:      calendar.IntervalMonth,
			IntervalCount: 1,
		},
		State:     StateActive,
		StartDate: start,
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StateInactive, StateActive))
	assert.True(t, CanTransition(StateActive, StateCanceled))
	assert.True(t, CanTransition(StateCanceled, StateActive))
	assert.True(t, CanTransition(StateCanceled, StateEnded))

	assert.False(t, CanTransition(StateInactive, StateCanceled))
	assert.False(t, CanTransition(StateActive, StateActive))
	assert.False(t, CanTransition(StateActive, StateEnded))
	assert.False(t, CanTransition(StateEnded, StateActive))
}

func TestBucketMonthlyNoTrial(t *testing.T) {
	sub := monthlySubscription(datePtr(2015, time.January, 3))

	// Reference inside the partial first month.
	start, ok := sub.BucketStartDate(calendar.Date(2015, time.January, 20))
	require.True(t, ok)
	assert.Equal(t, calendar.Date(2015, time.January, 3), start)

	end, ok := sub.BucketEndDate(calendar.Date(2015, time.January, 20))
	require.True(t, ok)
	assert.Equal(t, calendar.Date(2015, time.January, 31), end)

	// Later buckets snap to the 1st of the month.
	start, ok = sub.BucketStartDate(calendar.Date(2015, time.February, 10))
	require.True(t, ok)
	assert.Equal(t, calendar.Date(2015, time.February, 1), start)

	end, ok = sub.BucketEndDate(calendar.Date(2015, time.February, 10))
	require.True(t, ok)
	assert.Equal(t, calendar.Date(2015, time.February, 28), end)
}

func TestBucketMonthlyWithTrial(t *testing.T) {
	sub := monthlySubscription(datePtr(2015, time.February, 4))
	sub.TrialEnd = datePtr(2015, time.February, 18)

	// On trial: the bucket is clipped to the trial window.
	start, ok := sub.BucketStartDate(calendar.Date(2015, time.February, 10))
	require.True(t, ok)
	assert.Equal(t, calendar.Date(2015, time.February, 4), start)

	end, ok := sub.BucketEndDate(calendar.Date(2015, time.February, 10))
	require.True(t, ok)
	assert.Equal(t, calendar.Date(2015, time.February, 18), end)

	// The first post-trial bucket starts the day after the trial ends and
	// runs to the natural month boundary.
	start, ok = sub.BucketStartDate(calendar.Date(2015, time.February, 25))
	require.True(t, ok)
	assert.Equal(t, calendar.Date(2015, time.February, 19), start)

	end, ok = sub.BucketEndDate(calendar.Date(2015, time.February, 25))
	require.True(t, ok)
	assert.Equal(t, calendar.Date(2015, time.February, 28), end)

	// Buckets after the trial month are month-aligned again.
	start, ok = sub.BucketStartDate(calendar.Date(2015, time.March, 10))
	require.True(t, ok)
	assert.Equal(t, calendar.Date(2015, time.March, 1), start)

	end, ok = sub.BucketEndDate(calendar.Date(2015, time.March, 10))
	require.True(t, ok)
	assert.Equal(t, calendar.Date(2015, time.March, 31), end)
}

func TestCurrentDatesIgnoreTrial(t *testing.T) {
	sub := monthlySubscription(datePtr(2015, time.February, 4))
	sub.TrialEnd = datePtr(2015, time.February, 18)

	start, ok := sub.CurrentStartDate(calendar.Date(2015, time.February, 10))
	require.True(t, ok)
	assert.Equal(t, calendar.Date(2015, time.February, 4), start)

	// No trial clipping on the display boundaries.
	end, ok := sub.CurrentEndDate(calendar.Date(2015, time.February, 10))
	require.True(t, ok)
	assert.Equal(t, calendar.Date(2015, time.February, 28), end)
}

func TestBucketClippedByEndedAt(t *testing.T) {
	sub := monthlySubscription(datePtr(2015, time.January, 3))
	sub.EndedAt = datePtr(2015, time.January, 20)

	end, ok := sub.BucketEndDate(calendar.Date(2015, time.January, 25))
	require.True(t, ok)
	assert.Equal(t, calendar.Date(2015, time.January, 20), end)
}

func TestBucketWeekly(t *testing.T) {
	sub := &Subscription{
		Plan: &catalogdomain.Plan{
			Interval:      calendar.IntervalWeek,
			IntervalCount: 1,
		},
		State:     StateActive,
		StartDate: datePtr(2015, time.January, 5),
	}

	start, ok := sub.BucketStartDate(calendar.Date(2015, time.January, 13))
	require.True(t, ok)
	assert.Equal(t, calendar.Date(2015, time.January, 12), start)

	end, ok := sub.BucketEndDate(calendar.Date(2015, time.January, 13))
	require.True(t, ok)
	assert.Equal(t, calendar.Date(2015, time.January, 18), end)
}

func TestOnTrial(t *testing.T) {
	sub := monthlySubscription(datePtr(2015, time.February, 4))
	assert.False(t, sub.OnTrial(calendar.Date(2015, time.February, 10)))

	sub.TrialEnd = datePtr(2015, time.February, 18)
	assert.True(t, sub.OnTrial(calendar.Date(2015, time.February, 10)))
	assert.True(t, sub.OnTrial(calendar.Date(2015, time.February, 18)))
	assert.False(t, sub.OnTrial(calendar.Date(2015, time.February, 19)))
}

func TestShouldBeBilled(t *testing.T) {
	sub := monthlySubscription(datePtr(2015, time.January, 3))

	// First bill: the bucket containing the start date closed on Jan 31.
	assert.True(t, sub.ShouldBeBilled(calendar.Date(2015, time.March, 1), nil))
	assert.True(t, sub.ShouldBeBilled(calendar.Date(2015, time.January, 31), nil))
	assert.False(t, sub.ShouldBeBilled(calendar.Date(2015, time.January, 20), nil))

	// Already billed this bucket: not due again until the next one closes.
	last := calendar.Date(2015, time.March, 1)
	assert.False(t, sub.ShouldBeBilled(calendar.Date(2015, time.March, 15), &last))
	assert.True(t, sub.ShouldBeBilled(calendar.Date(2015, time.April, 1), &last))

	// The grace period delays generation past the bucket close.
	sub.Plan.GenerateAfter = 3600
	assert.False(t, sub.ShouldBeBilled(calendar.Date(2015, time.January, 31), nil))
	assert.True(t, sub.ShouldBeBilled(calendar.Date(2015, time.January, 31).Add(time.Hour), nil))
	sub.Plan.GenerateAfter = 0

	// Only active and canceled subscriptions bill.
	sub.State = StateCanceled
	assert.True(t, sub.ShouldBeBilled(calendar.Date(2015, time.March, 1), nil))
	sub.State = StateInactive
	assert.False(t, sub.ShouldBeBilled(calendar.Date(2015, time.March, 1), nil))
	sub.State = StateEnded
	assert.False(t, sub.ShouldBeBilled(calendar.Date(2015, time.March, 1), nil))
}
