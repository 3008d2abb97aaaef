// Package domain contains the subscription lifecycle and billing-bucket math.
package domain

import (
	"errors"
	"time"

	"github.com/argentbill/argent/internal/calendar"
	catalogdomain "github.com/argentbill/argent/internal/catalog/domain"
	"github.com/bwmarrin/snowflake"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrTransitionNotAllowed = errors.New("subscription state transition not allowed")
	ErrTrialBeforeStart     = errors.New("trial end date cannot be older than the subscription start date")
	ErrMissingStartDate     = errors.New("subscription has no start date")
)

// State is the subscription lifecycle state. on_trial is not a stored state;
// it is derived from trial_end relative to a reference date.
type State string

const (
	StateInactive State = "inactive"
	StateActive   State = "active"
	StateCanceled State = "canceled"
	StateEnded    State = "ended"
)

// transitions is the explicit edge table for the lifecycle machine.
var transitions = map[State][]State{
	StateInactive: {StateActive},
	StateActive:   {StateCanceled},
	StateCanceled: {StateActive, StateEnded},
	StateEnded:    {},
}

// CanTransition reports whether the edge from -> to exists.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Subscription ties a customer to a plan and carries the lifecycle dates.
type Subscription struct {
	ID         snowflake.ID        `gorm:"primaryKey"`
	PlanID     snowflake.ID        `gorm:"not null;index"`
	Plan       *catalogdomain.Plan `gorm:"foreignKey:PlanID"`
	CustomerID snowflake.ID        `gorm:"not null;index"`

	State     State      `gorm:"type:text;not null;default:'inactive'"`
	StartDate *time.Time `gorm:"type:date"`
	// TrialEnd overrides the trial end derived from the plan.
	TrialEnd *time.Time `gorm:"type:date"`
	EndedAt  *time.Time `gorm:"type:date"`
	// Reference is the subscription's identifier in an external system.
	Reference string `gorm:"type:text"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// BillingLog records one completed billing run for a subscription. The most
// recent row's billing date is the subscription's last billing date.
type BillingLog struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	SubscriptionID snowflake.ID `gorm:"not null;index"`
	BillingDate    time.Time    `gorm:"type:date;not null"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (BillingLog) TableName() string { return "billing_logs" }

// OnTrial reports whether ref falls inside the trial window.
func (s *Subscription) OnTrial(ref time.Time) bool {
	return s.TrialEnd != nil && !calendar.DayOf(ref).After(calendar.DayOf(*s.TrialEnd))
}

// CurrentStartDate is the start of the calendar bucket containing ref,
// ignoring the trial window. Used for billing-period display.
func (s *Subscription) CurrentStartDate(ref time.Time) (time.Time, bool) {
	return s.currentStartDate(ref, true)
}

// CurrentEndDate is the end of the calendar bucket containing ref, ignoring
// the trial window.
func (s *Subscription) CurrentEndDate(ref time.Time) (time.Time, bool) {
	return s.currentEndDate(ref, true)
}

// BucketStartDate is the start of the billing bucket containing ref. Billing
// buckets are clipped by the trial window: while on trial the bucket covers
// the trial days, and the first post-trial bucket starts the day after
// trial_end.
func (s *Subscription) BucketStartDate(ref time.Time) (time.Time, bool) {
	return s.currentStartDate(ref, false)
}

// BucketEndDate is the end of the billing bucket containing ref, clipped to
// trial_end while on trial and to ended_at once the subscription has ended.
func (s *Subscription) BucketEndDate(ref time.Time) (time.Time, bool) {
	return s.currentEndDate(ref, false)
}

func (s *Subscription) currentStartDate(ref time.Time, ignoreTrial bool) (time.Time, bool) {
	if s.StartDate == nil || s.Plan == nil {
		return time.Time{}, false
	}
	ref = calendar.DayOf(ref)
	start := calendar.DayOf(*s.StartDate)
	interval, count := s.Plan.Interval, s.Plan.IntervalCount

	if ignoreTrial || s.TrialEnd == nil || !calendar.DayOf(*s.TrialEnd).Before(ref) {
		// Month buckets snap to the 1st of the month, so the walk starts
		// from the first month boundary after the start date. A reference
		// date before that boundary falls in the partial first bucket.
		if interval == calendar.IntervalMonth {
			anchor := calendar.NextDateAfterDate(start, 1)
			if d, ok := calendar.LastDateThatFits(anchor, interval, count, ref); ok {
				return d, true
			}
			return start, true
		}
		return calendar.LastDateThatFits(start, interval, count, ref)
	}

	// Past the trial: the first post-trial bucket starts the day after
	// trial_end, later buckets follow the usual boundaries.
	trialEnd := calendar.DayOf(*s.TrialEnd)
	var anchor time.Time
	if interval == calendar.IntervalMonth {
		anchor = calendar.NextDateAfterDate(trialEnd, 1)
	} else {
		d, ok := calendar.LastDateThatFits(trialEnd, interval, count, ref)
		if !ok {
			return time.Time{}, false
		}
		anchor = d.AddDate(0, 0, 1)
	}

	initial := anchor
	if ref.Before(anchor) {
		initial = trialEnd.AddDate(0, 0, 1)
	}
	return calendar.LastDateThatFits(initial, interval, count, ref)
}

func (s *Subscription) currentEndDate(ref time.Time, ignoreTrial bool) (time.Time, bool) {
	if s.Plan == nil {
		return time.Time{}, false
	}
	ref = calendar.DayOf(ref)
	bucketStart, ok := s.currentStartDate(ref, ignoreTrial)
	if !ok {
		return time.Time{}, false
	}
	interval, count := s.Plan.Interval, s.Plan.IntervalCount

	var naturalEnd time.Time
	if interval == calendar.IntervalMonth {
		naturalEnd = calendar.NextDateAfterDate(bucketStart, 1).AddDate(0, 0, -1)
	} else {
		naturalEnd = calendar.NextDateAfterPeriod(bucketStart, interval, count).AddDate(0, 0, -1)
	}

	end := naturalEnd
	onTrial := s.TrialEnd != nil && !calendar.DayOf(*s.TrialEnd).Before(ref)
	if !ignoreTrial && onTrial {
		if trialEnd := calendar.DayOf(*s.TrialEnd); naturalEnd.After(trialEnd) {
			end = trialEnd
		}
	}

	if s.EndedAt != nil {
		if endedAt := calendar.DayOf(*s.EndedAt); endedAt.Before(end) {
			end = endedAt
		}
	}
	return end, true
}

// ShouldBeBilled reports whether the subscription is due for billing at now,
// given the most recent billing date (nil if never billed). Only active and
// canceled subscriptions bill; the bucket that started at the last billing
// date (or at the start date for a first bill) must have closed, plus the
// plan's generate_after grace seconds.
func (s *Subscription) ShouldBeBilled(now time.Time, lastBillingDate *time.Time) bool {
	if s.State != StateActive && s.State != StateCanceled {
		return false
	}
	if s.StartDate == nil || s.Plan == nil {
		return false
	}

	ref := calendar.DayOf(*s.StartDate)
	if lastBillingDate != nil {
		ref = calendar.DayOf(*lastBillingDate)
	}
	bucketEnd, ok := s.BucketEndDate(ref)
	if !ok {
		return false
	}
	generateAt := bucketEnd.Add(time.Duration(s.Plan.GenerateAfter) * time.Second)
	return !now.Before(generateAt)
}
