package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// CreateSubscriptionRequest creates a subscription in the inactive state.
type CreateSubscriptionRequest struct {
	PlanID     snowflake.ID
	CustomerID snowflake.ID
	Reference  string
	StartDate  *time.Time
	TrialEnd   *time.Time
}

// ActivateRequest carries the optional overrides for Activate.
type ActivateRequest struct {
	StartDate    *time.Time
	TrialEndDate *time.Time
}

type Service interface {
	Create(ctx context.Context, req CreateSubscriptionRequest) (*Subscription, error)
	Get(ctx context.Context, subscriptionID string) (*Subscription, error)

	// Activate transitions inactive|canceled -> active, settling the start
	// date and trial end.
	Activate(ctx context.Context, subscriptionID string, req ActivateRequest) (*Subscription, error)
	// Cancel transitions active -> canceled. The subscription is billed one
	// final time by the next generation run, which then ends it.
	Cancel(ctx context.Context, subscriptionID string) (*Subscription, error)
	// End transitions canceled -> ended and stamps ended_at.
	End(ctx context.Context, subscriptionID string, endedAt time.Time) (*Subscription, error)

	// ListByCustomer returns the customer's subscriptions, optionally
	// filtered to the given states.
	ListByCustomer(ctx context.Context, customerID snowflake.ID, states ...State) ([]Subscription, error)

	// LastBillingDate returns the most recent billing-log date for the
	// subscription, or nil when it has never been billed.
	LastBillingDate(ctx context.Context, subscriptionID snowflake.ID) (*time.Time, error)
	// RecordBilling appends a billing-log row marking the run at billingDate.
	RecordBilling(ctx context.Context, subscriptionID snowflake.ID, billingDate time.Time) error
}
