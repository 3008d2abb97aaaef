// Package domain defines the billing-document generation run.
package domain

import (
	"context"
	"time"
)

// RunRequest parameterizes one generation run. BillingDate overrides "now"
// for backfill runs; SubscriptionID restricts the run to one subscription.
type RunRequest struct {
	BillingDate    *time.Time
	SubscriptionID string
}

// RunResult summarizes a generation run. Failures are per customer: one
// customer's error never aborts the others.
type RunResult struct {
	DocumentsGenerated  int
	SubscriptionsBilled int
	CustomersFailed     int
}

type Service interface {
	// Run generates invoices and proformas for every billable subscription.
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
}
