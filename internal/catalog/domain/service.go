package domain

import "context"

// CreatePlanRequest carries a plan and the metered features to attach.
type CreatePlanRequest struct {
	Plan            Plan
	MeteredFeatures []MeteredFeature
}

type Service interface {
	CreatePlan(ctx context.Context, req CreatePlanRequest) (*Plan, error)
	GetPlan(ctx context.Context, planID string) (*Plan, error)
}
