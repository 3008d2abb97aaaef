// Package domain contains the metered-feature consumption ledger.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

var (
	ErrSubscriptionStateForbidsUsage = errors.New("usage cannot be recorded for an ended or inactive subscription")
	ErrDateOutOfBucket               = errors.New("usage date falls outside the subscription's current billing bucket")
	ErrLogNotFound                   = errors.New("consumption log not found")
)

// UpdateType selects how a Record call combines with the bucket's running
// total.
type UpdateType string

const (
	UpdateAbsolute UpdateType = "absolute"
	UpdateRelative UpdateType = "relative"
)

// MeteredFeatureUnitsLog accumulates the units a subscription consumed of one
// feature during one billing bucket. One row exists per (feature,
// subscription, bucket, annotation).
type MeteredFeatureUnitsLog struct {
	ID               snowflake.ID    `gorm:"primaryKey"`
	MeteredFeatureID snowflake.ID    `gorm:"not null;uniqueIndex:ux_units_log_bucket"`
	SubscriptionID   snowflake.ID    `gorm:"not null;uniqueIndex:ux_units_log_bucket"`
	StartDate        time.Time       `gorm:"type:date;not null;uniqueIndex:ux_units_log_bucket"`
	EndDate          time.Time       `gorm:"type:date;not null;uniqueIndex:ux_units_log_bucket"`
	ConsumedUnits    decimal.Decimal `gorm:"type:numeric(28,10);not null"`
	Annotation       string          `gorm:"type:text;not null;default:'';uniqueIndex:ux_units_log_bucket"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (MeteredFeatureUnitsLog) TableName() string { return "metered_feature_units_logs" }

// RecordRequest is one consumption write against the current bucket.
type RecordRequest struct {
	MeteredFeatureID snowflake.ID
	SubscriptionID   snowflake.ID
	ConsumedUnits    decimal.Decimal
	Date             time.Time
	UpdateType       UpdateType
	Annotation       string
}

type Service interface {
	// Record upserts the consumption row for the bucket containing
	// req.Date and returns the bucket's resulting total.
	Record(ctx context.Context, req RecordRequest) (decimal.Decimal, error)
	// LogsSince returns the consumption rows for a (feature, subscription)
	// pair whose bucket starts on or after the given date, oldest first.
	LogsSince(ctx context.Context, featureID, subscriptionID snowflake.ID, since time.Time) ([]MeteredFeatureUnitsLog, error)
}
