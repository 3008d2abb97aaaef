// Package domain contains persistence models for the billing catalog.
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/argentbill/argent/internal/calendar"
	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

var (
	ErrDuplicateProductCode = errors.New("plan metered features must have distinct product codes")
	ErrPlanNotFound         = errors.New("plan not found")
	ErrFeatureNotFound      = errors.New("metered feature not found")
	ErrInvalidInterval      = errors.New("invalid billing interval")
)

// Plan describes what a subscription is billed for and how often.
type Plan struct {
	ID              snowflake.ID      `gorm:"primaryKey"`
	ProviderID      snowflake.ID      `gorm:"not null;index"`
	Name            string            `gorm:"type:text;not null"`
	Interval        calendar.Interval `gorm:"type:text;not null;default:'month'"`
	IntervalCount   int               `gorm:"not null;default:1"`
	Amount          decimal.Decimal   `gorm:"type:numeric(28,10);not null"`
	Currency        string            `gorm:"type:text;not null"`
	TrialPeriodDays int               `gorm:"not null;default:0"`
	DueDays         int               `gorm:"not null;default:5"`
	// GenerateAfter is the number of seconds to wait after a billing bucket
	// closes before the invoice may be generated, so feature counters can
	// finish updating.
	GenerateAfter int    `gorm:"not null;default:0"`
	Enabled       bool   `gorm:"not null;default:true"`
	Private       bool   `gorm:"not null;default:false"`
	ProductCode   string `gorm:"type:text;not null"`

	MeteredFeatures []MeteredFeature `gorm:"many2many:plan_metered_features"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Plan) TableName() string { return "plans" }

// MeteredFeature is a usage-priced component of a plan.
type MeteredFeature struct {
	ID           snowflake.ID    `gorm:"primaryKey"`
	Name         string          `gorm:"type:text;not null"`
	Unit         string          `gorm:"type:text"`
	PricePerUnit decimal.Decimal `gorm:"type:numeric(28,10);not null"`
	// IncludedUnits come free with every full billing interval.
	IncludedUnits decimal.Decimal `gorm:"type:numeric(28,10);not null"`
	// IncludedUnitsDuringTrial come free while the subscription is on trial,
	// prorated to the trial's share of the interval.
	IncludedUnitsDuringTrial decimal.Decimal `gorm:"type:numeric(28,10);not null"`
	ProductCode              string          `gorm:"type:text;not null"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (MeteredFeature) TableName() string { return "metered_features" }

// ValidateMeteredFeatures rejects feature sets where two features share a
// product code, which would make their document entries indistinguishable.
func ValidateMeteredFeatures(features []MeteredFeature) error {
	seen := make(map[string]string, len(features))
	for _, mf := range features {
		if prev, ok := seen[mf.ProductCode]; ok {
			return fmt.Errorf("%w: (%s, %s)", ErrDuplicateProductCode, mf.Name, prev)
		}
		seen[mf.ProductCode] = mf.Name
	}
	return nil
}

// ValidInterval reports whether the interval is one of day/week/month/year.
func ValidInterval(interval calendar.Interval) bool {
	switch interval {
	case calendar.IntervalDay, calendar.IntervalWeek, calendar.IntervalMonth, calendar.IntervalYear:
		return true
	default:
		return false
	}
}
