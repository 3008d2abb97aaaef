package service

import (
	"context"
	"time"

	"github.com/argentbill/argent/internal/calendar"
	"github.com/argentbill/argent/internal/clock"
	"github.com/argentbill/argent/internal/observability/metrics"
	subscriptiondomain "github.com/argentbill/argent/internal/subscription/domain"
	usagedomain "github.com/argentbill/argent/internal/usage/domain"
	"github.com/argentbill/argent/pkg/db"
	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	metrics *metrics.Metrics

	genID *snowflake.Node
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("usage.service"),
		clock:   p.Clock,
		metrics: p.Metrics,

		genID: p.GenID,
	}
}

// Record upserts the consumption row for the subscription's current bucket.
// Concurrent writers for the same bucket are serialized by the unique index
// on (feature, subscription, bucket, annotation): a create that loses the
// race retries as an update.
func (s *Service) Record(ctx context.Context, req usagedomain.RecordRequest) (decimal.Decimal, error) {
	var sub subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).
		Preload("Plan").
		Where("id = ?", req.SubscriptionID).
		First(&sub).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return decimal.Zero, subscriptiondomain.ErrSubscriptionNotFound
		}
		return decimal.Zero, err
	}
	if sub.State == subscriptiondomain.StateEnded || sub.State == subscriptiondomain.StateInactive {
		return decimal.Zero, usagedomain.ErrSubscriptionStateForbidsUsage
	}

	now := s.clock.Now()
	bucketStart, okStart := sub.BucketStartDate(now)
	bucketEnd, okEnd := sub.BucketEndDate(now)
	if !okStart || !okEnd {
		return decimal.Zero, subscriptiondomain.ErrMissingStartDate
	}
	day := calendar.DayOf(req.Date)
	if day.Before(bucketStart) || day.After(bucketEnd) {
		return decimal.Zero, usagedomain.ErrDateOutOfBucket
	}

	total, err := s.upsert(ctx, req, bucketStart, bucketEnd)
	if err != nil {
		return decimal.Zero, err
	}
	s.metrics.RecordUsageUpsert(ctx)

	s.log.Debug("usage recorded",
		zap.String("subscription_id", req.SubscriptionID.String()),
		zap.String("metered_feature_id", req.MeteredFeatureID.String()),
		zap.String("total", total.String()),
	)
	return total, nil
}

func (s *Service) upsert(ctx context.Context, req usagedomain.RecordRequest, bucketStart, bucketEnd time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	apply := func(tx *gorm.DB) error {
		var row usagedomain.MeteredFeatureUnitsLog
		err := tx.Where(
			"metered_feature_id = ? AND subscription_id = ? AND start_date = ? AND end_date = ? AND annotation = ?",
			req.MeteredFeatureID, req.SubscriptionID, bucketStart, bucketEnd, req.Annotation,
		).First(&row).Error

		switch {
		case err == gorm.ErrRecordNotFound:
			row = usagedomain.MeteredFeatureUnitsLog{
				ID:               s.genID.Generate(),
				MeteredFeatureID: req.MeteredFeatureID,
				SubscriptionID:   req.SubscriptionID,
				StartDate:        bucketStart,
				EndDate:          bucketEnd,
				ConsumedUnits:    req.ConsumedUnits,
				Annotation:       req.Annotation,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
			total = row.ConsumedUnits
			return nil
		case err != nil:
			return err
		}

		units := req.ConsumedUnits
		if req.UpdateType == usagedomain.UpdateRelative {
			units = row.ConsumedUnits.Add(req.ConsumedUnits)
		}
		if err := tx.Model(&usagedomain.MeteredFeatureUnitsLog{}).
			Where("id = ?", row.ID).
			Update("consumed_units", units).Error; err != nil {
			return err
		}
		total = units
		return nil
	}

	err := s.db.WithContext(ctx).Transaction(apply)
	if err != nil && db.IsDuplicateKeyErr(err) {
		// Lost the create race: the row exists now, apply as an update.
		err = s.db.WithContext(ctx).Transaction(apply)
	}
	if err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

func (s *Service) LogsSince(ctx context.Context, featureID, subscriptionID snowflake.ID, since time.Time) ([]usagedomain.MeteredFeatureUnitsLog, error) {
	var logs []usagedomain.MeteredFeatureUnitsLog
	err := s.db.WithContext(ctx).
		Where("metered_feature_id = ? AND subscription_id = ? AND start_date >= ?",
			featureID, subscriptionID, calendar.DayOf(since)).
		Order("start_date").
		Find(&logs).Error
	if err != nil {
		return nil, err
	}
	return logs, nil
}
