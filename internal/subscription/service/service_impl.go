package service

import (
	"context"
	"time"

	"github.com/argentbill/argent/internal/calendar"
	"github.com/argentbill/argent/internal/clock"
	subscriptiondomain "github.com/argentbill/argent/internal/subscription/domain"
	"github.com/argentbill/argent/pkg/db/option"
	"github.com/argentbill/argent/pkg/repository"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock

	genID   *snowflake.Node
	subRepo repository.Repository[subscriptiondomain.Subscription]
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("subscription.service"),
		clock: p.Clock,

		genID:   p.GenID,
		subRepo: repository.ProvideStore[subscriptiondomain.Subscription](p.DB),
	}
}

func (s *Service) Create(ctx context.Context, req subscriptiondomain.CreateSubscriptionRequest) (*subscriptiondomain.Subscription, error) {
	if req.StartDate != nil && req.TrialEnd != nil && req.TrialEnd.Before(*req.StartDate) {
		return nil, subscriptiondomain.ErrTrialBeforeStart
	}

	sub := subscriptiondomain.Subscription{
		ID:         s.genID.Generate(),
		PlanID:     req.PlanID,
		CustomerID: req.CustomerID,
		State:      subscriptiondomain.StateInactive,
		StartDate:  req.StartDate,
		TrialEnd:   req.TrialEnd,
		Reference:  req.Reference,
	}
	if err := s.db.WithContext(ctx).Create(&sub).Error; err != nil {
		return nil, err
	}

	s.log.Info("subscription created",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("plan_id", sub.PlanID.String()),
		zap.String("customer_id", sub.CustomerID.String()),
	)
	return &sub, nil
}

func (s *Service) Get(ctx context.Context, subscriptionID string) (*subscriptiondomain.Subscription, error) {
	return s.find(ctx, s.db, subscriptionID)
}

func (s *Service) find(ctx context.Context, db *gorm.DB, subscriptionID string) (*subscriptiondomain.Subscription, error) {
	id, err := snowflake.ParseString(subscriptionID)
	if err != nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}

	var sub subscriptiondomain.Subscription
	err = db.WithContext(ctx).
		Preload("Plan").
		Preload("Plan.MeteredFeatures").
		Where("id = ?", id).
		First(&sub).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, subscriptiondomain.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

// Activate settles the start date to min(today, requested-or-existing-or-today)
// and the trial end to the explicit override (clamped to the start date), the
// existing value when still valid, or start_date + plan trial days - 1.
func (s *Service) Activate(ctx context.Context, subscriptionID string, req subscriptiondomain.ActivateRequest) (*subscriptiondomain.Subscription, error) {
	var out *subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.find(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if !subscriptiondomain.CanTransition(sub.State, subscriptiondomain.StateActive) {
			return subscriptiondomain.ErrTransitionNotAllowed
		}

		today := calendar.DayOf(s.clock.Now())

		startDate := today
		switch {
		case req.StartDate != nil:
			startDate = calendar.MinDate(today, calendar.DayOf(*req.StartDate))
		case sub.StartDate != nil:
			startDate = calendar.MinDate(today, calendar.DayOf(*sub.StartDate))
		}
		sub.StartDate = &startDate

		switch {
		case req.TrialEndDate != nil:
			trialEnd := calendar.MaxDate(startDate, calendar.DayOf(*req.TrialEndDate))
			sub.TrialEnd = &trialEnd
		case sub.TrialEnd != nil:
			if calendar.DayOf(*sub.TrialEnd).Before(startDate) {
				sub.TrialEnd = nil
			}
		case sub.Plan != nil && sub.Plan.TrialPeriodDays > 0:
			trialEnd := startDate.AddDate(0, 0, sub.Plan.TrialPeriodDays-1)
			sub.TrialEnd = &trialEnd
		}

		sub.State = subscriptiondomain.StateActive
		if err := tx.Model(&subscriptiondomain.Subscription{}).
			Where("id = ?", sub.ID).
			Updates(map[string]any{
				"state":      sub.State,
				"start_date": sub.StartDate,
				"trial_end":  sub.TrialEnd,
			}).Error; err != nil {
			return err
		}
		out = sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("subscription activated",
		zap.String("subscription_id", out.ID.String()),
		zap.Time("start_date", *out.StartDate),
	)
	return out, nil
}

func (s *Service) Cancel(ctx context.Context, subscriptionID string) (*subscriptiondomain.Subscription, error) {
	return s.transition(ctx, subscriptionID, subscriptiondomain.StateCanceled, nil)
}

func (s *Service) End(ctx context.Context, subscriptionID string, endedAt time.Time) (*subscriptiondomain.Subscription, error) {
	day := calendar.DayOf(endedAt)
	return s.transition(ctx, subscriptionID, subscriptiondomain.StateEnded, &day)
}

func (s *Service) transition(ctx context.Context, subscriptionID string, to subscriptiondomain.State, endedAt *time.Time) (*subscriptiondomain.Subscription, error) {
	var out *subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.find(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if !subscriptiondomain.CanTransition(sub.State, to) {
			return subscriptiondomain.ErrTransitionNotAllowed
		}

		updates := map[string]any{"state": to}
		if endedAt != nil {
			updates["ended_at"] = *endedAt
			sub.EndedAt = endedAt
		}
		if err := tx.Model(&subscriptiondomain.Subscription{}).
			Where("id = ?", sub.ID).
			Updates(updates).Error; err != nil {
			return err
		}
		sub.State = to
		out = sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("subscription state changed",
		zap.String("subscription_id", out.ID.String()),
		zap.String("state", string(out.State)),
	)
	return out, nil
}

func (s *Service) ListByCustomer(ctx context.Context, customerID snowflake.ID, states ...subscriptiondomain.State) ([]subscriptiondomain.Subscription, error) {
	opts := []option.QueryOption{
		option.WithPreload("Plan"),
		option.WithPreload("Plan.MeteredFeatures"),
		option.WithOrder("id"),
	}
	if len(states) > 0 {
		opts = append(opts, option.WithFieldIn("state", states))
	}

	rows, err := s.subRepo.Find(ctx,
		&subscriptiondomain.Subscription{CustomerID: customerID}, opts...)
	if err != nil {
		return nil, err
	}
	subs := make([]subscriptiondomain.Subscription, 0, len(rows))
	for _, row := range rows {
		subs = append(subs, *row)
	}
	return subs, nil
}

func (s *Service) LastBillingDate(ctx context.Context, subscriptionID snowflake.ID) (*time.Time, error) {
	var log subscriptiondomain.BillingLog
	err := s.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("billing_date DESC").
		First(&log).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	day := calendar.DayOf(log.BillingDate)
	return &day, nil
}

func (s *Service) RecordBilling(ctx context.Context, subscriptionID snowflake.ID, billingDate time.Time) error {
	log := subscriptiondomain.BillingLog{
		ID:             s.genID.Generate(),
		SubscriptionID: subscriptionID,
		BillingDate:    calendar.DayOf(billingDate),
	}
	return s.db.WithContext(ctx).Create(&log).Error
}
