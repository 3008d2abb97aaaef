package service

import (
	"context"

	catalogdomain "github.com/argentbill/argent/internal/catalog/domain"
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
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID    *snowflake.Node
	planRepo repository.Repository[catalogdomain.Plan]
}

func NewService(p ServiceParam) catalogdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("catalog.service"),

		genID:    p.GenID,
		planRepo: repository.ProvideStore[catalogdomain.Plan](p.DB),
	}
}

func (s *Service) CreatePlan(ctx context.Context, req catalogdomain.CreatePlanRequest) (*catalogdomain.Plan, error) {
	if !catalogdomain.ValidInterval(req.Plan.Interval) {
		return nil, catalogdomain.ErrInvalidInterval
	}
	if err := catalogdomain.ValidateMeteredFeatures(req.MeteredFeatures); err != nil {
		return nil, err
	}

	plan := req.Plan
	if plan.ID == 0 {
		plan.ID = s.genID.Generate()
	}
	if plan.IntervalCount <= 0 {
		plan.IntervalCount = 1
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range req.MeteredFeatures {
			if req.MeteredFeatures[i].ID == 0 {
				req.MeteredFeatures[i].ID = s.genID.Generate()
			}
		}
		plan.MeteredFeatures = req.MeteredFeatures
		return tx.Create(&plan).Error
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("plan created",
		zap.String("plan_id", plan.ID.String()),
		zap.String("name", plan.Name),
	)
	return &plan, nil
}

func (s *Service) GetPlan(ctx context.Context, planID string) (*catalogdomain.Plan, error) {
	id, err := snowflake.ParseString(planID)
	if err != nil {
		return nil, catalogdomain.ErrPlanNotFound
	}

	plan, err := s.planRepo.FindOne(ctx,
		&catalogdomain.Plan{ID: id},
		option.WithPreload("MeteredFeatures"),
	)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, catalogdomain.ErrPlanNotFound
	}
	return plan, nil
}
