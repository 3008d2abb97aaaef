package service

import (
	"context"
	"errors"

	partydomain "github.com/argentbill/argent/internal/party/domain"
	subscriptiondomain "github.com/argentbill/argent/internal/subscription/domain"
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
	Subs  subscriptiondomain.Service
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID *snowflake.Node
	subs  subscriptiondomain.Service
}

func NewService(p ServiceParam) partydomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("party.service"),

		genID: p.GenID,
		subs:  p.Subs,
	}
}

func (s *Service) CreateCustomer(ctx context.Context, customer partydomain.Customer) (*partydomain.Customer, error) {
	if customer.ID == 0 {
		customer.ID = s.genID.Generate()
	}
	if customer.PaymentDueDays == 0 {
		customer.PaymentDueDays = 5
	}
	if err := s.db.WithContext(ctx).Create(&customer).Error; err != nil {
		return nil, err
	}
	return &customer, nil
}

func (s *Service) GetCustomer(ctx context.Context, customerID string) (*partydomain.Customer, error) {
	id, err := snowflake.ParseString(customerID)
	if err != nil {
		return nil, partydomain.ErrCustomerNotFound
	}

	var customer partydomain.Customer
	err = s.db.WithContext(ctx).Where("id = ?", id).First(&customer).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, partydomain.ErrCustomerNotFound
		}
		return nil, err
	}
	return &customer, nil
}

// DeleteCustomer removes the customer record and cancels each of their
// subscriptions. Cancellation is best-effort cleanup: a subscription whose
// state forbids the transition is skipped, not an error.
func (s *Service) DeleteCustomer(ctx context.Context, customerID string) error {
	customer, err := s.GetCustomer(ctx, customerID)
	if err != nil {
		return err
	}

	subs, err := s.subs.ListByCustomer(ctx, customer.ID)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if _, err := s.subs.Cancel(ctx, sub.ID.String()); err != nil {
			if errors.Is(err, subscriptiondomain.ErrTransitionNotAllowed) {
				continue
			}
			s.log.Warn("cascade cancel failed",
				zap.String("customer_id", customer.ID.String()),
				zap.String("subscription_id", sub.ID.String()),
				zap.Error(err),
			)
		}
	}

	if err := s.db.WithContext(ctx).Delete(&partydomain.Customer{}, "id = ?", customer.ID).Error; err != nil {
		return err
	}
	s.log.Info("customer deleted", zap.String("customer_id", customer.ID.String()))
	return nil
}

func (s *Service) CreateProvider(ctx context.Context, provider partydomain.Provider) (*partydomain.Provider, error) {
	if provider.Flow == "" {
		provider.Flow = partydomain.FlowProforma
	}
	if provider.DefaultDocumentState == "" {
		provider.DefaultDocumentState = partydomain.DefaultStateDraft
	}
	if err := provider.Validate(); err != nil {
		return nil, err
	}
	if provider.ID == 0 {
		provider.ID = s.genID.Generate()
	}
	if provider.InvoiceStartingNumber == 0 {
		provider.InvoiceStartingNumber = 1
	}
	if err := s.db.WithContext(ctx).Create(&provider).Error; err != nil {
		return nil, err
	}
	return &provider, nil
}

func (s *Service) GetProvider(ctx context.Context, providerID string) (*partydomain.Provider, error) {
	id, err := snowflake.ParseString(providerID)
	if err != nil {
		return nil, partydomain.ErrProviderNotFound
	}

	var provider partydomain.Provider
	err = s.db.WithContext(ctx).Where("id = ?", id).First(&provider).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, partydomain.ErrProviderNotFound
		}
		return nil, err
	}
	return &provider, nil
}
