package domain

import "context"

type Service interface {
	CreateCustomer(ctx context.Context, customer Customer) (*Customer, error)
	GetCustomer(ctx context.Context, customerID string) (*Customer, error)
	// DeleteCustomer removes the customer and cancels their subscriptions on
	// a best-effort basis.
	DeleteCustomer(ctx context.Context, customerID string) error

	CreateProvider(ctx context.Context, provider Provider) (*Provider, error)
	GetProvider(ctx context.Context, providerID string) (*Provider, error)
}
