package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// CreateDraftRequest opens a new draft document.
type CreateDraftRequest struct {
	Kind       Kind
	ProviderID snowflake.ID
	CustomerID snowflake.ID
	Currency   string
	DueDate    *time.Time
}

// EntryInput is one line to append to a draft document.
type EntryInput struct {
	Description string
	Unit        string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	ProductCode string
	StartDate   *time.Time
	EndDate     *time.Time
	Prorated    bool
}

type Service interface {
	CreateDraft(ctx context.Context, req CreateDraftRequest) (*BillingDocument, error)
	Get(ctx context.Context, documentID string) (*BillingDocument, error)

	// AddEntry appends a line to a draft document, assigning the next
	// per-document entry id.
	AddEntry(ctx context.Context, documentID snowflake.ID, input EntryInput) (*DocumentEntry, error)
	Entries(ctx context.Context, documentID snowflake.ID) ([]DocumentEntry, error)
	Totals(ctx context.Context, documentID snowflake.ID) (*Totals, error)

	// Issue transitions draft -> issued, freezing the sales tax from the
	// customer and archiving the party snapshots.
	Issue(ctx context.Context, documentID string, issueDate, dueDate *time.Time) (*BillingDocument, error)
	// Pay transitions issued -> paid. Paying a proforma also creates the
	// linked invoice, issues and pays it, and points the proforma's entries
	// at it.
	Pay(ctx context.Context, documentID string, paidDate *time.Time) (*BillingDocument, error)
	// Cancel transitions issued -> canceled.
	Cancel(ctx context.Context, documentID string, cancelDate *time.Time) (*BillingDocument, error)
}
