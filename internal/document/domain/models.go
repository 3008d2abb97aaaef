// Package domain contains billing documents (invoices and proformas), their
// entries and the document state machine.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

var (
	ErrDocumentNotFound     = errors.New("billing document not found")
	ErrTransitionNotAllowed = errors.New("document state transition not allowed")
	ErrDocumentImmutable    = errors.New("document can no longer be modified")
)

// Kind discriminates invoices from proformas. Both live in one table and
// share numbering rules, scoped per (provider, kind).
type Kind string

const (
	KindInvoice  Kind = "invoice"
	KindProforma Kind = "proforma"
)

// State is the document lifecycle state.
type State string

const (
	StateDraft    State = "draft"
	StateIssued   State = "issued"
	StatePaid     State = "paid"
	StateCanceled State = "canceled"
)

var transitions = map[State][]State{
	StateDraft:    {StateIssued},
	StateIssued:   {StatePaid, StateCanceled},
	StatePaid:     {},
	StateCanceled: {},
}

// CanTransition reports whether the edge from -> to exists.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// BillingDocument is an invoice or a proforma.
type BillingDocument struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	Kind       Kind         `gorm:"type:text;not null;uniqueIndex:ux_documents_number"`
	Number     int64        `gorm:"not null;uniqueIndex:ux_documents_number"`
	ProviderID snowflake.ID `gorm:"not null;uniqueIndex:ux_documents_number"`
	CustomerID snowflake.ID `gorm:"not null;index"`

	// Snapshots of the parties, frozen when the document is issued.
	ArchivedCustomer datatypes.JSONMap `gorm:"type:json"`
	ArchivedProvider datatypes.JSONMap `gorm:"type:json"`

	DueDate    *time.Time `gorm:"type:date"`
	IssueDate  *time.Time `gorm:"type:date"`
	PaidDate   *time.Time `gorm:"type:date"`
	CancelDate *time.Time `gorm:"type:date"`

	SalesTaxPercent *decimal.Decimal `gorm:"type:numeric(5,2)"`
	SalesTaxName    string           `gorm:"type:text"`
	Currency        string           `gorm:"type:text;not null"`

	State State `gorm:"type:text;not null;default:'draft'"`

	// LinkedDocumentID points a paid proforma at the invoice generated from
	// it.
	LinkedDocumentID *snowflake.ID `gorm:"index"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (BillingDocument) TableName() string { return "billing_documents" }

// Mutable reports whether the document still accepts entry or field changes.
func (d *BillingDocument) Mutable() bool { return d.State == StateDraft }

// DocumentEntry is one line on a document. A proforma's entries gain an
// invoice reference when the proforma is paid, so they appear on both
// documents without being copied.
type DocumentEntry struct {
	ID snowflake.ID `gorm:"primaryKey"`
	// EntryID is the 1-based position of the entry on its document.
	EntryID     int64  `gorm:"not null"`
	Description string `gorm:"type:text;not null"`
	Unit        string `gorm:"type:text"`
	// Quantity and UnitPrice are signed: negative unit prices represent
	// discount or reversal lines.
	Quantity    decimal.Decimal `gorm:"type:numeric(28,10);not null"`
	UnitPrice   decimal.Decimal `gorm:"type:numeric(28,10);not null"`
	ProductCode string          `gorm:"type:text"`
	StartDate   *time.Time      `gorm:"type:date"`
	EndDate     *time.Time      `gorm:"type:date"`
	Prorated    bool            `gorm:"not null;default:false"`

	InvoiceID  *snowflake.ID `gorm:"index"`
	ProformaID *snowflake.ID `gorm:"index"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (DocumentEntry) TableName() string { return "document_entries" }

// Amount is the entry's contribution to the document subtotal.
func (e DocumentEntry) Amount() decimal.Decimal {
	return e.Quantity.Mul(e.UnitPrice)
}

// Totals summarizes a document's amounts.
type Totals struct {
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Total    decimal.Decimal
}
