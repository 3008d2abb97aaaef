// Package domain contains the billing parties: customers and providers.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

var (
	ErrCustomerNotFound       = errors.New("customer not found")
	ErrProviderNotFound       = errors.New("provider not found")
	ErrProformaSeriesRequired = errors.New("proforma series and starting number are required for the proforma flow")
)

// Flow selects which document kind a provider's subscriptions bill through.
type Flow string

const (
	FlowInvoice  Flow = "invoice"
	FlowProforma Flow = "proforma"
)

// DocumentState mirrors document.State for the provider default; kept as a
// plain string to avoid an import cycle.
const (
	DefaultStateDraft  = "draft"
	DefaultStateIssued = "issued"
)

// Customer is the billed party.
type Customer struct {
	ID       snowflake.ID `gorm:"primaryKey"`
	Name     string       `gorm:"type:text;not null"`
	Company  string       `gorm:"type:text"`
	Email    string       `gorm:"type:text"`
	Address1 string       `gorm:"type:text"`
	Address2 string       `gorm:"type:text"`
	Country  string       `gorm:"type:text"`
	City     string       `gorm:"type:text"`
	State    string       `gorm:"type:text"`
	ZipCode  string       `gorm:"type:text"`
	// CustomerReference points back to an account in an external system.
	CustomerReference string           `gorm:"type:text"`
	SalesTaxNumber    string           `gorm:"type:text"`
	SalesTaxPercent   *decimal.Decimal `gorm:"type:numeric(5,2)"`
	SalesTaxName      string           `gorm:"type:text"`
	// ConsolidatedBilling merges all of the customer's subscriptions under
	// one provider into a single document per generation run.
	ConsolidatedBilling bool `gorm:"not null;default:false"`
	PaymentDueDays      int  `gorm:"not null;default:5"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Customer) TableName() string { return "customers" }

// ArchivableFields is the snapshot frozen onto a document at issue time.
func (c Customer) ArchivableFields() datatypes.JSONMap {
	return datatypes.JSONMap{
		"name":                 c.Name,
		"company":              c.Company,
		"email":                c.Email,
		"address_1":            c.Address1,
		"address_2":            c.Address2,
		"city":                 c.City,
		"country":              c.Country,
		"zip_code":             c.ZipCode,
		"customer_reference":   c.CustomerReference,
		"consolidated_billing": c.ConsolidatedBilling,
	}
}

// Provider issues documents and owns plans.
type Provider struct {
	ID       snowflake.ID `gorm:"primaryKey"`
	Name     string       `gorm:"type:text;not null"`
	Company  string       `gorm:"type:text"`
	Email    string       `gorm:"type:text"`
	Address1 string       `gorm:"type:text"`
	Country  string       `gorm:"type:text"`
	City     string       `gorm:"type:text"`
	ZipCode  string       `gorm:"type:text"`

	Flow                   Flow   `gorm:"type:text;not null;default:'proforma'"`
	InvoiceSeries          string `gorm:"type:text;not null"`
	InvoiceStartingNumber  int64  `gorm:"not null;default:1"`
	ProformaSeries         string `gorm:"type:text"`
	ProformaStartingNumber int64  `gorm:"not null;default:0"`
	// DefaultDocumentState decides whether generated documents stay drafts
	// or are issued immediately.
	DefaultDocumentState string `gorm:"type:text;not null;default:'draft'"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Provider) TableName() string { return "providers" }

// Validate enforces the proforma-flow series requirements.
func (p Provider) Validate() error {
	if p.Flow == FlowProforma {
		if p.ProformaSeries == "" || p.ProformaStartingNumber == 0 {
			return ErrProformaSeriesRequired
		}
	}
	return nil
}

func (p Provider) archivableBase() datatypes.JSONMap {
	return datatypes.JSONMap{
		"name":      p.Name,
		"company":   p.Company,
		"email":     p.Email,
		"address_1": p.Address1,
		"city":      p.City,
		"country":   p.Country,
		"zip_code":  p.ZipCode,
	}
}

// InvoiceArchivableFields is the provider snapshot for issued invoices.
func (p Provider) InvoiceArchivableFields() datatypes.JSONMap {
	fields := p.archivableBase()
	fields["invoice_series"] = p.InvoiceSeries
	return fields
}

// ProformaArchivableFields is the provider snapshot for issued proformas.
func (p Provider) ProformaArchivableFields() datatypes.JSONMap {
	fields := p.archivableBase()
	fields["proforma_series"] = p.ProformaSeries
	return fields
}
