package service

import (
	"context"
	"database/sql"
	"time"

	"github.com/argentbill/argent/internal/calendar"
	"github.com/argentbill/argent/internal/clock"
	documentdomain "github.com/argentbill/argent/internal/document/domain"
	partydomain "github.com/argentbill/argent/internal/party/domain"
	"github.com/argentbill/argent/pkg/db"
	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// numberAttempts bounds the retries when two writers race for the same
// document number. The unique index on (provider, kind, number) rejects the
// loser, which recomputes and tries again.
const numberAttempts = 3

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

	genID *snowflake.Node
}

func NewService(p ServiceParam) documentdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("document.service"),
		clock: p.Clock,

		genID: p.GenID,
	}
}

func (s *Service) CreateDraft(ctx context.Context, req documentdomain.CreateDraftRequest) (*documentdomain.BillingDocument, error) {
	customer, provider, err := s.parties(ctx, s.db, req.CustomerID, req.ProviderID)
	if err != nil {
		return nil, err
	}

	doc := documentdomain.BillingDocument{
		ID:              s.genID.Generate(),
		Kind:            req.Kind,
		ProviderID:      req.ProviderID,
		CustomerID:      req.CustomerID,
		Currency:        req.Currency,
		DueDate:         req.DueDate,
		SalesTaxName:    customer.SalesTaxName,
		SalesTaxPercent: customer.SalesTaxPercent,
		State:           documentdomain.StateDraft,
	}

	err = nil
	for attempt := 0; attempt < numberAttempts; attempt++ {
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			number, numErr := s.nextNumber(tx, provider, req.Kind)
			if numErr != nil {
				return numErr
			}
			doc.Number = number
			return tx.Create(&doc).Error
		})
		if err == nil {
			s.log.Info("document draft created",
				zap.String("document_id", doc.ID.String()),
				zap.String("kind", string(doc.Kind)),
				zap.Int64("number", doc.Number),
			)
			return &doc, nil
		}
		if !db.IsDuplicateKeyErr(err) {
			return nil, err
		}
	}
	return nil, err
}

// nextNumber picks the provider's starting number for the first document of
// this kind, max+1 afterwards.
func (s *Service) nextNumber(tx *gorm.DB, provider *partydomain.Provider, kind documentdomain.Kind) (int64, error) {
	var max sql.NullInt64
	err := tx.Model(&documentdomain.BillingDocument{}).
		Where("provider_id = ? AND kind = ?", provider.ID, kind).
		Select("MAX(number)").
		Scan(&max).Error
	if err != nil {
		return 0, err
	}
	if max.Valid {
		return max.Int64 + 1, nil
	}

	starting := provider.InvoiceStartingNumber
	if kind == documentdomain.KindProforma {
		starting = provider.ProformaStartingNumber
	}
	if starting <= 0 {
		starting = 1
	}
	return starting, nil
}

func (s *Service) Get(ctx context.Context, documentID string) (*documentdomain.BillingDocument, error) {
	return s.find(ctx, s.db, documentID)
}

func (s *Service) find(ctx context.Context, tx *gorm.DB, documentID string) (*documentdomain.BillingDocument, error) {
	id, err := snowflake.ParseString(documentID)
	if err != nil {
		return nil, documentdomain.ErrDocumentNotFound
	}

	var doc documentdomain.BillingDocument
	err = tx.WithContext(ctx).Where("id = ?", id).First(&doc).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, documentdomain.ErrDocumentNotFound
		}
		return nil, err
	}
	return &doc, nil
}

func (s *Service) parties(ctx context.Context, tx *gorm.DB, customerID, providerID snowflake.ID) (*partydomain.Customer, *partydomain.Provider, error) {
	var customer partydomain.Customer
	if err := tx.WithContext(ctx).Where("id = ?", customerID).First(&customer).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil, partydomain.ErrCustomerNotFound
		}
		return nil, nil, err
	}
	var provider partydomain.Provider
	if err := tx.WithContext(ctx).Where("id = ?", providerID).First(&provider).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil, partydomain.ErrProviderNotFound
		}
		return nil, nil, err
	}
	return &customer, &provider, nil
}

func (s *Service) AddEntry(ctx context.Context, documentID snowflake.ID, input documentdomain.EntryInput) (*documentdomain.DocumentEntry, error) {
	var entry documentdomain.DocumentEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		doc, err := s.find(ctx, tx, documentID.String())
		if err != nil {
			return err
		}
		if !doc.Mutable() {
			return documentdomain.ErrDocumentImmutable
		}

		var max sql.NullInt64
		err = tx.Model(&documentdomain.DocumentEntry{}).
			Where(s.ownerClause(doc.Kind), doc.ID).
			Select("MAX(entry_id)").
			Scan(&max).Error
		if err != nil {
			return err
		}

		entry = documentdomain.DocumentEntry{
			ID:          s.genID.Generate(),
			EntryID:     max.Int64 + 1,
			Description: input.Description,
			Unit:        input.Unit,
			Quantity:    input.Quantity,
			UnitPrice:   input.UnitPrice,
			ProductCode: input.ProductCode,
			StartDate:   input.StartDate,
			EndDate:     input.EndDate,
			Prorated:    input.Prorated,
		}
		if doc.Kind == documentdomain.KindProforma {
			entry.ProformaID = &doc.ID
		} else {
			entry.InvoiceID = &doc.ID
		}
		return tx.Create(&entry).Error
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Service) ownerClause(kind documentdomain.Kind) string {
	if kind == documentdomain.KindProforma {
		return "proforma_id = ?"
	}
	return "invoice_id = ?"
}

func (s *Service) Entries(ctx context.Context, documentID snowflake.ID) ([]documentdomain.DocumentEntry, error) {
	doc, err := s.find(ctx, s.db, documentID.String())
	if err != nil {
		return nil, err
	}

	var entries []documentdomain.DocumentEntry
	err = s.db.WithContext(ctx).
		Where(s.ownerClause(doc.Kind), doc.ID).
		Order("entry_id").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Service) Totals(ctx context.Context, documentID snowflake.ID) (*documentdomain.Totals, error) {
	doc, err := s.find(ctx, s.db, documentID.String())
	if err != nil {
		return nil, err
	}
	entries, err := s.Entries(ctx, documentID)
	if err != nil {
		return nil, err
	}

	subtotal := decimal.Zero
	for _, entry := range entries {
		subtotal = subtotal.Add(entry.Amount())
	}
	tax := decimal.Zero
	if doc.SalesTaxPercent != nil {
		tax = subtotal.Mul(*doc.SalesTaxPercent).Div(decimal.NewFromInt(100)).Round(2)
	}
	return &documentdomain.Totals{
		Subtotal: subtotal,
		Tax:      tax,
		Total:    subtotal.Add(tax),
	}, nil
}

func (s *Service) Issue(ctx context.Context, documentID string, issueDate, dueDate *time.Time) (*documentdomain.BillingDocument, error) {
	var out *documentdomain.BillingDocument
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		doc, err := s.find(ctx, tx, documentID)
		if err != nil {
			return err
		}
		if !documentdomain.CanTransition(doc.State, documentdomain.StateIssued) {
			return documentdomain.ErrTransitionNotAllowed
		}

		customer, provider, err := s.parties(ctx, tx, doc.CustomerID, doc.ProviderID)
		if err != nil {
			return err
		}

		s.applyIssue(doc, customer, provider, issueDate, dueDate)
		if err := tx.Model(&documentdomain.BillingDocument{}).
			Where("id = ?", doc.ID).
			Updates(map[string]any{
				"state":             doc.State,
				"issue_date":        doc.IssueDate,
				"due_date":          doc.DueDate,
				"sales_tax_name":    doc.SalesTaxName,
				"sales_tax_percent": doc.SalesTaxPercent,
				"archived_customer": doc.ArchivedCustomer,
				"archived_provider": doc.ArchivedProvider,
			}).Error; err != nil {
			return err
		}
		out = doc
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("document issued",
		zap.String("document_id", out.ID.String()),
		zap.String("kind", string(out.Kind)),
		zap.Int64("number", out.Number),
	)
	return out, nil
}

// applyIssue mutates the in-memory document to its issued form: dates
// defaulted to today, tax frozen from the customer, party snapshots archived.
func (s *Service) applyIssue(doc *documentdomain.BillingDocument, customer *partydomain.Customer, provider *partydomain.Provider, issueDate, dueDate *time.Time) {
	today := calendar.DayOf(s.clock.Now())

	if issueDate != nil {
		day := calendar.DayOf(*issueDate)
		doc.IssueDate = &day
	} else if doc.IssueDate == nil {
		doc.IssueDate = &today
	}
	if dueDate != nil {
		day := calendar.DayOf(*dueDate)
		doc.DueDate = &day
	} else if doc.DueDate == nil {
		doc.DueDate = &today
	}

	if doc.SalesTaxName == "" {
		doc.SalesTaxName = customer.SalesTaxName
	}
	if doc.SalesTaxPercent == nil {
		doc.SalesTaxPercent = customer.SalesTaxPercent
	}

	doc.ArchivedCustomer = customer.ArchivableFields()
	if doc.Kind == documentdomain.KindProforma {
		doc.ArchivedProvider = provider.ProformaArchivableFields()
	} else {
		doc.ArchivedProvider = provider.InvoiceArchivableFields()
	}
	doc.State = documentdomain.StateIssued
}

func (s *Service) Pay(ctx context.Context, documentID string, paidDate *time.Time) (*documentdomain.BillingDocument, error) {
	var out *documentdomain.BillingDocument

	pay := func(tx *gorm.DB) error {
		doc, err := s.find(ctx, tx, documentID)
		if err != nil {
			return err
		}
		if !documentdomain.CanTransition(doc.State, documentdomain.StatePaid) {
			return documentdomain.ErrTransitionNotAllowed
		}

		day := calendar.DayOf(s.clock.Now())
		if paidDate != nil {
			day = calendar.DayOf(*paidDate)
		}
		doc.PaidDate = &day
		doc.State = documentdomain.StatePaid

		updates := map[string]any{
			"state":     doc.State,
			"paid_date": doc.PaidDate,
		}

		if doc.Kind == documentdomain.KindProforma {
			invoice, err := s.generateInvoiceFromProforma(ctx, tx, doc)
			if err != nil {
				return err
			}
			doc.LinkedDocumentID = &invoice.ID
			updates["linked_document_id"] = invoice.ID
		}

		if err := tx.Model(&documentdomain.BillingDocument{}).
			Where("id = ?", doc.ID).
			Updates(updates).Error; err != nil {
			return err
		}
		out = doc
		return nil
	}

	var err error
	for attempt := 0; attempt < numberAttempts; attempt++ {
		err = s.db.WithContext(ctx).Transaction(pay)
		if err == nil || !db.IsDuplicateKeyErr(err) {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	s.log.Info("document paid",
		zap.String("document_id", out.ID.String()),
		zap.String("kind", string(out.Kind)),
	)
	return out, nil
}

// generateInvoiceFromProforma creates the invoice that settles a paid
// proforma: a copy of the proforma's archived fields, immediately issued and
// paid, with the proforma's entries pointed at it as well.
func (s *Service) generateInvoiceFromProforma(ctx context.Context, tx *gorm.DB, proforma *documentdomain.BillingDocument) (*documentdomain.BillingDocument, error) {
	var provider partydomain.Provider
	if err := tx.WithContext(ctx).Where("id = ?", proforma.ProviderID).First(&provider).Error; err != nil {
		return nil, err
	}

	number, err := s.nextNumber(tx, &provider, documentdomain.KindInvoice)
	if err != nil {
		return nil, err
	}

	invoice := documentdomain.BillingDocument{
		ID:               s.genID.Generate(),
		Kind:             documentdomain.KindInvoice,
		Number:           number,
		ProviderID:       proforma.ProviderID,
		CustomerID:       proforma.CustomerID,
		ArchivedCustomer: proforma.ArchivedCustomer,
		ArchivedProvider: provider.InvoiceArchivableFields(),
		DueDate:          proforma.DueDate,
		IssueDate:        proforma.IssueDate,
		PaidDate:         proforma.PaidDate,
		SalesTaxPercent:  proforma.SalesTaxPercent,
		SalesTaxName:     proforma.SalesTaxName,
		Currency:         proforma.Currency,
		State:            documentdomain.StatePaid,
		LinkedDocumentID: &proforma.ID,
	}
	if err := tx.Create(&invoice).Error; err != nil {
		return nil, err
	}

	err = tx.Model(&documentdomain.DocumentEntry{}).
		Where("proforma_id = ?", proforma.ID).
		Update("invoice_id", invoice.ID).Error
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (s *Service) Cancel(ctx context.Context, documentID string, cancelDate *time.Time) (*documentdomain.BillingDocument, error) {
	var out *documentdomain.BillingDocument
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		doc, err := s.find(ctx, tx, documentID)
		if err != nil {
			return err
		}
		if !documentdomain.CanTransition(doc.State, documentdomain.StateCanceled) {
			return documentdomain.ErrTransitionNotAllowed
		}

		day := calendar.DayOf(s.clock.Now())
		if cancelDate != nil {
			day = calendar.DayOf(*cancelDate)
		}
		doc.CancelDate = &day
		doc.State = documentdomain.StateCanceled

		if err := tx.Model(&documentdomain.BillingDocument{}).
			Where("id = ?", doc.ID).
			Updates(map[string]any{
				"state":       doc.State,
				"cancel_date": doc.CancelDate,
			}).Error; err != nil {
			return err
		}
		out = doc
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("document canceled", zap.String("document_id", out.ID.String()))
	return out, nil
}
