package service

import (
	"context"
	"fmt"
	"time"

	billingdomain "github.com/argentbill/argent/internal/billing/domain"
	"github.com/argentbill/argent/internal/calendar"
	catalogdomain "github.com/argentbill/argent/internal/catalog/domain"
	"github.com/argentbill/argent/internal/clock"
	"github.com/argentbill/argent/internal/config"
	documentdomain "github.com/argentbill/argent/internal/document/domain"
	"github.com/argentbill/argent/internal/observability/metrics"
	partydomain "github.com/argentbill/argent/internal/party/domain"
	subscriptiondomain "github.com/argentbill/argent/internal/subscription/domain"
	usagedomain "github.com/argentbill/argent/internal/usage/domain"
	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var one = decimal.NewFromInt(1)

type ServiceParam struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	BillingConfig *config.BillingConfigHolder
	Metrics       *metrics.Metrics `optional:"true"`
	Subs          subscriptiondomain.Service
	Docs          documentdomain.Service
	Usage         usagedomain.Service
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	billingCfg *config.BillingConfigHolder
	metrics    *metrics.Metrics

	subs  subscriptiondomain.Service
	docs  documentdomain.Service
	usage usagedomain.Service
}

func NewService(p ServiceParam) billingdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("billing.service"),
		clock:      p.Clock,
		billingCfg: p.BillingConfig,
		metrics:    p.Metrics,

		subs:  p.Subs,
		docs:  p.Docs,
		usage: p.Usage,
	}
}

// Run walks all customers in id-ordered batches and generates the due
// documents. Customers are independent units of work: an error for one is
// logged and counted, and the run moves on.
func (s *Service) Run(ctx context.Context, req billingdomain.RunRequest) (*billingdomain.RunResult, error) {
	now := calendar.DayOf(s.clock.Now())
	if req.BillingDate != nil {
		now = calendar.DayOf(*req.BillingDate)
	}

	res := &billingdomain.RunResult{}
	batch := s.billingCfg.Get().CustomerBatchSize
	var lastID snowflake.ID
	for {
		var customers []partydomain.Customer
		q := s.db.WithContext(ctx).Order("id").Limit(batch)
		if lastID != 0 {
			q = q.Where("id > ?", lastID)
		}
		if err := q.Find(&customers).Error; err != nil {
			return nil, err
		}
		if len(customers) == 0 {
			break
		}

		for i := range customers {
			if err := s.processCustomer(ctx, &customers[i], now, req.SubscriptionID, res); err != nil {
				res.CustomersFailed++
				s.metrics.RecordRunFailure(ctx, "customer")
				s.log.Error("billing run failed for customer",
					zap.String("customer_id", customers[i].ID.String()),
					zap.Error(err),
				)
			}
		}
		lastID = customers[len(customers)-1].ID
		if len(customers) < batch {
			break
		}
	}

	s.log.Info("billing run finished",
		zap.Time("billing_date", now),
		zap.Int("documents_generated", res.DocumentsGenerated),
		zap.Int("subscriptions_billed", res.SubscriptionsBilled),
		zap.Int("customers_failed", res.CustomersFailed),
	)
	return res, nil
}

// openDocument is the consolidated-billing accumulator: one in-progress
// document per provider, appended to sequentially.
type openDocument struct {
	doc      *documentdomain.BillingDocument
	provider *partydomain.Provider
}

func (s *Service) processCustomer(ctx context.Context, customer *partydomain.Customer, now time.Time, onlySubscription string, res *billingdomain.RunResult) error {
	subs, err := s.subs.ListByCustomer(ctx, customer.ID,
		subscriptiondomain.StateActive, subscriptiondomain.StateCanceled)
	if err != nil {
		return err
	}

	perProvider := make(map[snowflake.ID]*openDocument)

	for i := range subs {
		sub := &subs[i]
		if onlySubscription != "" && sub.ID.String() != onlySubscription {
			continue
		}
		last, err := s.subs.LastBillingDate(ctx, sub.ID)
		if err != nil {
			return err
		}
		if sub.Plan != nil && sub.Plan.GenerateAfter == 0 {
			sub.Plan.GenerateAfter = s.billingCfg.Get().DefaultGenerateAfter
		}
		if !sub.ShouldBeBilled(now, last) {
			continue
		}

		provider, err := s.provider(ctx, sub.Plan.ProviderID)
		if err != nil {
			return err
		}

		var doc *documentdomain.BillingDocument
		created := true
		if customer.ConsolidatedBilling {
			if open, ok := perProvider[provider.ID]; ok {
				doc, created = open.doc, false
			}
		}
		if doc == nil {
			doc, err = s.createDocument(ctx, customer, provider, sub, now)
			if err != nil {
				return err
			}
			if customer.ConsolidatedBilling {
				perProvider[provider.ID] = &openDocument{doc: doc, provider: provider}
			}
			s.metrics.RecordDocumentGenerated(ctx, string(doc.Kind))
			res.DocumentsGenerated++
		}
		s.printStatus(sub, doc.Kind, created)

		if err := s.billSubscription(ctx, doc, sub, now, last); err != nil {
			return err
		}
		res.SubscriptionsBilled++

		// A canceled subscription is billed exactly once more, then closed.
		if sub.State == subscriptiondomain.StateCanceled {
			if _, err := s.subs.End(ctx, sub.ID.String(), now); err != nil {
				return err
			}
		}

		if !customer.ConsolidatedBilling && provider.DefaultDocumentState == partydomain.DefaultStateIssued {
			if _, err := s.docs.Issue(ctx, doc.ID.String(), &now, nil); err != nil {
				return err
			}
		}
	}

	for _, open := range perProvider {
		if open.provider.DefaultDocumentState == partydomain.DefaultStateIssued {
			if _, err := s.docs.Issue(ctx, open.doc.ID.String(), &now, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Service) provider(ctx context.Context, providerID snowflake.ID) (*partydomain.Provider, error) {
	var provider partydomain.Provider
	err := s.db.WithContext(ctx).Where("id = ?", providerID).First(&provider).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, partydomain.ErrProviderNotFound
		}
		return nil, err
	}
	return &provider, nil
}

func (s *Service) createDocument(ctx context.Context, customer *partydomain.Customer, provider *partydomain.Provider, sub *subscriptiondomain.Subscription, now time.Time) (*documentdomain.BillingDocument, error) {
	kind := documentdomain.KindInvoice
	if provider.Flow == partydomain.FlowProforma {
		kind = documentdomain.KindProforma
	}

	dueDays := customer.PaymentDueDays
	if dueDays <= 0 {
		dueDays = sub.Plan.DueDays
	}
	if dueDays <= 0 {
		dueDays = s.billingCfg.Get().DefaultDueDays
	}
	due := now.AddDate(0, 0, dueDays)

	return s.docs.CreateDraft(ctx, documentdomain.CreateDraftRequest{
		Kind:       kind,
		ProviderID: provider.ID,
		CustomerID: customer.ID,
		Currency:   sub.Plan.Currency,
		DueDate:    &due,
	})
}

func (s *Service) printStatus(sub *subscriptiondomain.Subscription, kind documentdomain.Kind, created bool) {
	docName := "Invoice"
	if kind == documentdomain.KindProforma {
		docName = "Proforma"
	}
	action := "Updating"
	if created {
		action = "Generating"
	}
	s.log.Info(fmt.Sprintf("%s %s for subscription %s", action, docName, sub.ID))
}

func (s *Service) billSubscription(ctx context.Context, doc *documentdomain.BillingDocument, sub *subscriptiondomain.Subscription, now time.Time, last *time.Time) error {
	entries := planEntries(sub, now, last)

	metered, err := s.meteredEntries(ctx, sub, now, last)
	if err != nil {
		return err
	}
	entries = append(entries, metered...)

	for _, input := range entries {
		if _, err := s.docs.AddEntry(ctx, doc.ID, input); err != nil {
			return err
		}
	}
	s.metrics.RecordDocumentEntries(ctx, string(doc.Kind), int64(len(entries)))

	return s.subs.RecordBilling(ctx, sub.ID, now)
}

// planEntries produces the plan-fee lines for one subscription.
//
// Recurring bills cover exactly one interval at full price. First bills are
// prorated: without a trial, a single entry covers [start_date, now] at a
// percent clamped to 1.00; with a trial, a matched pair of positive and
// negative lines nets the trial window to zero, a prorated entry covers the
// rest of the trial's bucket, and when the billing date has moved past that
// bucket the current bucket is billed in advance at full price.
func planEntries(sub *subscriptiondomain.Subscription, now time.Time, last *time.Time) []documentdomain.EntryInput {
	plan := sub.Plan
	if last != nil {
		start := calendar.DayOf(*last)
		end := calendar.NextDateAfterPeriod(start, plan.Interval, plan.IntervalCount)
		return []documentdomain.EntryInput{
			planFeeEntry(sub, start, end, plan.Amount, false),
		}
	}

	start := calendar.DayOf(*sub.StartDate)
	if sub.TrialEnd != nil && !calendar.DayOf(*sub.TrialEnd).Before(start) {
		return trialSplitEntries(sub, start, now)
	}

	percent := firstBillPercent(plan, start, now)
	price := plan.Amount.Mul(percent).Round(2)
	return []documentdomain.EntryInput{
		planFeeEntry(sub, start, now, price, percent.LessThan(one)),
	}
}

func trialSplitEntries(sub *subscriptiondomain.Subscription, start, now time.Time) []documentdomain.EntryInput {
	plan := sub.Plan
	trialEnd := calendar.DayOf(*sub.TrialEnd)
	trialTo := calendar.MinDate(trialEnd, now)

	daysInInterval := daysInBucketInterval(plan, trialEnd)
	trialDays := calendar.DaysBetween(start, trialTo) + 1
	percent := calendar.ProrationPercent(trialDays, daysInInterval)
	price := plan.Amount.Mul(percent).Round(2)

	entries := []documentdomain.EntryInput{
		trialEntry(sub, "trial subscription", start, trialTo, price),
		trialEntry(sub, "trial discount", start, trialTo, price.Neg()),
	}

	postStart := trialEnd.AddDate(0, 0, 1)
	if postStart.After(now) {
		return entries
	}

	postEnd, ok := sub.BucketEndDate(postStart)
	if !ok {
		return entries
	}
	remainderDays := calendar.DaysBetween(postStart, postEnd) + 1
	remainderPercent := calendar.ProrationPercent(remainderDays, daysInInterval)
	remainderPrice := plan.Amount.Mul(remainderPercent).Round(2)
	entries = append(entries,
		planFeeEntry(sub, postStart, postEnd, remainderPrice, true))

	// The billing date already sits in a later bucket: bill it in advance at
	// full price.
	if now.After(postEnd) {
		curStart, okStart := sub.BucketStartDate(now)
		curEnd, okEnd := sub.BucketEndDate(now)
		if okStart && okEnd {
			entries = append(entries,
				planFeeEntry(sub, curStart, curEnd, plan.Amount, false))
		}
	}
	return entries
}

func planFeeEntry(sub *subscriptiondomain.Subscription, start, end time.Time, price decimal.Decimal, prorated bool) documentdomain.EntryInput {
	plan := sub.Plan
	return documentdomain.EntryInput{
		Description: fmt.Sprintf("%s %sly plan subscription (%s - %s)",
			plan.Name, plan.Interval, fmtDate(start), fmtDate(end)),
		Unit:        fmt.Sprintf("%ss", plan.Interval),
		Quantity:    one,
		UnitPrice:   price,
		ProductCode: plan.ProductCode,
		StartDate:   &start,
		EndDate:     &end,
		Prorated:    prorated,
	}
}

func trialEntry(sub *subscriptiondomain.Subscription, label string, start, end time.Time, price decimal.Decimal) documentdomain.EntryInput {
	plan := sub.Plan
	return documentdomain.EntryInput{
		Description: fmt.Sprintf("%s plan %s (%s - %s)",
			plan.Name, label, fmtDate(start), fmtDate(end)),
		Unit:        fmt.Sprintf("%ss", plan.Interval),
		Quantity:    one,
		UnitPrice:   price,
		ProductCode: plan.ProductCode,
		StartDate:   &start,
		EndDate:     &end,
		Prorated:    true,
	}
}

// meteredEntries produces the consumption lines: one entry per ledger row,
// two when a trial row overflows its included units (the consumed line and
// its included-units discount).
func (s *Service) meteredEntries(ctx context.Context, sub *subscriptiondomain.Subscription, now time.Time, last *time.Time) ([]documentdomain.EntryInput, error) {
	plan := sub.Plan
	since := calendar.DayOf(*sub.StartDate)
	if last != nil {
		since = calendar.DayOf(*last)
	}
	firstTime := last == nil

	var out []documentdomain.EntryInput
	for _, mf := range plan.MeteredFeatures {
		logs, err := s.usage.LogsSince(ctx, mf.ID, sub.ID, since)
		if err != nil {
			return nil, err
		}
		for _, row := range logs {
			rowStart := calendar.DayOf(row.StartDate)
			rowEnd := calendar.DayOf(row.EndDate)
			if rowStart.After(now) {
				continue
			}

			inTrial := sub.TrialEnd != nil && !rowEnd.After(calendar.DayOf(*sub.TrialEnd))
			if inTrial {
				out = append(out, trialUsageEntries(mf, row, plan, rowStart, rowEnd)...)
				continue
			}

			included := mf.IncludedUnits
			prorated := false
			if firstTime {
				// The first bill covers a partial bucket, so the included
				// units shrink to the row's share of the full interval.
				rowDays := calendar.DaysBetween(rowStart, rowEnd) + 1
				percent := calendar.ProrationPercent(rowDays, daysInBucketInterval(plan, rowEnd))
				included = percent.Mul(mf.IncludedUnits)
				prorated = percent.LessThan(one)
			}
			overage := row.ConsumedUnits.Sub(included)
			if overage.IsNegative() {
				overage = decimal.Zero
			}
			out = append(out, documentdomain.EntryInput{
				Description: usageDescription(mf.Name, rowStart, rowEnd),
				Unit:        mf.Unit,
				Quantity:    overage,
				UnitPrice:   mf.PricePerUnit,
				ProductCode: mf.ProductCode,
				StartDate:   &rowStart,
				EndDate:     &rowEnd,
				Prorated:    prorated,
			})
		}
	}
	return out, nil
}

// trialUsageEntries nets trial consumption to zero while it stays within the
// prorated trial allowance, and bills only the excess when it does not.
func trialUsageEntries(mf catalogdomain.MeteredFeature, row usagedomain.MeteredFeatureUnitsLog, plan *catalogdomain.Plan, rowStart, rowEnd time.Time) []documentdomain.EntryInput {
	trialDays := calendar.DaysBetween(rowStart, rowEnd) + 1
	percent := calendar.ProrationPercent(trialDays, daysInBucketInterval(plan, rowEnd))
	included := percent.Mul(mf.IncludedUnitsDuringTrial)

	if row.ConsumedUnits.GreaterThan(included) {
		return []documentdomain.EntryInput{
			{
				Description: usageDescription(mf.Name, rowStart, rowEnd),
				Unit:        mf.Unit,
				Quantity:    row.ConsumedUnits,
				UnitPrice:   mf.PricePerUnit,
				ProductCode: mf.ProductCode,
				StartDate:   &rowStart,
				EndDate:     &rowEnd,
				Prorated:    true,
			},
			{
				Description: fmt.Sprintf("%s included trial units (%s - %s)",
					mf.Name, fmtDate(rowStart), fmtDate(rowEnd)),
				Unit:        mf.Unit,
				Quantity:    included,
				UnitPrice:   mf.PricePerUnit.Neg(),
				ProductCode: mf.ProductCode,
				StartDate:   &rowStart,
				EndDate:     &rowEnd,
				Prorated:    true,
			},
		}
	}

	return []documentdomain.EntryInput{{
		Description: usageDescription(mf.Name, rowStart, rowEnd),
		Unit:        mf.Unit,
		Quantity:    row.ConsumedUnits,
		UnitPrice:   decimal.Zero,
		ProductCode: mf.ProductCode,
		StartDate:   &rowStart,
		EndDate:     &rowEnd,
		Prorated:    true,
	}}
}

func usageDescription(name string, start, end time.Time) string {
	return fmt.Sprintf("%s (%s - %s)", name, fmtDate(start), fmtDate(end))
}

// firstBillPercent is the prorated share for a first bill without a trial:
// days since the start date over the length of the interval ending at now,
// clamped to 1.00 when more than a full interval has passed.
func firstBillPercent(plan *catalogdomain.Plan, start, now time.Time) decimal.Decimal {
	intervalStart := calendar.NextDateAfterPeriod(now, plan.Interval, -plan.IntervalCount)
	daysInInterval := calendar.DaysBetween(intervalStart, now)
	daysBilled := calendar.DaysBetween(start, now)
	return calendar.ProrationPercent(daysBilled, daysInInterval)
}

// daysInBucketInterval is the length in days of the full interval containing
// ref. Month buckets snap to the 1st, so the denominator follows the calendar
// month (28-31 days).
func daysInBucketInterval(plan *catalogdomain.Plan, ref time.Time) int {
	switch plan.Interval {
	case calendar.IntervalMonth:
		first := calendar.Date(ref.Year(), ref.Month(), 1)
		return calendar.DaysBetween(first, calendar.NextDateAfterPeriod(first, plan.Interval, plan.IntervalCount))
	default:
		return calendar.DaysBetween(ref, calendar.NextDateAfterPeriod(ref, plan.Interval, plan.IntervalCount))
	}
}

func fmtDate(t time.Time) string {
	return t.Format("2006-01-02")
}
