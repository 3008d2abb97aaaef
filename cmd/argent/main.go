package main

import (
	"context"
	"flag"
	"time"

	"github.com/argentbill/argent/internal/billing"
	billingdomain "github.com/argentbill/argent/internal/billing/domain"
	"github.com/argentbill/argent/internal/catalog"
	"github.com/argentbill/argent/internal/clock"
	"github.com/argentbill/argent/internal/config"
	"github.com/argentbill/argent/internal/document"
	"github.com/argentbill/argent/internal/logger"
	"github.com/argentbill/argent/internal/migration"
	"github.com/argentbill/argent/internal/observability"
	"github.com/argentbill/argent/internal/party"
	"github.com/argentbill/argent/internal/scheduler"
	"github.com/argentbill/argent/internal/subscription"
	"github.com/argentbill/argent/internal/usage"
	"github.com/argentbill/argent/pkg/db"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func main() {
	var (
		cronMode    = flag.Bool("cron", false, "keep running and fire the generation batch on the BILLING_CRON schedule")
		billingDate = flag.String("billing-date", "", "billing date for a one-shot run (YYYY-MM-DD, defaults to today)")
		subID       = flag.String("subscription", "", "restrict a one-shot run to one subscription id")
	)
	flag.Parse()

	base := fx.Options(
		// Core Infrastructure
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Functional Domains
		catalog.Module,
		party.Module,
		subscription.Module,
		usage.Module,
		document.Module,
		billing.Module,
	)

	if *cronMode {
		fx.New(base, scheduler.Module).Run()
		return
	}

	fx.New(base, fx.Invoke(runOnce(*billingDate, *subID))).Run()
}

// runOnce fires a single generation run on startup and shuts the app down
// when it finishes.
func runOnce(billingDate, subscriptionID string) func(fx.Lifecycle, fx.Shutdowner, billingdomain.Service, *zap.Logger) {
	return func(lc fx.Lifecycle, shutdowner fx.Shutdowner, svc billingdomain.Service, log *zap.Logger) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go func() {
					defer func() { _ = shutdowner.Shutdown() }()

					req := billingdomain.RunRequest{SubscriptionID: subscriptionID}
					if billingDate != "" {
						day, err := time.Parse("2006-01-02", billingDate)
						if err != nil {
							log.Error("invalid -billing-date", zap.String("value", billingDate), zap.Error(err))
							return
						}
						req.BillingDate = &day
					}

					if _, err := svc.Run(context.Background(), req); err != nil {
						log.Error("generation run failed", zap.Error(err))
					}
				}()
				return nil
			},
		})
	}
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
