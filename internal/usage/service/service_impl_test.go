package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/argentbill/argent/internal/calendar"
	catalogdomain "github.com/argentbill/argent/internal/catalog/domain"
	"github.com/argentbill/argent/internal/clock"
	"github.com/argentbill/argent/internal/observability/metrics"
	subscriptiondomain "github.com/argentbill/argent/internal/subscription/domain"
	usagedomain "github.com/argentbill/argent/internal/usage/domain"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func mustNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return node
}

type fixture struct {
	svc     usagedomain.Service
	db      *gorm.DB
	node    *snowflake.Node
	clk     *clock.FakeClock
	sub     subscriptiondomain.Subscription
	feature catalogdomain.MeteredFeature
}

func setupLedger(t *testing.T, state subscriptiondomain.State) fixture {
	t.Helper()

	node := mustNode(t)
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if err := db.AutoMigrate(
		&catalogdomain.Plan{},
		&catalogdomain.MeteredFeature{},
		&subscriptiondomain.Subscription{},
		&usagedomain.MeteredFeatureUnitsLog{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	feature := catalogdomain.MeteredFeature{
		ID:            node.Generate(),
		Name:          "Page Views",
		Unit:          "100k",
		PricePerUnit:  decimal.RequireFromString("2.50"),
		IncludedUnits: decimal.RequireFromString("20.00"),
		ProductCode:   "page-views",
	}
	plan := catalogdomain.Plan{
		ID:              node.Generate(),
		ProviderID:      node.Generate(),
		Name:            "Hydrogen",
		Interval:        calendar.IntervalMonth,
		IntervalCount:   1,
		Currency:        "USD",
		ProductCode:     "hydrogen-plan",
		MeteredFeatures: []catalogdomain.MeteredFeature{feature},
	}
	require.NoError(t, db.Create(&plan).Error)

	start := calendar.Date(2015, time.January, 3)
	sub := subscriptiondomain.Subscription{
		ID:         node.Generate(),
		PlanID:     plan.ID,
		CustomerID: node.Generate(),
		State:      state,
		StartDate:  &start,
	}
	require.NoError(t, db.Create(&sub).Error)

	clk := clock.NewFakeClock(calendar.Date(2015, time.January, 20))
	svc := NewService(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
	})
	return fixture{svc: svc, db: db, node: node, clk: clk, sub: sub, feature: feature}
}

func TestRecordCreatesThenUpdatesBucketRow(t *testing.T) {
	f := setupLedger(t, subscriptiondomain.StateActive)
	ctx := context.Background()

	total, err := f.svc.Record(ctx, usagedomain.RecordRequest{
		MeteredFeatureID: f.feature.ID,
		SubscriptionID:   f.sub.ID,
		ConsumedUnits:    decimal.RequireFromString("10.00"),
		Date:             calendar.Date(2015, time.January, 15),
		UpdateType:       usagedomain.UpdateAbsolute,
	})
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.RequireFromString("10.00")))

	// Relative adds to the existing bucket row.
	total, err = f.svc.Record(ctx, usagedomain.RecordRequest{
		MeteredFeatureID: f.feature.ID,
		SubscriptionID:   f.sub.ID,
		ConsumedUnits:    decimal.RequireFromString("15.00"),
		Date:             calendar.Date(2015, time.January, 16),
		UpdateType:       usagedomain.UpdateRelative,
	})
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.RequireFromString("25.00")))

	// Absolute overwrites it.
	total, err = f.svc.Record(ctx, usagedomain.RecordRequest{
		MeteredFeatureID: f.feature.ID,
		SubscriptionID:   f.sub.ID,
		ConsumedUnits:    decimal.RequireFromString("50.00"),
		Date:             calendar.Date(2015, time.January, 18),
		UpdateType:       usagedomain.UpdateAbsolute,
	})
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.RequireFromString("50.00")))

	var count int64
	require.NoError(t, f.db.Model(&usagedomain.MeteredFeatureUnitsLog{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	var row usagedomain.MeteredFeatureUnitsLog
	require.NoError(t, f.db.First(&row).Error)
	assert.Equal(t, calendar.Date(2015, time.January, 3), calendar.DayOf(row.StartDate))
	assert.Equal(t, calendar.Date(2015, time.January, 31), calendar.DayOf(row.EndDate))
}

func TestRecordRejectsDateOutsideBucket(t *testing.T) {
	f := setupLedger(t, subscriptiondomain.StateActive)

	_, err := f.svc.Record(context.Background(), usagedomain.RecordRequest{
		MeteredFeatureID: f.feature.ID,
		SubscriptionID:   f.sub.ID,
		ConsumedUnits:    decimal.RequireFromString("10.00"),
		Date:             calendar.Date(2015, time.February, 2),
		UpdateType:       usagedomain.UpdateAbsolute,
	})
	assert.ErrorIs(t, err, usagedomain.ErrDateOutOfBucket)

	_, err = f.svc.Record(context.Background(), usagedomain.RecordRequest{
		MeteredFeatureID: f.feature.ID,
		SubscriptionID:   f.sub.ID,
		ConsumedUnits:    decimal.RequireFromString("10.00"),
		Date:             calendar.Date(2015, time.January, 1),
		UpdateType:       usagedomain.UpdateAbsolute,
	})
	assert.ErrorIs(t, err, usagedomain.ErrDateOutOfBucket)
}

func TestRecordRejectsEndedAndInactiveSubscriptions(t *testing.T) {
	for _, state := range []subscriptiondomain.State{
		subscriptiondomain.StateEnded,
		subscriptiondomain.StateInactive,
	} {
		f := setupLedger(t, state)
		_, err := f.svc.Record(context.Background(), usagedomain.RecordRequest{
			MeteredFeatureID: f.feature.ID,
			SubscriptionID:   f.sub.ID,
			ConsumedUnits:    decimal.RequireFromString("10.00"),
			Date:             calendar.Date(2015, time.January, 15),
			UpdateType:       usagedomain.UpdateAbsolute,
		})
		assert.ErrorIs(t, err, usagedomain.ErrSubscriptionStateForbidsUsage, "state %s", state)
	}
}

func TestRecordSeparatesAnnotations(t *testing.T) {
	f := setupLedger(t, subscriptiondomain.StateActive)
	ctx := context.Background()

	for _, annotation := range []string{"", "backfill"} {
		_, err := f.svc.Record(ctx, usagedomain.RecordRequest{
			MeteredFeatureID: f.feature.ID,
			SubscriptionID:   f.sub.ID,
			ConsumedUnits:    decimal.RequireFromString("5.00"),
			Date:             calendar.Date(2015, time.January, 15),
			UpdateType:       usagedomain.UpdateAbsolute,
			Annotation:       annotation,
		})
		require.NoError(t, err)
	}

	var count int64
	require.NoError(t, f.db.Model(&usagedomain.MeteredFeatureUnitsLog{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestLogsSince(t *testing.T) {
	f := setupLedger(t, subscriptiondomain.StateActive)
	ctx := context.Background()

	_, err := f.svc.Record(ctx, usagedomain.RecordRequest{
		MeteredFeatureID: f.feature.ID,
		SubscriptionID:   f.sub.ID,
		ConsumedUnits:    decimal.RequireFromString("50.00"),
		Date:             calendar.Date(2015, time.January, 15),
		UpdateType:       usagedomain.UpdateAbsolute,
	})
	require.NoError(t, err)

	// A second bucket's consumption, recorded the following month.
	f.clk.Set(calendar.Date(2015, time.February, 10))
	_, err = f.svc.Record(ctx, usagedomain.RecordRequest{
		MeteredFeatureID: f.feature.ID,
		SubscriptionID:   f.sub.ID,
		ConsumedUnits:    decimal.RequireFromString("7.00"),
		Date:             calendar.Date(2015, time.February, 10),
		UpdateType:       usagedomain.UpdateAbsolute,
	})
	require.NoError(t, err)

	logs, err := f.svc.LogsSince(ctx, f.feature.ID, f.sub.ID, calendar.Date(2015, time.January, 3))
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.True(t, logs[0].ConsumedUnits.Equal(decimal.RequireFromString("50.00")))

	logs, err = f.svc.LogsSince(ctx, f.feature.ID, f.sub.ID, calendar.Date(2015, time.February, 1))
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].ConsumedUnits.Equal(decimal.RequireFromString("7.00")))
}

func TestRecordIncrementsUpsertCounter(t *testing.T) {
	f := setupLedger(t, subscriptiondomain.StateActive)
	ctx := context.Background()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := metrics.New(metrics.Config{ServiceName: "argent-test"}, provider)
	require.NoError(t, err)

	svc := NewService(ServiceParam{
		DB:      f.db,
		Log:     zap.NewNop(),
		GenID:   f.node,
		Clock:   f.clk,
		Metrics: m,
	})

	_, err = svc.Record(ctx, usagedomain.RecordRequest{
		MeteredFeatureID: f.feature.ID,
		SubscriptionID:   f.sub.ID,
		ConsumedUnits:    decimal.RequireFromString("50.00"),
		Date:             calendar.Date(2015, time.January, 15),
		UpdateType:       usagedomain.UpdateAbsolute,
	})
	require.NoError(t, err)

	// Rejected writes never count as upserts.
	_, err = svc.Record(ctx, usagedomain.RecordRequest{
		MeteredFeatureID: f.feature.ID,
		SubscriptionID:   f.sub.ID,
		ConsumedUnits:    decimal.RequireFromString("1.00"),
		Date:             calendar.Date(2015, time.March, 15),
		UpdateType:       usagedomain.UpdateAbsolute,
	})
	require.ErrorIs(t, err, usagedomain.ErrDateOutOfBucket)

	assert.Equal(t, int64(1), usageUpsertCount(t, reader))
}

func usageUpsertCount(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, met := range scope.Metrics {
			if met.Name != "argent_usage_upserts_total" {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}
