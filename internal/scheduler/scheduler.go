// Package scheduler runs the document generation batch on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"os"

	billingdomain "github.com/argentbill/argent/internal/billing/domain"
	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("scheduler: missing dependencies")

// Config controls when the generation run fires.
type Config struct {
	// CronSpec is a standard 5-field cron expression, evaluated in UTC.
	CronSpec string
}

func DefaultConfig() Config {
	return Config{CronSpec: "30 0 * * *"}
}

func ProvideConfig() Config {
	cfg := DefaultConfig()
	if spec := os.Getenv("BILLING_CRON"); spec != "" {
		cfg.CronSpec = spec
	}
	return cfg
}

type Params struct {
	fx.In

	Log        *zap.Logger
	BillingSvc billingdomain.Service
	Config     Config `optional:"true"`
}

type Scheduler struct {
	log        *zap.Logger
	cfg        Config
	billingSvc billingdomain.Service
	cron       *cron.Cron
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.BillingSvc == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config
	if cfg.CronSpec == "" {
		cfg = DefaultConfig()
	}
	return &Scheduler{
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        cfg,
		billingSvc: p.BillingSvc,
	}, nil
}

// RunOnce executes a single generation run against the current date.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	res, err := s.billingSvc.Run(ctx, billingdomain.RunRequest{})
	if err != nil {
		return err
	}
	s.log.Info("generation run completed",
		zap.Int("documents_generated", res.DocumentsGenerated),
		zap.Int("subscriptions_billed", res.SubscriptionsBilled),
		zap.Int("customers_failed", res.CustomersFailed),
	)
	return nil
}

// Start registers the cron entry and begins firing. The run itself already
// isolates per-customer failures, so the job only logs run-level errors.
func (s *Scheduler) Start() error {
	c := cron.New()
	_, err := c.AddFunc(s.cfg.CronSpec, func() {
		if err := s.RunOnce(context.Background()); err != nil {
			s.log.Warn("generation run failed", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}
	c.Start()
	s.cron = c
	s.log.Info("scheduler started", zap.String("cron", s.cfg.CronSpec))
	return nil
}

// Stop halts the cron loop and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}
