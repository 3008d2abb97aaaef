package scheduler

import (
	"context"
	"errors"
	"testing"

	billingdomain "github.com/argentbill/argent/internal/billing/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubBilling struct {
	runs int
	err  error
}

func (s *stubBilling) Run(ctx context.Context, req billingdomain.RunRequest) (*billingdomain.RunResult, error) {
	s.runs++
	if s.err != nil {
		return nil, s.err
	}
	return &billingdomain.RunResult{}, nil
}

func TestNewValidatesDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	sched, err := New(Params{Log: zap.NewNop(), BillingSvc: &stubBilling{}})
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().CronSpec, sched.cfg.CronSpec)
}

func TestRunOnce(t *testing.T) {
	stub := &stubBilling{}
	sched, err := New(Params{Log: zap.NewNop(), BillingSvc: stub})
	require.NoError(t, err)

	require.NoError(t, sched.RunOnce(context.Background()))
	assert.Equal(t, 1, stub.runs)

	stub.err = errors.New("boom")
	assert.Error(t, sched.RunOnce(context.Background()))
}

func TestStartRejectsInvalidCronSpec(t *testing.T) {
	sched, err := New(Params{
		Log:        zap.NewNop(),
		BillingSvc: &stubBilling{},
		Config:     Config{CronSpec: "not a cron spec"},
	})
	require.NoError(t, err)
	assert.Error(t, sched.Start())
}
