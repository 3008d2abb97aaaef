package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BillingConfig tunes the document generation run. It lives in a separate,
// hot-reloadable file so operators can adjust it without restarting the
// batch scheduler.
type BillingConfig struct {
	// DefaultDueDays is used when neither the customer nor the plan carries
	// a due-days value of its own.
	DefaultDueDays int `mapstructure:"defaultDueDays"`
	// DefaultGenerateAfter is the grace period (seconds) applied when a plan
	// does not set one.
	DefaultGenerateAfter int `mapstructure:"defaultGenerateAfter"`
	// CustomerBatchSize bounds how many customers are loaded per page during
	// a generation run.
	CustomerBatchSize int `mapstructure:"customerBatchSize"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		DefaultDueDays:       5,
		DefaultGenerateAfter: 0,
		CustomerBatchSize:    500,
	}
}

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

func NewBillingConfigHolder() (*BillingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/argent")
	v.AddConfigPath(".")

	v.SetEnvPrefix("ARGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultBillingConfig()
		v.SetDefault("billing.defaultDueDays", defaults.DefaultDueDays)
		v.SetDefault("billing.defaultGenerateAfter", defaults.DefaultGenerateAfter)
		v.SetDefault("billing.customerBatchSize", defaults.CustomerBatchSize)
	}

	var cfg BillingConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return nil, err
	}
	if err := validateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingConfig
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[billing-config] reload failed: %v", err)
			return
		}
		if err := validateBillingConfig(updated); err != nil {
			log.Printf("[billing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[billing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticBillingConfigHolder wraps a fixed config, without file watching.
func NewStaticBillingConfigHolder(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *BillingConfigHolder) Get() BillingConfig {
	if cfg, ok := h.current.Load().(BillingConfig); ok {
		return cfg
	}
	return DefaultBillingConfig()
}

func validateBillingConfig(cfg BillingConfig) error {
	if cfg.DefaultDueDays < 0 {
		return errors.New("billing.defaultDueDays cannot be negative")
	}
	if cfg.CustomerBatchSize <= 0 {
		return errors.New("billing.customerBatchSize must be positive")
	}
	return nil
}
