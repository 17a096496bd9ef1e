package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// PricingConfig carries operator-tunable fallbacks that apply when no
// pricing rule row exists for a feature.
type PricingConfig struct {
	FallbackCosts map[string]int64 `mapstructure:"fallbackCosts"`
}

func DefaultPricingConfig() PricingConfig {
	return PricingConfig{
		FallbackCosts: map[string]int64{
			"rank_check":     5,
			"geogrid_check":  10,
			"llm_visibility": 15,
		},
	}
}

// PricingConfigHolder exposes the current pricing config and hot-reloads it
// when the backing file changes.
type PricingConfigHolder struct {
	current atomic.Value // holds PricingConfig
}

func NewPricingConfigHolder() (*PricingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("pricing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/creditledger/config") // Volume-mounted config
	v.AddConfigPath("/etc/creditledger")            // System config
	v.AddConfigPath(".")                            // Current directory (dev mode)

	v.SetEnvPrefix("CREDITLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultPricingConfig()
		v.SetDefault("pricing.fallbackCosts", defaults.FallbackCosts)
	}

	var cfg PricingConfig
	if err := v.UnmarshalKey("pricing", &cfg); err != nil {
		return nil, err
	}
	if err := validatePricingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &PricingConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PricingConfig
		if err := v.UnmarshalKey("pricing", &updated); err != nil {
			log.Printf("[pricing-config] reload failed: %v", err)
			return
		}
		if err := validatePricingConfig(updated); err != nil {
			log.Printf("[pricing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[pricing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *PricingConfigHolder) Get() PricingConfig {
	return h.current.Load().(PricingConfig)
}

func validatePricingConfig(cfg PricingConfig) error {
	for feature, cost := range cfg.FallbackCosts {
		if strings.TrimSpace(feature) == "" {
			return errors.New("pricing.fallbackCosts contains an empty feature type")
		}
		if cost < 0 {
			return errors.New("pricing.fallbackCosts cannot be negative")
		}
	}
	return nil
}
