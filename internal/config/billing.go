package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// PlanConfig is one entry of the subscription plan catalogue.
type PlanConfig struct {
	Slug            string `mapstructure:"slug"`
	Name            string `mapstructure:"name"`
	MonthlyCredits  int64  `mapstructure:"monthlyCredits"`
	Price           int64  `mapstructure:"price"`
	Currency        string `mapstructure:"currency"`
	ExternalPriceID string `mapstructure:"externalPriceId"`
}

// BillingConfig is the hot-reloadable billing policy.
type BillingConfig struct {
	Plans       []PlanConfig `mapstructure:"plans"`
	DefaultPlan string       `mapstructure:"defaultPlan"`

	// ApproachingLimitThreshold is a utilization percentage of the monthly allowance.
	ApproachingLimitThreshold float64 `mapstructure:"approachingLimitThreshold"`

	EngineRates map[string]float64 `mapstructure:"engineRates"`
	DefaultRate float64            `mapstructure:"defaultRate"`

	ProcessedEventCacheTTL  time.Duration `mapstructure:"processedEventCacheTTL"`
	ProcessedEventCacheSize int           `mapstructure:"processedEventCacheSize"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		Plans: []PlanConfig{
			{Slug: "starter", Name: "Starter", MonthlyCredits: 10_000, Price: 0, Currency: "USD"},
			{Slug: "pro", Name: "Pro", MonthlyCredits: 100_000, Price: 2_900, Currency: "USD", ExternalPriceID: "price_pro_monthly"},
			{Slug: "business", Name: "Business", MonthlyCredits: 500_000, Price: 9_900, Currency: "USD", ExternalPriceID: "price_business_monthly"},
		},
		DefaultPlan:               "starter",
		ApproachingLimitThreshold: 80,
		EngineRates: map[string]float64{
			"unity":     1.5,
			"unreal":    2.0,
			"godot":     1.0,
			"gamemaker": 1.25,
		},
		DefaultRate:             1.0,
		ProcessedEventCacheTTL:  24 * time.Hour,
		ProcessedEventCacheSize: 10_000,
	}
}

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

// NewStaticBillingConfigHolder returns a holder that never reloads.
func NewStaticBillingConfigHolder(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(normalizeBillingConfig(cfg))
	return holder
}

func NewBillingConfigHolder(appCfg Config, log *zap.Logger) (*BillingConfigHolder, error) {
	log = log.Named("config.billing")
	v := viper.New()

	if appCfg.BillingConfigPath != "" {
		v.SetConfigFile(appCfg.BillingConfigPath)
	} else {
		v.SetConfigName("billing")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/creditledger")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CREDITLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingConfig()
	v.SetDefault("billing.plans", defaults.Plans)
	v.SetDefault("billing.defaultPlan", defaults.DefaultPlan)
	v.SetDefault("billing.approachingLimitThreshold", defaults.ApproachingLimitThreshold)
	v.SetDefault("billing.engineRates", defaults.EngineRates)
	v.SetDefault("billing.defaultRate", defaults.DefaultRate)
	v.SetDefault("billing.processedEventCacheTTL", defaults.ProcessedEventCacheTTL)
	v.SetDefault("billing.processedEventCacheSize", defaults.ProcessedEventCacheSize)

	configFound := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		configFound = false
		log.Info("billing config file not found, using defaults")
	}

	cfg, err := decodeBillingConfig(v)
	if err != nil {
		return nil, err
	}

	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)

	if configFound {
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := decodeBillingConfig(v)
			if err != nil {
				log.Warn("invalid billing config ignored", zap.String("file", e.Name), zap.Error(err))
				return
			}
			holder.current.Store(updated)
			log.Info("billing config reloaded", zap.String("file", e.Name))
		})
		v.WatchConfig()
	}

	return holder, nil
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

func decodeBillingConfig(v *viper.Viper) (BillingConfig, error) {
	// Unmarshal merges defaults key by key; UnmarshalKey would drop them for a partial file.
	var file struct {
		Billing BillingConfig `mapstructure:"billing"`
	}
	if err := v.Unmarshal(&file); err != nil {
		return BillingConfig{}, err
	}
	cfg := normalizeBillingConfig(file.Billing)
	if err := validateBillingConfig(cfg); err != nil {
		return BillingConfig{}, err
	}
	return cfg, nil
}

func normalizeBillingConfig(cfg BillingConfig) BillingConfig {
	rates := make(map[string]float64, len(cfg.EngineRates))
	for engine, rate := range cfg.EngineRates {
		rates[strings.ToLower(strings.TrimSpace(engine))] = rate
	}
	cfg.EngineRates = rates
	cfg.DefaultPlan = strings.ToLower(strings.TrimSpace(cfg.DefaultPlan))
	for i := range cfg.Plans {
		cfg.Plans[i].Currency = strings.ToUpper(strings.TrimSpace(cfg.Plans[i].Currency))
		cfg.Plans[i].ExternalPriceID = strings.TrimSpace(cfg.Plans[i].ExternalPriceID)
	}
	return cfg
}

func validateBillingConfig(cfg BillingConfig) error {
	if len(cfg.Plans) == 0 {
		return errors.New("billing.plans cannot be empty")
	}
	seen := make(map[string]struct{}, len(cfg.Plans))
	for _, p := range cfg.Plans {
		slug := strings.ToLower(strings.TrimSpace(p.Slug))
		if slug == "" {
			return errors.New("billing.plans[].slug is required")
		}
		if _, ok := seen[slug]; ok {
			return fmt.Errorf("billing.plans has duplicate slug %q", slug)
		}
		seen[slug] = struct{}{}
		if p.MonthlyCredits < 0 {
			return fmt.Errorf("billing.plans[%s].monthlyCredits must not be negative", slug)
		}
	}
	if cfg.DefaultPlan != "" {
		if _, ok := seen[cfg.DefaultPlan]; !ok {
			return fmt.Errorf("billing.defaultPlan %q is not a configured plan", cfg.DefaultPlan)
		}
	}
	if cfg.ApproachingLimitThreshold <= 0 || cfg.ApproachingLimitThreshold > 100 {
		return errors.New("billing.approachingLimitThreshold must be in (0, 100]")
	}
	if cfg.DefaultRate < 0 {
		return errors.New("billing.defaultRate must not be negative")
	}
	for engine, rate := range cfg.EngineRates {
		if rate < 0 {
			return fmt.Errorf("billing.engineRates[%s] must not be negative", engine)
		}
	}
	return nil
}
