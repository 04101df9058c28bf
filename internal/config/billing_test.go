package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeBillingFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "billing.yml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write billing file: %v", err)
	}
	return path
}

func TestDefaultBillingConfigIsValid(t *testing.T) {
	cfg := normalizeBillingConfig(DefaultBillingConfig())
	require.NoError(t, validateBillingConfig(cfg))
	require.Equal(t, "starter", cfg.DefaultPlan)
	require.Equal(t, 80.0, cfg.ApproachingLimitThreshold)
	require.Equal(t, 2.0, cfg.EngineRates["unreal"])
}

func TestBillingConfigHolderReadsFileOverDefaults(t *testing.T) {
	path := writeBillingFile(t, `
billing:
  defaultPlan: Pro
  approachingLimitThreshold: 90
  processedEventCacheTTL: 2h
  plans:
    - slug: pro
      name: Pro
      monthlyCredits: 50000
      currency: usd
      externalPriceId: " price_pro "
`)

	holder, err := NewBillingConfigHolder(Config{BillingConfigPath: path}, zap.NewNop())
	require.NoError(t, err)

	cfg := holder.Get()
	require.Equal(t, "pro", cfg.DefaultPlan)
	require.Equal(t, 90.0, cfg.ApproachingLimitThreshold)
	require.Equal(t, 2*time.Hour, cfg.ProcessedEventCacheTTL)
	require.Len(t, cfg.Plans, 1)
	require.Equal(t, "USD", cfg.Plans[0].Currency)
	require.Equal(t, "price_pro", cfg.Plans[0].ExternalPriceID)
	require.Equal(t, int64(50000), cfg.Plans[0].MonthlyCredits)
	require.Equal(t, 1.0, cfg.DefaultRate)
	require.Equal(t, 10_000, cfg.ProcessedEventCacheSize)
}

func TestBillingConfigHolderRejectsInvalidFile(t *testing.T) {
	path := writeBillingFile(t, `
billing:
  defaultPlan: enterprise
`)

	_, err := NewBillingConfigHolder(Config{BillingConfigPath: path}, zap.NewNop())
	require.Error(t, err)
}

func TestValidateBillingConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*BillingConfig)
	}{
		{"no plans", func(c *BillingConfig) { c.Plans = nil }},
		{"empty slug", func(c *BillingConfig) { c.Plans[0].Slug = " " }},
		{"duplicate slug", func(c *BillingConfig) { c.Plans[1].Slug = "Starter" }},
		{"negative credits", func(c *BillingConfig) { c.Plans[0].MonthlyCredits = -1 }},
		{"threshold zero", func(c *BillingConfig) { c.ApproachingLimitThreshold = 0 }},
		{"threshold above 100", func(c *BillingConfig) { c.ApproachingLimitThreshold = 101 }},
		{"negative default rate", func(c *BillingConfig) { c.DefaultRate = -0.5 }},
		{"negative engine rate", func(c *BillingConfig) { c.EngineRates["unity"] = -1 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultBillingConfig()
			tc.mutate(&cfg)
			if err := validateBillingConfig(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestStaticHolderNormalizesRates(t *testing.T) {
	cfg := DefaultBillingConfig()
	cfg.EngineRates = map[string]float64{" Unity ": 3}
	holder := NewStaticBillingConfigHolder(cfg)
	require.Equal(t, 3.0, holder.Get().EngineRates["unity"])
}
