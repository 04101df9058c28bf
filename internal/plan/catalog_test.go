package plan

import (
	"testing"

	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestCatalogDefaults(t *testing.T) {
	catalog := NewCatalog(config.NewStaticBillingConfigHolder(config.DefaultBillingConfig()))

	def := catalog.Default()
	assert.Equal(t, "starter", def.Slug)
	assert.Equal(t, int64(10_000), def.MonthlyCredits)

	pro, ok := catalog.ByPriceID("price_pro_monthly")
	assert.True(t, ok)
	assert.Equal(t, "pro", pro.Slug)
	assert.Equal(t, int64(100_000), pro.MonthlyCredits)

	_, ok = catalog.ByPriceID("price_unknown")
	assert.False(t, ok)

	plans := catalog.List()
	assert.Len(t, plans, 3)
	assert.Equal(t, "business", plans[2].Slug)
}

func TestCatalogBySlugNormalizes(t *testing.T) {
	cfg := config.DefaultBillingConfig()
	cfg.Plans = append(cfg.Plans, config.PlanConfig{Slug: "Studio Team", Name: "Studio", MonthlyCredits: 250_000})
	catalog := NewCatalog(config.NewStaticBillingConfigHolder(cfg))

	p, ok := catalog.BySlug("  studio team ")
	assert.True(t, ok)
	assert.Equal(t, "studio-team", p.Slug)

	p, ok = catalog.BySlug("PRO")
	assert.True(t, ok)
	assert.Equal(t, "pro", p.Slug)

	_, ok = catalog.BySlug("")
	assert.False(t, ok)
}

func TestCatalogDefaultFallsBackToSmallestPlan(t *testing.T) {
	cfg := config.DefaultBillingConfig()
	cfg.DefaultPlan = ""
	cfg.Plans = []config.PlanConfig{
		{Slug: "big", MonthlyCredits: 900},
		{Slug: "tiny", MonthlyCredits: 5},
	}
	catalog := NewCatalog(config.NewStaticBillingConfigHolder(cfg))

	assert.Equal(t, "tiny", catalog.Default().Slug)
}
