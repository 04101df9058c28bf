package plan

import (
	"sort"
	"strings"

	"github.com/gosimple/slug"
	"github.com/smallbiznis/creditledger/internal/config"
)

// Plan is a subscription tier and its monthly credit allotment.
type Plan struct {
	Slug            string `json:"slug"`
	Name            string `json:"name"`
	MonthlyCredits  int64  `json:"monthly_credits"`
	Price           int64  `json:"price"`
	Currency        string `json:"currency"`
	ExternalPriceID string `json:"external_price_id,omitempty"`
}

// Catalog answers plan lookups against the current billing config, so a
// reloaded file takes effect on the next call.
type Catalog struct {
	billing *config.BillingConfigHolder
}

func NewCatalog(billing *config.BillingConfigHolder) *Catalog {
	return &Catalog{billing: billing}
}

// NormalizeSlug folds names like "Pro Monthly" to "pro-monthly".
func NormalizeSlug(s string) string {
	return slug.Make(strings.TrimSpace(s))
}

func (c *Catalog) List() []Plan {
	cfg := c.billing.Get()
	plans := make([]Plan, 0, len(cfg.Plans))
	for _, p := range cfg.Plans {
		plans = append(plans, fromConfig(p))
	}
	sort.SliceStable(plans, func(i, j int) bool {
		return plans[i].MonthlyCredits < plans[j].MonthlyCredits
	})
	return plans
}

func (c *Catalog) BySlug(s string) (Plan, bool) {
	want := NormalizeSlug(s)
	if want == "" {
		return Plan{}, false
	}
	for _, p := range c.billing.Get().Plans {
		if NormalizeSlug(p.Slug) == want {
			return fromConfig(p), true
		}
	}
	return Plan{}, false
}

func (c *Catalog) ByPriceID(priceID string) (Plan, bool) {
	priceID = strings.TrimSpace(priceID)
	if priceID == "" {
		return Plan{}, false
	}
	for _, p := range c.billing.Get().Plans {
		if p.ExternalPriceID == priceID {
			return fromConfig(p), true
		}
	}
	return Plan{}, false
}

// Default is the configured default plan, or the one with the smallest allotment.
func (c *Catalog) Default() Plan {
	cfg := c.billing.Get()
	if cfg.DefaultPlan != "" {
		if p, ok := c.BySlug(cfg.DefaultPlan); ok {
			return p
		}
	}
	plans := c.List()
	if len(plans) == 0 {
		return Plan{}
	}
	return plans[0]
}

func fromConfig(p config.PlanConfig) Plan {
	return Plan{
		Slug:            NormalizeSlug(p.Slug),
		Name:            p.Name,
		MonthlyCredits:  p.MonthlyCredits,
		Price:           p.Price,
		Currency:        p.Currency,
		ExternalPriceID: p.ExternalPriceID,
	}
}
