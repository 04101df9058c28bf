package service

import (
	"math"
	"sort"
	"strings"

	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
)

// CalculateMcpSurcharge prices engine tool actions at the engine's configured
// rate. Unknown engines use the default rate.
func (s *Service) CalculateMcpSurcharge(engineType string, actionCount int64) float64 {
	if actionCount <= 0 {
		return 0
	}
	cfg := s.billing.Get()
	rate, ok := cfg.EngineRates[normalizeEngine(engineType)]
	if !ok {
		rate = cfg.DefaultRate
	}
	return rate * float64(actionCount)
}

func normalizeEngine(engineType string) string {
	return strings.ToLower(strings.TrimSpace(engineType))
}

func buildEngineReport(items []*ledgerdomain.Transaction) *creditdomain.EngineUsageReport {
	groups := map[string]*creditdomain.EngineUsage{}
	report := &creditdomain.EngineUsageReport{}

	for _, item := range items {
		if item.Type != ledgerdomain.TransactionTypeDebit {
			continue
		}
		engine := normalizeEngine(item.Metadata.EngineType())
		if engine == "" {
			engine = creditdomain.UnknownEngine
		}
		g, ok := groups[engine]
		if !ok {
			g = &creditdomain.EngineUsage{EngineType: engine}
			groups[engine] = g
		}

		var actions int64
		var surcharge float64
		if usage := item.Metadata.Engine; usage != nil {
			actions = usage.ActionCount
			surcharge = usage.Surcharge
		}

		g.TransactionCount++
		g.CreditsUsed += item.Amount
		g.ActionCount += actions
		g.Surcharge += surcharge

		report.Totals.TransactionCount++
		report.Totals.CreditsUsed += item.Amount
		report.Totals.ActionCount += actions
		report.Totals.Surcharge += surcharge
	}

	report.EngineBreakdown = make([]creditdomain.EngineUsage, 0, len(groups))
	for _, g := range groups {
		report.EngineBreakdown = append(report.EngineBreakdown, *g)
	}
	sort.Slice(report.EngineBreakdown, func(i, j int) bool {
		if report.EngineBreakdown[i].CreditsUsed != report.EngineBreakdown[j].CreditsUsed {
			return report.EngineBreakdown[i].CreditsUsed > report.EngineBreakdown[j].CreditsUsed
		}
		return report.EngineBreakdown[i].EngineType < report.EngineBreakdown[j].EngineType
	})
	return report
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
