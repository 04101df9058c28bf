package service

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	analyticsdomain "github.com/smallbiznis/creditledger/internal/analytics/domain"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const dayLayout = "2006-01-02"

type Params struct {
	fx.In

	Log    *zap.Logger
	Ledger ledgerdomain.Service
}

type Service struct {
	log    *zap.Logger
	ledger ledgerdomain.Service
}

func NewService(p Params) analyticsdomain.Service {
	return &Service{
		log:    p.Log.Named("analytics.service"),
		ledger: p.Ledger,
	}
}

func (s *Service) Summarize(ctx context.Context, tenantID snowflake.ID, from, to time.Time) (*analyticsdomain.UsageSummary, error) {
	if tenantID == 0 {
		return nil, ledgerdomain.ErrInvalidTenant
	}
	if from.IsZero() || to.IsZero() || !from.Before(to) {
		return nil, ledgerdomain.ErrInvalidWindow
	}
	from, to = from.UTC(), to.UTC()
	prevFrom := from.Add(-to.Sub(from))

	var current, previous []*ledgerdomain.Transaction
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		current, err = s.ledger.ListRange(gctx, tenantID, from, to)
		return err
	})
	g.Go(func() error {
		var err error
		previous, err = s.ledger.ListRange(gctx, tenantID, prevFrom, from)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	summary := summarize(current)
	summary.TenantID = tenantID
	summary.From = from
	summary.To = to
	summary.UsageTrend = trend(summary.TotalDebits, sumDebits(previous))
	return summary, nil
}

func summarize(items []*ledgerdomain.Transaction) *analyticsdomain.UsageSummary {
	summary := &analyticsdomain.UsageSummary{}
	days := map[string]*analyticsdomain.DailyUsage{}

	for _, item := range items {
		key := item.CreatedAt.UTC().Format(dayLayout)
		day, ok := days[key]
		if !ok {
			day = &analyticsdomain.DailyUsage{Date: key}
			days[key] = day
		}
		day.TransactionCount++
		summary.TransactionCount++

		switch item.Type {
		case ledgerdomain.TransactionTypeDebit:
			day.Debits += item.Amount
			summary.TotalDebits += item.Amount
		case ledgerdomain.TransactionTypeCredit:
			day.Credits += item.Amount
			summary.TotalCredits += item.Amount
		}
		day.Net = day.Debits - day.Credits
	}

	summary.DailyUsage = make([]analyticsdomain.DailyUsage, 0, len(days))
	for _, day := range days {
		summary.DailyUsage = append(summary.DailyUsage, *day)
	}
	sort.Slice(summary.DailyUsage, func(i, j int) bool {
		return summary.DailyUsage[i].Date < summary.DailyUsage[j].Date
	})
	summary.NetUsage = summary.TotalDebits - summary.TotalCredits
	return summary
}

func sumDebits(items []*ledgerdomain.Transaction) int64 {
	var total int64
	for _, item := range items {
		if item.Type == ledgerdomain.TransactionTypeDebit {
			total += item.Amount
		}
	}
	return total
}

func trend(current, previous int64) analyticsdomain.UsageTrend {
	out := analyticsdomain.UsageTrend{
		Direction:      analyticsdomain.TrendFlat,
		CurrentDebits:  current,
		PreviousDebits: previous,
	}
	if previous == 0 {
		if current > 0 {
			out.Direction = analyticsdomain.TrendIncreasing
			out.Percentage = 100
		}
		return out
	}

	delta := current - previous
	switch {
	case delta > 0:
		out.Direction = analyticsdomain.TrendIncreasing
	case delta < 0:
		out.Direction = analyticsdomain.TrendDecreasing
	}
	pct := math.Abs(float64(delta)) / float64(previous) * 100
	out.Percentage = math.Round(pct*100) / 100
	return out
}
