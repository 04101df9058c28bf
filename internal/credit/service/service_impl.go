package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/config"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	tenantdomain "github.com/smallbiznis/creditledger/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Ledger     ledgerdomain.Service
	TenantRepo tenantdomain.Repository
	Billing    *config.BillingConfigHolder
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	ledger     ledgerdomain.Service
	tenantRepo tenantdomain.Repository
	billing    *config.BillingConfigHolder
}

func NewService(p Params) creditdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("credit.service"),
		ledger:     p.Ledger,
		tenantRepo: p.TenantRepo,
		billing:    p.Billing,
	}
}

func (s *Service) DeductCredits(ctx context.Context, tenantID snowflake.ID, amount int64, description string, metadata ledgerdomain.Metadata) (bool, error) {
	if amount <= 0 {
		return false, creditdomain.ErrInvalidAmount
	}
	if tenantID == 0 {
		return false, creditdomain.ErrInvalidTenant
	}

	_, err := s.ledger.Append(ctx, ledgerdomain.AppendRequest{
		TenantID:    tenantID,
		Amount:      amount,
		Type:        ledgerdomain.TransactionTypeDebit,
		Description: description,
		Metadata:    metadata,
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ledgerdomain.ErrOverdraft):
		s.log.Info("insufficient credits",
			zap.String("tenant_id", tenantID.String()),
			zap.Int64("amount", amount),
		)
		return false, nil
	default:
		return false, err
	}
}

func (s *Service) AddCredits(ctx context.Context, tenantID snowflake.ID, amount int64, description string, metadata ledgerdomain.Metadata) (snowflake.ID, error) {
	if amount <= 0 {
		return 0, creditdomain.ErrInvalidAmount
	}
	if tenantID == 0 {
		return 0, creditdomain.ErrInvalidTenant
	}
	item, err := s.ledger.Append(ctx, creditRequest(tenantID, amount, description, metadata))
	if err != nil {
		return 0, err
	}
	return item.ID, nil
}

func (s *Service) AddCreditsTx(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, amount int64, description string, metadata ledgerdomain.Metadata) (snowflake.ID, error) {
	if amount <= 0 {
		return 0, creditdomain.ErrInvalidAmount
	}
	if tenantID == 0 {
		return 0, creditdomain.ErrInvalidTenant
	}
	item, err := s.ledger.AppendTx(ctx, tx, creditRequest(tenantID, amount, description, metadata))
	if err != nil {
		return 0, err
	}
	return item.ID, nil
}

func creditRequest(tenantID snowflake.ID, amount int64, description string, metadata ledgerdomain.Metadata) ledgerdomain.AppendRequest {
	return ledgerdomain.AppendRequest{
		TenantID:    tenantID,
		Amount:      amount,
		Type:        ledgerdomain.TransactionTypeCredit,
		Description: description,
		Metadata:    metadata,
	}
}

func (s *Service) CheckCredits(ctx context.Context, tenantID snowflake.ID, estimatedTokens int64) (*creditdomain.CreditCheck, error) {
	if tenantID == 0 {
		return nil, creditdomain.ErrInvalidTenant
	}
	if estimatedTokens < 0 {
		return nil, creditdomain.ErrInvalidTokens
	}

	available, err := s.ledger.CurrentBalance(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return &creditdomain.CreditCheck{
		Sufficient:            available >= estimatedTokens,
		CreditsAvailable:      available,
		EstimatedTokensNeeded: estimatedTokens,
		CreditsNeeded:         max(0, estimatedTokens-available),
	}, nil
}

func (s *Service) GetEngineUsageAnalytics(ctx context.Context, tenantID snowflake.ID, from, to time.Time) (*creditdomain.EngineUsageReport, error) {
	if tenantID == 0 {
		return nil, creditdomain.ErrInvalidTenant
	}
	if from.IsZero() || to.IsZero() || !from.Before(to) {
		return nil, creditdomain.ErrInvalidWindow
	}

	tenant, err := s.tenantRepo.FindByID(ctx, s.db, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load tenant: %w", err)
	}
	if tenant == nil {
		return nil, creditdomain.ErrTenantNotFound
	}

	items, err := s.ledger.ListRange(ctx, tenantID, from, to)
	if err != nil {
		return nil, err
	}

	report := buildEngineReport(items)
	report.TenantID = tenantID
	report.From = from.UTC()
	report.To = to.UTC()
	report.MonthlyCreditLimit = tenant.MonthlyCreditLimit
	if tenant.MonthlyCreditLimit > 0 {
		report.LimitUtilization = roundTo(float64(report.Totals.CreditsUsed)/float64(tenant.MonthlyCreditLimit)*100, 2)
		report.ApproachingLimit = report.LimitUtilization >= s.billing.Get().ApproachingLimitThreshold
	}
	return report, nil
}
