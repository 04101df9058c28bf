package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	"gorm.io/gorm"
)

// UnknownEngine groups debits that carry no engine type.
const UnknownEngine = "unknown"

type Service interface {
	// DeductCredits reports false, with a nil error, when the balance cannot cover amount.
	DeductCredits(ctx context.Context, tenantID snowflake.ID, amount int64, description string, metadata ledgerdomain.Metadata) (bool, error)
	AddCredits(ctx context.Context, tenantID snowflake.ID, amount int64, description string, metadata ledgerdomain.Metadata) (snowflake.ID, error)
	// AddCreditsTx grants credits inside the caller's transaction.
	AddCreditsTx(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, amount int64, description string, metadata ledgerdomain.Metadata) (snowflake.ID, error)
	CheckCredits(ctx context.Context, tenantID snowflake.ID, estimatedTokens int64) (*CreditCheck, error)
	CalculateMcpSurcharge(engineType string, actionCount int64) float64
	GetEngineUsageAnalytics(ctx context.Context, tenantID snowflake.ID, from, to time.Time) (*EngineUsageReport, error)
}

// CreditCheck is the shape callers return with a 402.
type CreditCheck struct {
	Sufficient            bool  `json:"sufficient"`
	CreditsAvailable      int64 `json:"credits_available"`
	EstimatedTokensNeeded int64 `json:"estimated_tokens_needed"`
	CreditsNeeded         int64 `json:"credits_needed"`
}

type EngineUsage struct {
	EngineType       string  `json:"engine_type"`
	TransactionCount int64   `json:"transaction_count"`
	CreditsUsed      int64   `json:"credits_used"`
	ActionCount      int64   `json:"action_count"`
	Surcharge        float64 `json:"surcharge"`
}

type EngineUsageTotals struct {
	TransactionCount int64   `json:"transaction_count"`
	CreditsUsed      int64   `json:"credits_used"`
	ActionCount      int64   `json:"action_count"`
	Surcharge        float64 `json:"surcharge"`
}

type EngineUsageReport struct {
	TenantID           snowflake.ID      `json:"tenant_id"`
	From               time.Time         `json:"from"`
	To                 time.Time         `json:"to"`
	EngineBreakdown    []EngineUsage     `json:"engine_breakdown"`
	Totals             EngineUsageTotals `json:"totals"`
	MonthlyCreditLimit int64             `json:"monthly_credit_limit"`
	LimitUtilization   float64           `json:"limit_utilization"`
	ApproachingLimit   bool              `json:"approaching_limit"`
}
