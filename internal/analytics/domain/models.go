package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

type TrendDirection string

const (
	TrendIncreasing TrendDirection = "increasing"
	TrendDecreasing TrendDirection = "decreasing"
	TrendFlat       TrendDirection = "flat"
)

type Service interface {
	Summarize(ctx context.Context, tenantID snowflake.ID, from, to time.Time) (*UsageSummary, error)
}

type DailyUsage struct {
	Date             string `json:"date"`
	Debits           int64  `json:"debits"`
	Credits          int64  `json:"credits"`
	Net              int64  `json:"net"`
	TransactionCount int64  `json:"transaction_count"`
}

// UsageTrend compares debits in a window with the window of equal length before it.
type UsageTrend struct {
	Direction      TrendDirection `json:"direction"`
	Percentage     float64        `json:"percentage"`
	CurrentDebits  int64          `json:"current_debits"`
	PreviousDebits int64          `json:"previous_debits"`
}

type UsageSummary struct {
	TenantID         snowflake.ID `json:"tenant_id"`
	From             time.Time    `json:"from"`
	To               time.Time    `json:"to"`
	DailyUsage       []DailyUsage `json:"daily_usage"`
	TotalDebits      int64        `json:"total_debits"`
	TotalCredits     int64        `json:"total_credits"`
	NetUsage         int64        `json:"net_usage"`
	TransactionCount int64        `json:"transaction_count"`
	UsageTrend       UsageTrend   `json:"usage_trend"`
}
