package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const ProviderStripe = "stripe"

type Status string

const (
	StatusReceived Status = "received"
	StatusApplied  Status = "applied"
	StatusSkipped  Status = "skipped"
	StatusFailed   Status = "failed"
)

// IsTerminal reports whether the event has left the received state.
func (s Status) IsTerminal() bool {
	return s == StatusApplied || s == StatusSkipped || s == StatusFailed
}

// Event is a provider delivery whose signature has already been verified.
// Data holds the event's object.
type Event struct {
	ID       string
	Type     string
	Provider string
	Data     json.RawMessage
}

// Outcome is what processing one delivery did. Duplicate deliveries report the
// status recorded the first time.
type Outcome struct {
	EventID    snowflake.ID  `json:"event_id,omitempty"`
	ExternalID string        `json:"external_id"`
	Kind       Kind          `json:"kind"`
	Status     Status        `json:"status"`
	Reason     string        `json:"reason,omitempty"`
	TenantID   *snowflake.ID `json:"tenant_id,omitempty"`
	Duplicate  bool          `json:"duplicate"`
}

// BillingEvent records every delivery exactly once per provider and external id.
type BillingEvent struct {
	ID          snowflake.ID   `json:"id" gorm:"primaryKey;autoIncrement:false"`
	Provider    string         `json:"provider" gorm:"type:varchar(64);not null;uniqueIndex:ux_billing_events_provider_external"`
	ExternalID  string         `json:"external_id" gorm:"type:varchar(255);not null;uniqueIndex:ux_billing_events_provider_external"`
	EventType   string         `json:"event_type" gorm:"type:text;not null"`
	Payload     datatypes.JSON `json:"payload"`
	Status      Status         `json:"status" gorm:"type:varchar(32);not null;index"`
	Reason      string         `json:"reason" gorm:"type:text;not null;default:''"`
	TenantID    *snowflake.ID  `json:"tenant_id,omitempty"`
	ReceivedAt  time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt *time.Time     `json:"processed_at,omitempty"`
}

func (BillingEvent) TableName() string { return "billing_events" }

type HistoryType string

const (
	HistoryCreditPurchase        HistoryType = "credit_purchase"
	HistorySubscriptionUpdated   HistoryType = "subscription_updated"
	HistorySubscriptionCancelled HistoryType = "subscription_cancelled"
	HistoryPaymentFailed         HistoryType = "payment_failed"
	HistoryPlanRenewal           HistoryType = "plan_renewal"
)

// BillingHistory is the tenant-facing trail of billing changes.
type BillingHistory struct {
	ID             snowflake.ID   `json:"id" gorm:"primaryKey;autoIncrement:false"`
	TenantID       snowflake.ID   `json:"tenant_id" gorm:"not null;index"`
	BillingEventID snowflake.ID   `json:"billing_event_id" gorm:"not null"`
	Type           HistoryType    `json:"type" gorm:"type:text;not null"`
	CreditsAdded   int64          `json:"credits_added" gorm:"not null;default:0"`
	Amount         int64          `json:"amount" gorm:"not null;default:0"`
	Currency       string         `json:"currency" gorm:"type:text;not null;default:''"`
	Plan           string         `json:"plan" gorm:"type:text;not null;default:''"`
	Reason         string         `json:"reason" gorm:"type:text;not null;default:''"`
	Metadata       datatypes.JSON `json:"metadata"`
	CreatedAt      time.Time      `json:"created_at" gorm:"not null"`
}

func (BillingHistory) TableName() string { return "billing_history" }

type Service interface {
	// Process applies a verified delivery at most once. Business skips and
	// processing failures are reported through Outcome with a nil error.
	Process(ctx context.Context, event Event) (*Outcome, error)
	ListFailed(ctx context.Context, limit int) ([]*BillingEvent, error)
	// Replay re-runs a failed event from its stored payload.
	Replay(ctx context.Context, provider, externalID string) (*Outcome, error)
	History(ctx context.Context, tenantID snowflake.ID, limit int) ([]*BillingHistory, error)
}

type Repository interface {
	// InsertEvent reports false when the provider and external id are already recorded.
	InsertEvent(ctx context.Context, db *gorm.DB, event *BillingEvent) (bool, error)
	FindEvent(ctx context.Context, db *gorm.DB, provider, externalID string) (*BillingEvent, error)
	// Finish moves a received event to a terminal status and reports false if it was not received.
	Finish(ctx context.Context, db *gorm.DB, id snowflake.ID, status Status, reason string, tenantID *snowflake.ID, at time.Time) (bool, error)
	// Reset moves a failed event back to received.
	Reset(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error)
	ListByStatus(ctx context.Context, db *gorm.DB, status Status, limit int) ([]*BillingEvent, error)
	InsertHistory(ctx context.Context, db *gorm.DB, item *BillingHistory) error
	ListHistory(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, limit int) ([]*BillingHistory, error)
}
