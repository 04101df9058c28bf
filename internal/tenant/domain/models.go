package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Tenant is the billing account that owns a credit balance and a plan.
type Tenant struct {
	ID                     snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	Name                   string       `gorm:"type:text;not null"`
	CreditBalance          int64        `gorm:"not null;default:0;check:chk_tenants_credit_balance,credit_balance >= 0"`
	MonthlyCreditLimit     int64        `gorm:"not null;default:0"`
	Plan                   string       `gorm:"type:text;not null"`
	ProviderCustomerID     *string      `gorm:"type:varchar(255);uniqueIndex:ux_tenants_provider_customer"`
	ProviderSubscriptionID *string      `gorm:"type:varchar(255)"`
	PlanRenewsAt           *time.Time
	CreatedAt              time.Time `gorm:"not null"`
	UpdatedAt              time.Time `gorm:"not null"`
}

// TableName sets the database table name.
func (Tenant) TableName() string { return "tenants" }

// PlanChange is the plan state a subscription event leaves on the tenant.
// A nil SubscriptionID clears the stored subscription. A nil CustomerID keeps the
// stored customer, and a non-nil one is only written when none is stored yet.
type PlanChange struct {
	Plan               string
	MonthlyCreditLimit int64
	SubscriptionID     *string
	CustomerID         *string
	RenewsAt           *time.Time
	UpdatedAt          time.Time
}
