package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository reads and writes tenant rows. Every method takes the handle to run
// on so callers can join an open transaction. Finders return nil, nil when no
// row matches.
type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Tenant, error)
	FindByProviderCustomerID(ctx context.Context, db *gorm.DB, customerID string) (*Tenant, error)
	Create(ctx context.Context, db *gorm.DB, tenant *Tenant) error
	ApplyPlan(ctx context.Context, db *gorm.DB, id snowflake.ID, change PlanChange) (bool, error)
	ListIDs(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]snowflake.ID, error)
}
