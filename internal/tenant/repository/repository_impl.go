package repository

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/tenant/domain"
	pkgdb "github.com/smallbiznis/creditledger/pkg/db"
	"gorm.io/gorm"
)

const tenantColumns = `id, name, credit_balance, monthly_credit_limit, plan,
	provider_customer_id, provider_subscription_id, plan_renews_at, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Tenant, error) {
	var item domain.Tenant
	err := db.WithContext(ctx).Raw(
		`SELECT `+tenantColumns+`
		 FROM tenants
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByProviderCustomerID(ctx context.Context, db *gorm.DB, customerID string) (*domain.Tenant, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, nil
	}
	var item domain.Tenant
	err := db.WithContext(ctx).Raw(
		`SELECT `+tenantColumns+`
		 FROM tenants
		 WHERE provider_customer_id = ?
		 LIMIT 1`,
		customerID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

// Create inserts a tenant. The id and the provider customer id are unique.
func (r *repo) Create(ctx context.Context, db *gorm.DB, tenant *domain.Tenant) error {
	switch {
	case tenant == nil || tenant.ID == 0:
		return domain.ErrInvalidTenant
	case strings.TrimSpace(tenant.Name) == "":
		return domain.ErrInvalidName
	case strings.TrimSpace(tenant.Plan) == "":
		return domain.ErrInvalidPlan
	case tenant.CreditBalance < 0:
		return domain.ErrInvalidTenant
	}

	err := db.WithContext(ctx).Exec(
		`INSERT INTO tenants (`+tenantColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tenant.ID,
		strings.TrimSpace(tenant.Name),
		tenant.CreditBalance,
		tenant.MonthlyCreditLimit,
		tenant.Plan,
		tenant.ProviderCustomerID,
		tenant.ProviderSubscriptionID,
		tenant.PlanRenewsAt,
		tenant.CreatedAt,
		tenant.UpdatedAt,
	).Error
	if pkgdb.IsDuplicateKeyErr(err) {
		return domain.ErrAlreadyExists
	}
	return err
}

func (r *repo) ApplyPlan(ctx context.Context, db *gorm.DB, id snowflake.ID, change domain.PlanChange) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE tenants
		 SET plan = ?,
			monthly_credit_limit = ?,
			provider_subscription_id = ?,
			plan_renews_at = ?,
			provider_customer_id = COALESCE(provider_customer_id, ?),
			updated_at = ?
		 WHERE id = ?`,
		change.Plan,
		change.MonthlyCreditLimit,
		change.SubscriptionID,
		change.RenewsAt,
		change.CustomerID,
		change.UpdatedAt,
		id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListIDs(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]snowflake.ID, error) {
	if limit <= 0 {
		limit = 500
	}
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT id
		 FROM tenants
		 WHERE id > ?
		 ORDER BY id ASC
		 LIMIT ?`,
		afterID,
		limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
