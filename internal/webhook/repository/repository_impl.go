package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/webhook/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const eventColumns = `id, provider, external_id, event_type, payload, status, reason,
	tenant_id, received_at, processed_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// InsertEvent leaves the upsert syntax to the dialect: ON CONFLICT on postgres
// and sqlite, ON DUPLICATE KEY on mysql. Either way a repeat affects no rows.
func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.BillingEvent) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "external_id"}},
			DoNothing: true,
		}).
		Create(event)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, provider, externalID string) (*domain.BillingEvent, error) {
	var item domain.BillingEvent
	err := db.WithContext(ctx).Raw(
		`SELECT `+eventColumns+`
		 FROM billing_events
		 WHERE provider = ? AND external_id = ?
		 LIMIT 1`,
		provider,
		externalID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) Finish(ctx context.Context, db *gorm.DB, id snowflake.ID, status domain.Status, reason string, tenantID *snowflake.ID, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE billing_events
		 SET status = ?, reason = ?, tenant_id = ?, processed_at = ?
		 WHERE id = ? AND status = ?`,
		status,
		reason,
		tenantID,
		at,
		id,
		domain.StatusReceived,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Reset(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE billing_events
		 SET status = ?, reason = '', processed_at = NULL
		 WHERE id = ? AND status = ?`,
		domain.StatusReceived,
		id,
		domain.StatusFailed,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListByStatus(ctx context.Context, db *gorm.DB, status domain.Status, limit int) ([]*domain.BillingEvent, error) {
	var items []*domain.BillingEvent
	err := db.WithContext(ctx).Raw(
		`SELECT `+eventColumns+`
		 FROM billing_events
		 WHERE status = ?
		 ORDER BY received_at DESC, id DESC
		 LIMIT ?`,
		status,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) InsertHistory(ctx context.Context, db *gorm.DB, item *domain.BillingHistory) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO billing_history (
			id, tenant_id, billing_event_id, type, credits_added, amount,
			currency, plan, reason, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID,
		item.TenantID,
		item.BillingEventID,
		item.Type,
		item.CreditsAdded,
		item.Amount,
		item.Currency,
		item.Plan,
		item.Reason,
		item.Metadata,
		item.CreatedAt,
	).Error
}

func (r *repo) ListHistory(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, limit int) ([]*domain.BillingHistory, error) {
	var items []*domain.BillingHistory
	err := db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, billing_event_id, type, credits_added, amount,
			currency, plan, reason, metadata, created_at
		 FROM billing_history
		 WHERE tenant_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		tenantID,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
