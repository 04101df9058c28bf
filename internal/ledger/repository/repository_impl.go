package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/ledger/domain"
	"gorm.io/gorm"
)

const transactionColumns = `id, tenant_id, amount, type, description, metadata, balance_after, created_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// AdjustBalance applies delta only if the balance stays non-negative. It reports
// false when no row qualified, either because the tenant is missing or funds are short.
func (r *repo) AdjustBalance(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, delta int64, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE tenants
		 SET credit_balance = credit_balance + ?,
			updated_at = ?
		 WHERE id = ? AND credit_balance + ? >= 0`,
		delta,
		at,
		tenantID,
		delta,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) TenantExists(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM tenants WHERE id = ?`,
		tenantID,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repo) Balance(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (int64, bool, error) {
	var row struct {
		ID            snowflake.ID
		CreditBalance int64
	}
	err := db.WithContext(ctx).Raw(
		`SELECT id, credit_balance FROM tenants WHERE id = ? LIMIT 1`,
		tenantID,
	).Scan(&row).Error
	if err != nil {
		return 0, false, err
	}
	if row.ID == 0 {
		return 0, false, nil
	}
	return row.CreditBalance, true, nil
}

func (r *repo) InsertTransaction(ctx context.Context, db *gorm.DB, tx *domain.Transaction) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO credit_transactions (`+transactionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID,
		tx.TenantID,
		tx.Amount,
		string(tx.Type),
		tx.Description,
		tx.Metadata,
		tx.BalanceAfter,
		tx.CreatedAt,
	).Error
}

func (r *repo) SumSigned(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (int64, error) {
	var sums struct {
		Credits int64
		Debits  int64
	}
	err := db.WithContext(ctx).Raw(
		`SELECT
			COALESCE(SUM(CASE WHEN type = 'credit' THEN amount ELSE 0 END), 0) AS credits,
			COALESCE(SUM(CASE WHEN type = 'debit' THEN amount ELSE 0 END), 0) AS debits
		 FROM credit_transactions
		 WHERE tenant_id = ?`,
		tenantID,
	).Scan(&sums).Error
	if err != nil {
		return 0, err
	}
	return sums.Credits - sums.Debits, nil
}

func (r *repo) Snapshot(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (domain.BalanceSnapshot, bool, error) {
	var row struct {
		ID       snowflake.ID
		Cached   int64
		Computed int64
	}
	err := db.WithContext(ctx).Raw(
		`SELECT
			t.id AS id,
			t.credit_balance AS cached,
			COALESCE((
				SELECT SUM(CASE WHEN ct.type = 'credit' THEN ct.amount ELSE -ct.amount END)
				FROM credit_transactions ct
				WHERE ct.tenant_id = t.id
			), 0) AS computed
		 FROM tenants t
		 WHERE t.id = ?
		 LIMIT 1`,
		tenantID,
	).Scan(&row).Error
	if err != nil {
		return domain.BalanceSnapshot{}, false, err
	}
	if row.ID == 0 {
		return domain.BalanceSnapshot{}, false, nil
	}
	return domain.BalanceSnapshot{Cached: row.Cached, Computed: row.Computed}, true, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, q domain.ListQuery) ([]*domain.Transaction, error) {
	var (
		where = []string{"tenant_id = ?"}
		args  = []any{q.TenantID}
	)
	if q.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(q.Type))
	}
	if !q.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, q.From)
	}
	if !q.To.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, q.To)
	}
	if q.BeforeID != 0 {
		where = append(where, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, q.BeforeCreatedAt, q.BeforeCreatedAt, q.BeforeID)
	}
	args = append(args, q.Limit)

	var items []*domain.Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT `+transactionColumns+`
		 FROM credit_transactions
		 WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		args...,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListRange(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, from, to time.Time) ([]*domain.Transaction, error) {
	var items []*domain.Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT `+transactionColumns+`
		 FROM credit_transactions
		 WHERE tenant_id = ? AND created_at >= ? AND created_at < ?
		 ORDER BY created_at ASC, id ASC`,
		tenantID,
		from,
		to,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
