package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Service is the only writer of credit_transactions and tenants.credit_balance.
type Service interface {
	// Append applies one credit or debit under the tenant lock in its own
	// transaction. Debits that would take the balance below zero fail with
	// ErrOverdraft and leave no trace.
	Append(ctx context.Context, req AppendRequest) (*Transaction, error)
	// AppendTx applies the same change inside the caller's transaction.
	AppendTx(ctx context.Context, tx *gorm.DB, req AppendRequest) (*Transaction, error)
	CurrentBalance(ctx context.Context, tenantID snowflake.ID) (int64, error)
	// RecomputeBalance sums the tenant's ledger rows.
	RecomputeBalance(ctx context.Context, tenantID snowflake.ID) (int64, error)
	// Snapshot reads the cached balance and the ledger sum in one statement,
	// so an append committing concurrently is seen by both or by neither.
	Snapshot(ctx context.Context, tenantID snowflake.ID) (BalanceSnapshot, error)
	History(ctx context.Context, filter HistoryFilter) (*HistoryPage, error)
	// ListRange returns every row created in [from, to), oldest first.
	ListRange(ctx context.Context, tenantID snowflake.ID, from, to time.Time) ([]*Transaction, error)
}

// Repository holds the raw SQL for the ledger tables.
type Repository interface {
	AdjustBalance(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, delta int64, at time.Time) (bool, error)
	TenantExists(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (bool, error)
	Balance(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (int64, bool, error)
	InsertTransaction(ctx context.Context, db *gorm.DB, tx *Transaction) error
	SumSigned(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (int64, error)
	Snapshot(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (BalanceSnapshot, bool, error)
	List(ctx context.Context, db *gorm.DB, q ListQuery) ([]*Transaction, error)
	ListRange(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, from, to time.Time) ([]*Transaction, error)
}

type BalanceSnapshot struct {
	Cached   int64
	Computed int64
}

// ListQuery selects one page under (created_at DESC, id DESC) ordering.
// A non-zero BeforeID continues after the row identified by BeforeID and BeforeCreatedAt.
type ListQuery struct {
	TenantID        snowflake.ID
	Type            TransactionType
	From            time.Time
	To              time.Time
	BeforeID        snowflake.ID
	BeforeCreatedAt time.Time
	Limit           int
}
