// Package testutil opens throwaway sqlite databases carrying the service schema.
package testutil

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	tenantdomain "github.com/smallbiznis/creditledger/internal/tenant/domain"
	tenantrepo "github.com/smallbiznis/creditledger/internal/tenant/repository"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var dbSeq atomic.Int64

var schema = []string{
	`CREATE TABLE tenants (
		id BIGINT PRIMARY KEY,
		name TEXT NOT NULL,
		credit_balance BIGINT NOT NULL DEFAULT 0 CHECK (credit_balance >= 0),
		monthly_credit_limit BIGINT NOT NULL DEFAULT 0,
		plan TEXT NOT NULL,
		provider_customer_id TEXT UNIQUE,
		provider_subscription_id TEXT,
		plan_renews_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE credit_transactions (
		id BIGINT PRIMARY KEY,
		tenant_id BIGINT NOT NULL REFERENCES tenants(id),
		amount BIGINT NOT NULL CHECK (amount > 0),
		type TEXT NOT NULL CHECK (type IN ('credit', 'debit')),
		description TEXT NOT NULL DEFAULT '',
		metadata TEXT,
		balance_after BIGINT NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX ix_credit_transactions_tenant_created ON credit_transactions (tenant_id, created_at)`,
	`CREATE TABLE billing_events (
		id BIGINT PRIMARY KEY,
		provider TEXT NOT NULL,
		external_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT,
		status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		tenant_id BIGINT,
		received_at DATETIME NOT NULL,
		processed_at DATETIME
	)`,
	`CREATE UNIQUE INDEX ux_billing_events_provider_external ON billing_events (provider, external_id)`,
	`CREATE TABLE billing_history (
		id BIGINT PRIMARY KEY,
		tenant_id BIGINT NOT NULL,
		billing_event_id BIGINT NOT NULL,
		type TEXT NOT NULL,
		credits_added BIGINT NOT NULL DEFAULT 0,
		amount BIGINT NOT NULL DEFAULT 0,
		currency TEXT NOT NULL DEFAULT '',
		plan TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		metadata TEXT,
		created_at DATETIME NOT NULL
	)`,
}

// OpenDB returns an in-memory database with the service tables. A single
// connection keeps sqlite from reporting table locks under concurrent tests.
func OpenDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

func MustNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}

// SeedTenant inserts a tenant row through the tenant repository.
func SeedTenant(t *testing.T, db *gorm.DB, id snowflake.ID, plan string, balance, monthlyLimit int64) {
	t.Helper()
	now := time.Now().UTC()
	if err := tenantrepo.Provide().Create(context.Background(), db, &tenantdomain.Tenant{
		ID:                 id,
		Name:               "tenant-" + id.String(),
		CreditBalance:      balance,
		MonthlyCreditLimit: monthlyLimit,
		Plan:               plan,
		CreatedAt:          now,
		UpdatedAt:          now,
	}); err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
}

// SeedTenantWithLedger inserts a tenant whose balance is backed by one opening credit row.
func SeedTenantWithLedger(t *testing.T, db *gorm.DB, node *snowflake.Node, id snowflake.ID, plan string, balance, monthlyLimit int64) {
	t.Helper()
	SeedTenant(t, db, id, plan, balance, monthlyLimit)
	if balance <= 0 {
		return
	}
	if err := db.Exec(
		`INSERT INTO credit_transactions (id, tenant_id, amount, type, description, balance_after, created_at)
		 VALUES (?, ?, ?, 'credit', 'opening balance', ?, ?)`,
		node.Generate(), id, balance, balance, time.Now().UTC().Add(-time.Hour),
	).Error; err != nil {
		t.Fatalf("seed opening balance: %v", err)
	}
}

func Count(t *testing.T, db *gorm.DB, query string, args ...any) int64 {
	t.Helper()
	var count int64
	if err := db.Raw(query, args...).Scan(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return count
}

func Balance(t *testing.T, db *gorm.DB, tenantID snowflake.ID) int64 {
	t.Helper()
	var balance int64
	if err := db.Raw(`SELECT credit_balance FROM tenants WHERE id = ?`, tenantID).Scan(&balance).Error; err != nil {
		t.Fatalf("balance: %v", err)
	}
	return balance
}
