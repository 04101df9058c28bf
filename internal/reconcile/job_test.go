package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/smallbiznis/creditledger/internal/clock"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/creditledger/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/creditledger/internal/ledger/service"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	tenantrepo "github.com/smallbiznis/creditledger/internal/tenant/repository"
	"github.com/smallbiznis/creditledger/internal/tenantlock"
	"github.com/smallbiznis/creditledger/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func gathered(t *testing.T, registry *prometheus.Registry, name string) *dto.Metric {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() == name && len(family.GetMetric()) > 0 {
			return family.GetMetric()[0]
		}
	}
	t.Fatalf("metric %s not gathered", name)
	return nil
}

func TestRunDetectsBalanceDrift(t *testing.T) {
	db := testutil.OpenDB(t)
	node := testutil.MustNode(t)
	fake := clock.NewFakeClock(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	registry := prometheus.NewRegistry()
	jobMetrics := obsmetrics.NewJobMetrics(registry, obsmetrics.Config{ServiceName: "test", Environment: "test"})

	ledger := ledgerservice.NewService(ledgerservice.Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  fake,
		Locker: tenantlock.NewLocal(),
		Repo:   ledgerrepo.Provide(),
	})
	job := New(Params{
		DB:         db,
		Log:        zap.NewNop(),
		Clock:      fake,
		Ledger:     ledger,
		TenantRepo: tenantrepo.Provide(),
		Metrics:    jobMetrics,
	})
	job.batchSize = 2

	healthy := []int64{100, 0, 2500}
	for _, balance := range healthy {
		testutil.SeedTenantWithLedger(t, db, node, node.Generate(), "starter", balance, 10_000)
	}
	drifted := node.Generate()
	testutil.SeedTenantWithLedger(t, db, node, drifted, "pro", 1000, 100_000)
	require.NoError(t, db.Exec(`UPDATE tenants SET credit_balance = 1200 WHERE id = ?`, drifted).Error)

	report, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, report.TenantsChecked)
	require.Len(t, report.Mismatches, 1)
	assert.Equal(t, Mismatch{TenantID: drifted, Cached: 1200, Computed: 1000}, report.Mismatches[0])

	assert.Equal(t, 1.0, gathered(t, registry, "creditledger_reconcile_mismatch_total").GetCounter().GetValue())
	assert.Equal(t, 4.0, gathered(t, registry, "creditledger_reconcile_tenants_checked_total").GetCounter().GetValue())
	assert.Equal(t, float64(fake.Now().Unix()), gathered(t, registry, "creditledger_reconcile_last_run_timestamp_seconds").GetGauge().GetValue())

	// Reconciliation only reports.
	assert.Equal(t, int64(1200), testutil.Balance(t, db, drifted))
}

func TestRunWithNoTenants(t *testing.T) {
	db := testutil.OpenDB(t)
	node := testutil.MustNode(t)
	fake := clock.NewFakeClock(time.Now())

	ledger := ledgerservice.NewService(ledgerservice.Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  fake,
		Locker: tenantlock.NewLocal(),
		Repo:   ledgerrepo.Provide(),
	})
	job := New(Params{
		DB:         db,
		Log:        zap.NewNop(),
		Clock:      fake,
		Ledger:     ledger,
		TenantRepo: tenantrepo.Provide(),
	})

	report, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.TenantsChecked)
	assert.Empty(t, report.Mismatches)
}

// debitingLedger commits one debit right after the first balance read, the way
// a deduct racing the job would.
type debitingLedger struct {
	ledgerdomain.Service
	t      *testing.T
	tenant snowflake.ID
	once   sync.Once
}

func (l *debitingLedger) interleave(ctx context.Context, tenantID snowflake.ID) {
	if tenantID != l.tenant {
		return
	}
	l.once.Do(func() {
		_, err := l.Service.Append(ctx, ledgerdomain.AppendRequest{
			TenantID:    tenantID,
			Amount:      10,
			Type:        ledgerdomain.TransactionTypeDebit,
			Description: "usage",
		})
		if err != nil {
			l.t.Fatalf("interleaved debit: %v", err)
		}
	})
}

func (l *debitingLedger) CurrentBalance(ctx context.Context, tenantID snowflake.ID) (int64, error) {
	balance, err := l.Service.CurrentBalance(ctx, tenantID)
	l.interleave(ctx, tenantID)
	return balance, err
}

func (l *debitingLedger) RecomputeBalance(ctx context.Context, tenantID snowflake.ID) (int64, error) {
	sum, err := l.Service.RecomputeBalance(ctx, tenantID)
	l.interleave(ctx, tenantID)
	return sum, err
}

func (l *debitingLedger) Snapshot(ctx context.Context, tenantID snowflake.ID) (ledgerdomain.BalanceSnapshot, error) {
	snap, err := l.Service.Snapshot(ctx, tenantID)
	l.interleave(ctx, tenantID)
	return snap, err
}

func TestRunIgnoresDebitCommittedDuringCheck(t *testing.T) {
	db := testutil.OpenDB(t)
	node := testutil.MustNode(t)
	fake := clock.NewFakeClock(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	registry := prometheus.NewRegistry()
	jobMetrics := obsmetrics.NewJobMetrics(registry, obsmetrics.Config{ServiceName: "test", Environment: "test"})

	tenantID := node.Generate()
	testutil.SeedTenantWithLedger(t, db, node, tenantID, "pro", 1000, 100_000)

	ledger := &debitingLedger{
		Service: ledgerservice.NewService(ledgerservice.Params{
			DB:     db,
			Log:    zap.NewNop(),
			GenID:  node,
			Clock:  fake,
			Locker: tenantlock.NewLocal(),
			Repo:   ledgerrepo.Provide(),
		}),
		t:      t,
		tenant: tenantID,
	}
	job := New(Params{
		DB:         db,
		Log:        zap.NewNop(),
		Clock:      fake,
		Ledger:     ledger,
		TenantRepo: tenantrepo.Provide(),
		Metrics:    jobMetrics,
	})

	report, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.TenantsChecked)
	assert.Empty(t, report.Mismatches)
	assert.Equal(t, 0.0, gathered(t, registry, "creditledger_reconcile_mismatch_total").GetCounter().GetValue())

	// The debit landed and the ledger still agrees with itself.
	assert.Equal(t, int64(990), testutil.Balance(t, db, tenantID))
	snap, err := ledger.Service.Snapshot(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.BalanceSnapshot{Cached: 990, Computed: 990}, snap)
}
