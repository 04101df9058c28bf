package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/creditledger/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/creditledger/internal/ledger/service"
	"github.com/smallbiznis/creditledger/internal/tenant/repository"
	"github.com/smallbiznis/creditledger/internal/tenantlock"
	"github.com/smallbiznis/creditledger/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type creditFixture struct {
	svc   creditdomain.Service
	db    *gorm.DB
	node  *snowflake.Node
	clock *clock.FakeClock
}

func setupCreditService(t *testing.T) creditFixture {
	t.Helper()
	db := testutil.OpenDB(t)
	node := testutil.MustNode(t)
	fake := clock.NewFakeClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))

	ledger := ledgerservice.NewService(ledgerservice.Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  fake,
		Locker: tenantlock.NewLocal(),
		Repo:   ledgerrepo.Provide(),
	})
	svc := NewService(Params{
		DB:         db,
		Log:        zap.NewNop(),
		Ledger:     ledger,
		TenantRepo: repository.Provide(),
		Billing:    config.NewStaticBillingConfigHolder(config.DefaultBillingConfig()),
	})
	return creditFixture{svc: svc, db: db, node: node, clock: fake}
}

func TestDeductCreditsSuccess(t *testing.T) {
	f := setupCreditService(t)
	tenantID := f.node.Generate()
	testutil.SeedTenantWithLedger(t, f.db, f.node, tenantID, "starter", 1000, 10_000)

	ok, err := f.svc.DeductCredits(context.Background(), tenantID, 100, "chat completion", ledgerdomain.ChatMetadata(ledgerdomain.ChatUsage{Model: "m", Tokens: 100}))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(900), testutil.Balance(t, f.db, tenantID))
	assert.Equal(t, int64(1), testutil.Count(t, f.db, `SELECT COUNT(1) FROM credit_transactions WHERE tenant_id = ? AND type = 'debit'`, tenantID))
}

func TestDeductCreditsInsufficientIsNotAnError(t *testing.T) {
	f := setupCreditService(t)
	tenantID := f.node.Generate()
	testutil.SeedTenantWithLedger(t, f.db, f.node, tenantID, "starter", 50, 10_000)

	ok, err := f.svc.DeductCredits(context.Background(), tenantID, 100, "chat completion", ledgerdomain.Metadata{})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(50), testutil.Balance(t, f.db, tenantID))
	assert.Equal(t, int64(0), testutil.Count(t, f.db, `SELECT COUNT(1) FROM credit_transactions WHERE tenant_id = ? AND type = 'debit'`, tenantID))
}

func TestDeductCreditsRejectsCallerErrors(t *testing.T) {
	f := setupCreditService(t)

	ok, err := f.svc.DeductCredits(context.Background(), f.node.Generate(), 0, "", ledgerdomain.Metadata{})
	assert.False(t, ok)
	assert.ErrorIs(t, err, creditdomain.ErrInvalidAmount)

	ok, err = f.svc.DeductCredits(context.Background(), 0, 10, "", ledgerdomain.Metadata{})
	assert.False(t, ok)
	assert.ErrorIs(t, err, creditdomain.ErrInvalidTenant)
}

func TestDeductCreditsUnknownTenantIsAnError(t *testing.T) {
	f := setupCreditService(t)

	ok, err := f.svc.DeductCredits(context.Background(), f.node.Generate(), 10, "", ledgerdomain.Metadata{})
	assert.False(t, ok)
	assert.ErrorIs(t, err, creditdomain.ErrTenantNotFound)
}

func TestAddCredits(t *testing.T) {
	f := setupCreditService(t)
	tenantID := f.node.Generate()
	testutil.SeedTenant(t, f.db, tenantID, "starter", 0, 10_000)

	id, err := f.svc.AddCredits(context.Background(), tenantID, 250, "goodwill", ledgerdomain.Metadata{Kind: ledgerdomain.MetadataKindGrant})
	require.NoError(t, err)
	assert.NotZero(t, id)
	assert.Equal(t, int64(250), testutil.Balance(t, f.db, tenantID))

	_, err = f.svc.AddCredits(context.Background(), tenantID, -1, "", ledgerdomain.Metadata{})
	assert.ErrorIs(t, err, creditdomain.ErrInvalidAmount)
}

func TestCheckCredits(t *testing.T) {
	f := setupCreditService(t)
	tenantID := f.node.Generate()
	testutil.SeedTenantWithLedger(t, f.db, f.node, tenantID, "starter", 40, 10_000)

	check, err := f.svc.CheckCredits(context.Background(), tenantID, 100)
	require.NoError(t, err)
	assert.False(t, check.Sufficient)
	assert.Equal(t, int64(40), check.CreditsAvailable)
	assert.Equal(t, int64(100), check.EstimatedTokensNeeded)
	assert.Equal(t, int64(60), check.CreditsNeeded)

	check, err = f.svc.CheckCredits(context.Background(), tenantID, 10)
	require.NoError(t, err)
	assert.True(t, check.Sufficient)
	assert.Equal(t, int64(0), check.CreditsNeeded)
}

func TestCalculateMcpSurcharge(t *testing.T) {
	f := setupCreditService(t)

	assert.Equal(t, 15.0, f.svc.CalculateMcpSurcharge("unity", 10))
	assert.Equal(t, 15.0, f.svc.CalculateMcpSurcharge(" Unity ", 10))
	assert.Equal(t, 7.0, f.svc.CalculateMcpSurcharge("some-new-engine", 7))
	assert.Equal(t, 0.0, f.svc.CalculateMcpSurcharge("unreal", 0))
	assert.Equal(t, 0.0, f.svc.CalculateMcpSurcharge("unreal", -3))
}

func TestCalculateMcpSurchargeIsLinear(t *testing.T) {
	f := setupCreditService(t)

	for _, engine := range []string{"unity", "unreal", "godot", "gamemaker", "other"} {
		for _, pair := range [][2]int64{{1, 2}, {3, 9}, {10, 250}} {
			a, b := pair[0], pair[1]
			sum := f.svc.CalculateMcpSurcharge(engine, a) + f.svc.CalculateMcpSurcharge(engine, b)
			assert.InDelta(t, f.svc.CalculateMcpSurcharge(engine, a+b), sum, 1e-9, "engine %s", engine)
		}
	}
}

func TestGetEngineUsageAnalytics(t *testing.T) {
	f := setupCreditService(t)
	tenantID := f.node.Generate()
	testutil.SeedTenantWithLedger(t, f.db, f.node, tenantID, "starter", 20_000, 10_000)
	ctx := context.Background()
	from := f.clock.Now()

	deduct := func(amount int64, meta ledgerdomain.Metadata) {
		t.Helper()
		f.clock.Advance(time.Minute)
		ok, err := f.svc.DeductCredits(ctx, tenantID, amount, "usage", meta)
		require.NoError(t, err)
		require.True(t, ok)
	}
	deduct(3000, ledgerdomain.EngineMetadata(ledgerdomain.EngineUsage{EngineType: "unity", ActionCount: 4, Surcharge: 6}))
	deduct(2000, ledgerdomain.EngineMetadata(ledgerdomain.EngineUsage{EngineType: "unity", ActionCount: 2, Surcharge: 3}))
	deduct(1500, ledgerdomain.EngineMetadata(ledgerdomain.EngineUsage{EngineType: "godot", ActionCount: 5, Surcharge: 5}))
	deduct(1700, ledgerdomain.ChatMetadata(ledgerdomain.ChatUsage{Model: "m"}))

	f.clock.Advance(time.Minute)
	_, err := f.svc.AddCredits(ctx, tenantID, 999, "top up", ledgerdomain.Metadata{})
	require.NoError(t, err)

	report, err := f.svc.GetEngineUsageAnalytics(ctx, tenantID, from, f.clock.Now().Add(time.Second))
	require.NoError(t, err)

	require.Len(t, report.EngineBreakdown, 3)
	assert.Equal(t, "unity", report.EngineBreakdown[0].EngineType)
	assert.Equal(t, int64(2), report.EngineBreakdown[0].TransactionCount)
	assert.Equal(t, int64(5000), report.EngineBreakdown[0].CreditsUsed)
	assert.Equal(t, int64(6), report.EngineBreakdown[0].ActionCount)
	assert.Equal(t, 9.0, report.EngineBreakdown[0].Surcharge)
	assert.Equal(t, creditdomain.UnknownEngine, report.EngineBreakdown[1].EngineType)
	assert.Equal(t, "godot", report.EngineBreakdown[2].EngineType)

	assert.Equal(t, int64(4), report.Totals.TransactionCount)
	assert.Equal(t, int64(8200), report.Totals.CreditsUsed)
	assert.Equal(t, int64(11), report.Totals.ActionCount)
	assert.Equal(t, int64(10_000), report.MonthlyCreditLimit)
	assert.Equal(t, 82.0, report.LimitUtilization)
	assert.True(t, report.ApproachingLimit)
}

func TestGetEngineUsageAnalyticsEmptyWindow(t *testing.T) {
	f := setupCreditService(t)
	tenantID := f.node.Generate()
	testutil.SeedTenant(t, f.db, tenantID, "starter", 0, 0)

	now := f.clock.Now()
	report, err := f.svc.GetEngineUsageAnalytics(context.Background(), tenantID, now.Add(-time.Hour), now)
	require.NoError(t, err)
	assert.Empty(t, report.EngineBreakdown)
	assert.Equal(t, 0.0, report.LimitUtilization)
	assert.False(t, report.ApproachingLimit)

	_, err = f.svc.GetEngineUsageAnalytics(context.Background(), f.node.Generate(), now.Add(-time.Hour), now)
	assert.ErrorIs(t, err, creditdomain.ErrTenantNotFound)

	_, err = f.svc.GetEngineUsageAnalytics(context.Background(), tenantID, now, now)
	assert.ErrorIs(t, err, creditdomain.ErrInvalidWindow)
}
