package service

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/clock"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	"github.com/smallbiznis/creditledger/internal/ledger/repository"
	"github.com/smallbiznis/creditledger/internal/tenantlock"
	"github.com/smallbiznis/creditledger/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func setupLedgerService(t *testing.T) (ledgerdomain.Service, *gorm.DB, *snowflake.Node, *clock.FakeClock) {
	t.Helper()
	db := testutil.OpenDB(t)
	node := testutil.MustNode(t)
	fake := clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	svc := NewService(Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  fake,
		Locker: tenantlock.NewLocal(),
		Repo:   repository.Provide(),
	})
	return svc, db, node, fake
}

func credit(tenantID snowflake.ID, amount int64) ledgerdomain.AppendRequest {
	return ledgerdomain.AppendRequest{TenantID: tenantID, Amount: amount, Type: ledgerdomain.TransactionTypeCredit, Description: "top up"}
}

func debit(tenantID snowflake.ID, amount int64) ledgerdomain.AppendRequest {
	return ledgerdomain.AppendRequest{TenantID: tenantID, Amount: amount, Type: ledgerdomain.TransactionTypeDebit, Description: "usage"}
}

func TestAppendDebitUpdatesBalanceAndSnapshot(t *testing.T) {
	svc, db, node, _ := setupLedgerService(t)
	tenantID := node.Generate()
	testutil.SeedTenantWithLedger(t, db, node, tenantID, "starter", 1000, 10000)

	item, err := svc.Append(context.Background(), debit(tenantID, 100))
	require.NoError(t, err)
	assert.Equal(t, int64(900), item.BalanceAfter)
	assert.Equal(t, int64(900), testutil.Balance(t, db, tenantID))

	recomputed, err := svc.RecomputeBalance(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, int64(900), recomputed)
}

func TestAppendOverdraftLeavesNoTrace(t *testing.T) {
	svc, db, node, _ := setupLedgerService(t)
	tenantID := node.Generate()
	testutil.SeedTenantWithLedger(t, db, node, tenantID, "starter", 50, 10000)

	before := testutil.Count(t, db, `SELECT COUNT(1) FROM credit_transactions WHERE tenant_id = ?`, tenantID)

	_, err := svc.Append(context.Background(), debit(tenantID, 100))
	assert.ErrorIs(t, err, ledgerdomain.ErrOverdraft)
	assert.Equal(t, int64(50), testutil.Balance(t, db, tenantID))
	assert.Equal(t, before, testutil.Count(t, db, `SELECT COUNT(1) FROM credit_transactions WHERE tenant_id = ?`, tenantID))
}

func TestAppendExactBalanceReachesZero(t *testing.T) {
	svc, db, node, _ := setupLedgerService(t)
	tenantID := node.Generate()
	testutil.SeedTenantWithLedger(t, db, node, tenantID, "starter", 75, 0)

	item, err := svc.Append(context.Background(), debit(tenantID, 75))
	require.NoError(t, err)
	assert.Equal(t, int64(0), item.BalanceAfter)
}

func TestAppendValidatesBeforeIO(t *testing.T) {
	svc, _, node, _ := setupLedgerService(t)
	tenantID := node.Generate()

	cases := []struct {
		name string
		req  ledgerdomain.AppendRequest
		want error
	}{
		{name: "zero_amount", req: debit(tenantID, 0), want: ledgerdomain.ErrInvalidAmount},
		{name: "negative_amount", req: credit(tenantID, -5), want: ledgerdomain.ErrInvalidAmount},
		{name: "zero_tenant", req: credit(0, 5), want: ledgerdomain.ErrInvalidTenant},
		{name: "bad_type", req: ledgerdomain.AppendRequest{TenantID: tenantID, Amount: 5, Type: "refund"}, want: ledgerdomain.ErrInvalidType},
		{name: "bad_metadata", req: ledgerdomain.AppendRequest{TenantID: tenantID, Amount: 5, Type: "credit", Metadata: ledgerdomain.Metadata{Kind: "nope"}}, want: ledgerdomain.ErrInvalidMetadata},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Append(context.Background(), tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestAppendUnknownTenant(t *testing.T) {
	svc, _, node, _ := setupLedgerService(t)

	_, err := svc.Append(context.Background(), credit(node.Generate(), 10))
	assert.ErrorIs(t, err, ledgerdomain.ErrTenantNotFound)

	_, err = svc.CurrentBalance(context.Background(), node.Generate())
	assert.ErrorIs(t, err, ledgerdomain.ErrTenantNotFound)
}

func TestRandomSequenceKeepsBalanceEqualToLedgerSum(t *testing.T) {
	svc, db, node, fake := setupLedgerService(t)
	tenantID := node.Generate()
	testutil.SeedTenant(t, db, tenantID, "starter", 0, 0)

	rng := rand.New(rand.NewSource(7))
	var credits, debits int64
	for i := 0; i < 200; i++ {
		fake.Advance(time.Second)
		amount := int64(rng.Intn(500) + 1)
		if rng.Intn(2) == 0 {
			if _, err := svc.Append(context.Background(), credit(tenantID, amount)); err != nil {
				t.Fatalf("credit %d: %v", i, err)
			}
			credits += amount
			continue
		}
		_, err := svc.Append(context.Background(), debit(tenantID, amount))
		switch {
		case err == nil:
			debits += amount
		case errors.Is(err, ledgerdomain.ErrOverdraft):
		default:
			t.Fatalf("debit %d: %v", i, err)
		}

		balance, err := svc.CurrentBalance(context.Background(), tenantID)
		require.NoError(t, err)
		if balance < 0 {
			t.Fatalf("balance went negative at step %d: %d", i, balance)
		}
	}

	balance, err := svc.CurrentBalance(context.Background(), tenantID)
	require.NoError(t, err)
	recomputed, err := svc.RecomputeBalance(context.Background(), tenantID)
	require.NoError(t, err)

	assert.Equal(t, credits-debits, balance)
	assert.Equal(t, balance, recomputed)
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	svc, db, node, _ := setupLedgerService(t)
	tenantID := node.Generate()
	testutil.SeedTenantWithLedger(t, db, node, tenantID, "starter", 1000, 0)

	const workers = 25
	var (
		wg        sync.WaitGroup
		succeeded int32
		overdrawn int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Append(context.Background(), debit(tenantID, 100))
			switch {
			case err == nil:
				atomic.AddInt32(&succeeded, 1)
			case errors.Is(err, ledgerdomain.ErrOverdraft):
				atomic.AddInt32(&overdrawn, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), succeeded)
	assert.Equal(t, int32(workers-10), overdrawn)
	assert.Equal(t, int64(0), testutil.Balance(t, db, tenantID))

	recomputed, err := svc.RecomputeBalance(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), recomputed)
}

func TestHistoryPagesNewestFirst(t *testing.T) {
	svc, db, node, fake := setupLedgerService(t)
	tenantID := node.Generate()
	testutil.SeedTenant(t, db, tenantID, "starter", 0, 0)

	var ids []snowflake.ID
	for i := 1; i <= 5; i++ {
		fake.Advance(time.Minute)
		item, err := svc.Append(context.Background(), credit(tenantID, int64(i)))
		require.NoError(t, err)
		ids = append(ids, item.ID)
	}
	fake.Advance(time.Minute)
	_, err := svc.Append(context.Background(), debit(tenantID, 1))
	require.NoError(t, err)

	page, err := svc.History(context.Background(), ledgerdomain.HistoryFilter{
		TenantID: tenantID,
		Type:     ledgerdomain.TransactionTypeCredit,
		PageSize: 2,
	})
	require.NoError(t, err)
	require.Len(t, page.Transactions, 2)
	assert.Equal(t, ids[4], page.Transactions[0].ID)
	assert.Equal(t, ids[3], page.Transactions[1].ID)
	assert.True(t, page.PageInfo.HasMore)

	var seen []snowflake.ID
	for _, tx := range page.Transactions {
		seen = append(seen, tx.ID)
	}
	token := page.PageInfo.NextPageToken
	for token != "" {
		next, err := svc.History(context.Background(), ledgerdomain.HistoryFilter{
			TenantID:  tenantID,
			Type:      ledgerdomain.TransactionTypeCredit,
			PageSize:  2,
			PageToken: token,
		})
		require.NoError(t, err)
		for _, tx := range next.Transactions {
			seen = append(seen, tx.ID)
		}
		token = next.PageInfo.NextPageToken
	}

	assert.Equal(t, []snowflake.ID{ids[4], ids[3], ids[2], ids[1], ids[0]}, seen)
}

func TestHistoryRejectsBadInput(t *testing.T) {
	svc, _, node, _ := setupLedgerService(t)
	tenantID := node.Generate()

	_, err := svc.History(context.Background(), ledgerdomain.HistoryFilter{TenantID: tenantID, Type: "refund"})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidType)

	_, err = svc.History(context.Background(), ledgerdomain.HistoryFilter{TenantID: tenantID, PageToken: "not-a-token"})
	assert.Error(t, err)

	_, err = svc.History(context.Background(), ledgerdomain.HistoryFilter{})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidTenant)
}

func TestListRangeIsHalfOpen(t *testing.T) {
	svc, db, node, fake := setupLedgerService(t)
	tenantID := node.Generate()
	testutil.SeedTenant(t, db, tenantID, "starter", 0, 0)

	start := fake.Now()
	_, err := svc.Append(context.Background(), credit(tenantID, 10))
	require.NoError(t, err)
	fake.Advance(time.Hour)
	end := fake.Now()
	_, err = svc.Append(context.Background(), credit(tenantID, 20))
	require.NoError(t, err)

	items, err := svc.ListRange(context.Background(), tenantID, start, end)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, int64(10), items[0].Amount)

	_, err = svc.ListRange(context.Background(), tenantID, end, start)
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidWindow)
}

func TestAppendMetadataRoundTrip(t *testing.T) {
	svc, db, node, _ := setupLedgerService(t)
	tenantID := node.Generate()
	testutil.SeedTenantWithLedger(t, db, node, tenantID, "starter", 100, 0)

	req := debit(tenantID, 15)
	req.Metadata = ledgerdomain.EngineMetadata(ledgerdomain.EngineUsage{EngineType: "unity", ActionCount: 10, Surcharge: 15})
	_, err := svc.Append(context.Background(), req)
	require.NoError(t, err)

	page, err := svc.History(context.Background(), ledgerdomain.HistoryFilter{TenantID: tenantID, Type: ledgerdomain.TransactionTypeDebit})
	require.NoError(t, err)
	require.Len(t, page.Transactions, 1)
	assert.Equal(t, "unity", page.Transactions[0].Metadata.EngineType())
	assert.Equal(t, int64(10), page.Transactions[0].Metadata.Engine.ActionCount)
}

func TestAppendRollsBackOnStorageFailure(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)

	node := testutil.MustNode(t)
	svc := NewService(Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  clock.NewFakeClock(time.Now()),
		Locker: tenantlock.NewLocal(),
		Repo:   repository.Provide(),
	})

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE tenants`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT id, credit_balance FROM tenants`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "credit_balance"}).AddRow(int64(1), int64(90)))
	mock.ExpectExec(`INSERT INTO credit_transactions`).WillReturnError(errors.New("connection reset by peer"))
	mock.ExpectRollback()

	_, err = svc.Append(context.Background(), debit(1, 10))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ledgerdomain.ErrOverdraft)
	assert.Contains(t, err.Error(), "connection reset by peer")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotReportsCachedAndComputed(t *testing.T) {
	svc, db, node, _ := setupLedgerService(t)
	tenantID := node.Generate()
	testutil.SeedTenantWithLedger(t, db, node, tenantID, "starter", 1000, 10000)

	_, err := svc.Append(context.Background(), debit(tenantID, 250))
	require.NoError(t, err)

	snap, err := svc.Snapshot(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.BalanceSnapshot{Cached: 750, Computed: 750}, snap)

	require.NoError(t, db.Exec(`UPDATE tenants SET credit_balance = 900 WHERE id = ?`, tenantID).Error)
	snap, err = svc.Snapshot(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.BalanceSnapshot{Cached: 900, Computed: 750}, snap)

	_, err = svc.Snapshot(context.Background(), node.Generate())
	assert.ErrorIs(t, err, ledgerdomain.ErrTenantNotFound)
	_, err = svc.Snapshot(context.Background(), 0)
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidTenant)
}
