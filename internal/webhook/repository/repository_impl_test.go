package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/testutil"
	"github.com/smallbiznis/creditledger/internal/webhook/domain"
	"github.com/smallbiznis/creditledger/internal/webhook/repository"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newEvent(id snowflake.ID, externalID string) *domain.BillingEvent {
	return &domain.BillingEvent{
		ID:         id,
		Provider:   "stripe",
		ExternalID: externalID,
		EventType:  "checkout.session.completed",
		Payload:    datatypes.JSON(`{"id":"` + externalID + `"}`),
		Status:     domain.StatusReceived,
		ReceivedAt: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestInsertEventOncePerExternalID(t *testing.T) {
	db := testutil.OpenDB(t)
	repo := repository.Provide()
	ctx := context.Background()

	inserted, err := repo.InsertEvent(ctx, db, newEvent(1, "evt_1"))
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = repo.InsertEvent(ctx, db, newEvent(2, "evt_1"))
	require.NoError(t, err)
	require.False(t, inserted)

	inserted, err = repo.InsertEvent(ctx, db, newEvent(3, "evt_2"))
	require.NoError(t, err)
	require.True(t, inserted)

	found, err := repo.FindEvent(ctx, db, "stripe", "evt_1")
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, snowflake.ID(1), found.ID)
	require.Equal(t, domain.StatusReceived, found.Status)
	require.Equal(t, int64(2), testutil.Count(t, db, `SELECT COUNT(1) FROM billing_events`))
}

func TestInsertEventUsesDuplicateKeyOnMySQL(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(mysql.New(mysql.Config{Conn: sqlDB, SkipInitializeWithVersion: true}), &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO `billing_events` .* ON DUPLICATE KEY UPDATE").
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := repository.Provide().InsertEvent(context.Background(), db, newEvent(1, "evt_1"))
	require.NoError(t, err)
	require.False(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}
