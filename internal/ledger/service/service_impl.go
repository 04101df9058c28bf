package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/clock"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	"github.com/smallbiznis/creditledger/internal/tenantlock"
	"github.com/smallbiznis/creditledger/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Locker     tenantlock.Locker
	Repo       ledgerdomain.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	locker     tenantlock.Locker
	repo       ledgerdomain.Repository
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		locker:     p.Locker,
		repo:       p.Repo,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Append(ctx context.Context, req ledgerdomain.AppendRequest) (*ledgerdomain.Transaction, error) {
	req, err := normalizeAppend(req)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locker.Lock(ctx, req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("lock tenant %s: %w", req.TenantID, err)
	}
	defer unlock()

	var item *ledgerdomain.Transaction
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		item, txErr = s.appendTx(ctx, tx, req)
		return txErr
	})
	if err != nil {
		return nil, s.appendFailed(ctx, req, err)
	}

	s.recordAppended(ctx, item)
	return item, nil
}

func (s *Service) AppendTx(ctx context.Context, tx *gorm.DB, req ledgerdomain.AppendRequest) (*ledgerdomain.Transaction, error) {
	if tx == nil {
		return nil, gorm.ErrInvalidTransaction
	}
	req, err := normalizeAppend(req)
	if err != nil {
		return nil, err
	}

	item, err := s.appendTx(ctx, tx, req)
	if err != nil {
		return nil, s.appendFailed(ctx, req, err)
	}

	// Counted before the caller commits; a later rollback still shows up here.
	s.recordAppended(ctx, item)
	return item, nil
}

func (s *Service) appendTx(ctx context.Context, tx *gorm.DB, req ledgerdomain.AppendRequest) (*ledgerdomain.Transaction, error) {
	now := s.clock.Now().UTC().Truncate(time.Microsecond)
	delta := req.Amount
	if req.Type == ledgerdomain.TransactionTypeDebit {
		delta = -req.Amount
	}

	applied, err := s.repo.AdjustBalance(ctx, tx, req.TenantID, delta, now)
	if err != nil {
		return nil, err
	}
	if !applied {
		exists, err := s.repo.TenantExists(ctx, tx, req.TenantID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, ledgerdomain.ErrTenantNotFound
		}
		return nil, ledgerdomain.ErrOverdraft
	}

	balance, found, err := s.repo.Balance(ctx, tx, req.TenantID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ledgerdomain.ErrTenantNotFound
	}

	item := &ledgerdomain.Transaction{
		ID:           s.genID.Generate(),
		TenantID:     req.TenantID,
		Amount:       req.Amount,
		Type:         req.Type,
		Description:  req.Description,
		Metadata:     req.Metadata,
		BalanceAfter: balance,
		CreatedAt:    now,
	}
	if err := s.repo.InsertTransaction(ctx, tx, item); err != nil {
		return nil, err
	}
	return item, nil
}

func (s *Service) appendFailed(ctx context.Context, req ledgerdomain.AppendRequest, err error) error {
	switch {
	case errors.Is(err, ledgerdomain.ErrOverdraft):
		s.obsMetrics.RecordOverdraft(ctx)
		return err
	case errors.Is(err, ledgerdomain.ErrTenantNotFound):
		return err
	}
	s.log.Error("failed to append ledger transaction",
		zap.String("tenant_id", req.TenantID.String()),
		zap.String("type", string(req.Type)),
		zap.Int64("amount", req.Amount),
		zap.Error(err),
	)
	return fmt.Errorf("append ledger transaction: %w", err)
}

func (s *Service) recordAppended(ctx context.Context, item *ledgerdomain.Transaction) {
	s.obsMetrics.RecordLedgerTransaction(ctx, string(item.Type), item.Amount)
	s.log.Debug("ledger transaction appended",
		zap.String("transaction_id", item.ID.String()),
		zap.String("tenant_id", item.TenantID.String()),
		zap.String("type", string(item.Type)),
		zap.Int64("amount", item.Amount),
		zap.Int64("balance_after", item.BalanceAfter),
	)
}

func (s *Service) CurrentBalance(ctx context.Context, tenantID snowflake.ID) (int64, error) {
	if tenantID == 0 {
		return 0, ledgerdomain.ErrInvalidTenant
	}
	balance, found, err := s.repo.Balance(ctx, s.db, tenantID)
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	if !found {
		return 0, ledgerdomain.ErrTenantNotFound
	}
	return balance, nil
}

func (s *Service) RecomputeBalance(ctx context.Context, tenantID snowflake.ID) (int64, error) {
	if tenantID == 0 {
		return 0, ledgerdomain.ErrInvalidTenant
	}
	sum, err := s.repo.SumSigned(ctx, s.db, tenantID)
	if err != nil {
		return 0, fmt.Errorf("sum ledger: %w", err)
	}
	return sum, nil
}

func (s *Service) Snapshot(ctx context.Context, tenantID snowflake.ID) (ledgerdomain.BalanceSnapshot, error) {
	if tenantID == 0 {
		return ledgerdomain.BalanceSnapshot{}, ledgerdomain.ErrInvalidTenant
	}
	snap, found, err := s.repo.Snapshot(ctx, s.db, tenantID)
	if err != nil {
		return ledgerdomain.BalanceSnapshot{}, fmt.Errorf("read balance snapshot: %w", err)
	}
	if !found {
		return ledgerdomain.BalanceSnapshot{}, ledgerdomain.ErrTenantNotFound
	}
	return snap, nil
}

func (s *Service) History(ctx context.Context, filter ledgerdomain.HistoryFilter) (*ledgerdomain.HistoryPage, error) {
	if filter.TenantID == 0 {
		return nil, ledgerdomain.ErrInvalidTenant
	}
	txType := ledgerdomain.TransactionType(strings.ToLower(strings.TrimSpace(string(filter.Type))))
	if txType != "" {
		if _, err := normalizeType(txType); err != nil {
			return nil, err
		}
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.From.Before(filter.To) {
		return nil, ledgerdomain.ErrInvalidWindow
	}

	limit := pagination.NormalizePageSize(filter.PageSize)
	query := ledgerdomain.ListQuery{
		TenantID: filter.TenantID,
		Type:     txType,
		From:     utcOrZero(filter.From),
		To:       utcOrZero(filter.To),
		Limit:    limit + 1,
	}
	if token := strings.TrimSpace(filter.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return nil, err
		}
		id, err := strconv.ParseInt(cursor.ID, 10, 64)
		if err != nil {
			return nil, pagination.ErrInvalidPageToken
		}
		createdAt, err := cursor.CreatedAtTime()
		if err != nil {
			return nil, err
		}
		query.BeforeID = snowflake.ID(id)
		query.BeforeCreatedAt = createdAt.UTC()
	}

	items, err := s.repo.List(ctx, s.db, query)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}

	items, pageInfo, err := pagination.BuildCursorPageInfo(items, limit, func(t *ledgerdomain.Transaction) pagination.Cursor {
		return pagination.Cursor{
			ID:        t.ID.String(),
			CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
	})
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*ledgerdomain.Transaction{}
	}
	return &ledgerdomain.HistoryPage{Transactions: items, PageInfo: *pageInfo}, nil
}

func (s *Service) ListRange(ctx context.Context, tenantID snowflake.ID, from, to time.Time) ([]*ledgerdomain.Transaction, error) {
	if tenantID == 0 {
		return nil, ledgerdomain.ErrInvalidTenant
	}
	if from.IsZero() || to.IsZero() || !from.Before(to) {
		return nil, ledgerdomain.ErrInvalidWindow
	}
	items, err := s.repo.ListRange(ctx, s.db, tenantID, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("list ledger range: %w", err)
	}
	return items, nil
}

func normalizeAppend(req ledgerdomain.AppendRequest) (ledgerdomain.AppendRequest, error) {
	if req.TenantID == 0 {
		return req, ledgerdomain.ErrInvalidTenant
	}
	if req.Amount <= 0 {
		return req, ledgerdomain.ErrInvalidAmount
	}
	txType, err := normalizeType(req.Type)
	if err != nil {
		return req, err
	}
	req.Type = txType
	req.Description = strings.TrimSpace(req.Description)
	if err := req.Metadata.Validate(); err != nil {
		return req, err
	}
	return req, nil
}

func normalizeType(t ledgerdomain.TransactionType) (ledgerdomain.TransactionType, error) {
	switch strings.ToLower(strings.TrimSpace(string(t))) {
	case string(ledgerdomain.TransactionTypeCredit):
		return ledgerdomain.TransactionTypeCredit, nil
	case string(ledgerdomain.TransactionTypeDebit):
		return ledgerdomain.TransactionTypeDebit, nil
	default:
		return "", ledgerdomain.ErrInvalidType
	}
}

func utcOrZero(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC()
}
