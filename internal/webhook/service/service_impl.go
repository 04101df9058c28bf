package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	"github.com/smallbiznis/creditledger/internal/plan"
	tenantdomain "github.com/smallbiznis/creditledger/internal/tenant/domain"
	"github.com/smallbiznis/creditledger/internal/webhook/domain"
	"github.com/smallbiznis/creditledger/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxReasonLength = 500

var errAlreadyFinished = errors.New("billing event already finished")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Billing    *config.BillingConfigHolder
	Catalog    *plan.Catalog
	Credits    creditdomain.Service
	TenantRepo tenantdomain.Repository
	Repo       domain.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	catalog    *plan.Catalog
	credits    creditdomain.Service
	tenantRepo tenantdomain.Repository
	repo       domain.Repository
	obsMetrics *obsmetrics.Metrics
	processed  *processedCache
}

func NewService(p Params) domain.Service {
	billing := p.Billing.Get()
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("webhook.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		catalog:    p.Catalog,
		credits:    p.Credits,
		tenantRepo: p.TenantRepo,
		repo:       p.Repo,
		obsMetrics: p.ObsMetrics,
		processed:  newProcessedCache(billing.ProcessedEventCacheSize, billing.ProcessedEventCacheTTL),
	}
}

// result is what a handler decided for one event.
type result struct {
	status   domain.Status
	reason   string
	tenantID *snowflake.ID
}

func applied(tenantID snowflake.ID) result {
	return result{status: domain.StatusApplied, tenantID: &tenantID}
}

func skipped(reason string, tenantID *snowflake.ID) result {
	return result{status: domain.StatusSkipped, reason: reason, tenantID: tenantID}
}

func (s *Service) Process(ctx context.Context, event domain.Event) (*domain.Outcome, error) {
	event, err := normalizeEvent(event)
	if err != nil {
		return nil, err
	}
	kind := domain.ParseKind(event.Type)

	if status, ok := s.processed.get(event.Provider, event.ID); ok {
		return &domain.Outcome{
			ExternalID: event.ID,
			Kind:       kind,
			Status:     status,
			Duplicate:  true,
		}, nil
	}

	record := &domain.BillingEvent{
		ID:         s.genID.Generate(),
		Provider:   event.Provider,
		ExternalID: event.ID,
		EventType:  event.Type,
		Payload:    datatypes.JSON(event.Data),
		Status:     domain.StatusReceived,
		ReceivedAt: s.clock.Now(),
	}
	inserted, err := s.repo.InsertEvent(ctx, s.db, record)
	if err != nil {
		return nil, fmt.Errorf("record billing event: %w", err)
	}
	if !inserted {
		stored, err := s.repo.FindEvent(ctx, s.db, event.Provider, event.ID)
		if err != nil {
			return nil, fmt.Errorf("load billing event: %w", err)
		}
		if stored == nil {
			return nil, fmt.Errorf("billing event %s/%s vanished after conflict", event.Provider, event.ID)
		}
		if stored.Status.IsTerminal() {
			s.processed.remember(stored.Provider, stored.ExternalID, stored.Status)
			return duplicateOutcome(stored), nil
		}
		s.log.Warn("resuming billing event left in received state",
			zap.String("provider", stored.Provider),
			zap.String("external_id", stored.ExternalID),
		)
		record = stored
	}

	return s.dispatch(ctx, record)
}

func normalizeEvent(event domain.Event) (domain.Event, error) {
	event.ID = strings.TrimSpace(event.ID)
	event.Type = strings.TrimSpace(event.Type)
	event.Provider = strings.ToLower(strings.TrimSpace(event.Provider))
	if event.ID == "" || event.Type == "" {
		return event, domain.ErrInvalidEvent
	}
	if event.Provider == "" {
		event.Provider = domain.ProviderStripe
	}
	return event, nil
}

// dispatch runs the handler for a received event. Effects and the terminal
// status commit together, so a crash leaves the event received and resumable.
func (s *Service) dispatch(ctx context.Context, stored *domain.BillingEvent) (*domain.Outcome, error) {
	kind := domain.ParseKind(stored.EventType)

	var res result
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		res, err = s.apply(ctx, tx, stored, kind)
		if err != nil {
			return err
		}
		finished, err := s.repo.Finish(ctx, tx, stored.ID, res.status, truncate(res.reason), res.tenantID, s.clock.Now())
		if err != nil {
			return fmt.Errorf("finish billing event: %w", err)
		}
		if !finished {
			return errAlreadyFinished
		}
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, errAlreadyFinished):
		return s.reloadDuplicate(ctx, stored)
	default:
		return s.fail(ctx, stored, kind, err)
	}

	s.processed.remember(stored.Provider, stored.ExternalID, res.status)
	s.obsMetrics.RecordWebhookEvent(ctx, stored.Provider, string(kind), string(res.status))

	fields := []zap.Field{
		zap.String("provider", stored.Provider),
		zap.String("external_id", stored.ExternalID),
		zap.String("kind", string(kind)),
		zap.String("status", string(res.status)),
	}
	if res.reason != "" {
		fields = append(fields, zap.String("reason", res.reason))
	}
	if res.tenantID != nil {
		fields = append(fields, zap.String("tenant_id", res.tenantID.String()))
	}
	s.log.Info("billing event processed", fields...)

	return &domain.Outcome{
		EventID:    stored.ID,
		ExternalID: stored.ExternalID,
		Kind:       kind,
		Status:     res.status,
		Reason:     res.reason,
		TenantID:   res.tenantID,
	}, nil
}

func (s *Service) apply(ctx context.Context, tx *gorm.DB, stored *domain.BillingEvent, kind domain.Kind) (result, error) {
	switch kind {
	case domain.KindPurchaseCompleted:
		return s.applyPurchase(ctx, tx, stored)
	case domain.KindSubscriptionUpdated:
		return s.applySubscriptionUpdated(ctx, tx, stored)
	case domain.KindSubscriptionCancelled:
		return s.applySubscriptionCancelled(ctx, tx, stored)
	case domain.KindPaymentFailed:
		return s.applyPaymentFailed(ctx, tx, stored)
	case domain.KindInvoicePaid:
		return s.applyInvoicePaid(ctx, tx, stored)
	case domain.KindUnknown:
		return skipped("unhandled_event_type", nil), nil
	default:
		return result{}, fmt.Errorf("unmapped event kind %q", kind)
	}
}

// fail records the error on the event in its own write. The delivery is still
// acknowledged, and operators pick the event up through ListFailed.
func (s *Service) fail(ctx context.Context, stored *domain.BillingEvent, kind domain.Kind, cause error) (*domain.Outcome, error) {
	reason := truncate(cause.Error())
	finished, err := s.repo.Finish(ctx, s.db, stored.ID, domain.StatusFailed, reason, nil, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("mark billing event failed: %w (processing error: %v)", err, cause)
	}
	if !finished {
		return s.reloadDuplicate(ctx, stored)
	}

	s.log.Error("billing event failed",
		zap.String("provider", stored.Provider),
		zap.String("external_id", stored.ExternalID),
		zap.String("kind", string(kind)),
		zap.Error(cause),
	)
	s.obsMetrics.RecordWebhookEvent(ctx, stored.Provider, string(kind), string(domain.StatusFailed))

	return &domain.Outcome{
		EventID:    stored.ID,
		ExternalID: stored.ExternalID,
		Kind:       kind,
		Status:     domain.StatusFailed,
		Reason:     reason,
	}, nil
}

func (s *Service) reloadDuplicate(ctx context.Context, stored *domain.BillingEvent) (*domain.Outcome, error) {
	current, err := s.repo.FindEvent(ctx, s.db, stored.Provider, stored.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("load billing event: %w", err)
	}
	if current == nil {
		return nil, domain.ErrEventNotFound
	}
	s.processed.remember(current.Provider, current.ExternalID, current.Status)
	return duplicateOutcome(current), nil
}

func duplicateOutcome(stored *domain.BillingEvent) *domain.Outcome {
	return &domain.Outcome{
		EventID:    stored.ID,
		ExternalID: stored.ExternalID,
		Kind:       domain.ParseKind(stored.EventType),
		Status:     stored.Status,
		Reason:     stored.Reason,
		TenantID:   stored.TenantID,
		Duplicate:  true,
	}
}

func (s *Service) ListFailed(ctx context.Context, limit int) ([]*domain.BillingEvent, error) {
	items, err := s.repo.ListByStatus(ctx, s.db, domain.StatusFailed, pagination.NormalizePageSize(limit))
	if err != nil {
		return nil, fmt.Errorf("list failed billing events: %w", err)
	}
	return items, nil
}

func (s *Service) Replay(ctx context.Context, provider, externalID string) (*domain.Outcome, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	externalID = strings.TrimSpace(externalID)
	if provider == "" || externalID == "" {
		return nil, domain.ErrInvalidEvent
	}

	stored, err := s.repo.FindEvent(ctx, s.db, provider, externalID)
	if err != nil {
		return nil, fmt.Errorf("load billing event: %w", err)
	}
	if stored == nil {
		return nil, domain.ErrEventNotFound
	}
	if stored.Status != domain.StatusFailed {
		return nil, domain.ErrNotReplayable
	}

	reset, err := s.repo.Reset(ctx, s.db, stored.ID)
	if err != nil {
		return nil, fmt.Errorf("reset billing event: %w", err)
	}
	if !reset {
		return nil, domain.ErrNotReplayable
	}
	stored.Status = domain.StatusReceived
	stored.Reason = ""
	stored.ProcessedAt = nil

	s.log.Info("replaying billing event",
		zap.String("provider", stored.Provider),
		zap.String("external_id", stored.ExternalID),
	)
	return s.dispatch(ctx, stored)
}

func (s *Service) History(ctx context.Context, tenantID snowflake.ID, limit int) ([]*domain.BillingHistory, error) {
	if tenantID == 0 {
		return nil, creditdomain.ErrInvalidTenant
	}
	items, err := s.repo.ListHistory(ctx, s.db, tenantID, pagination.NormalizePageSize(limit))
	if err != nil {
		return nil, fmt.Errorf("list billing history: %w", err)
	}
	return items, nil
}

// truncate caps reason at maxReasonLength bytes without splitting a rune.
func truncate(reason string) string {
	if len(reason) <= maxReasonLength {
		return reason
	}
	cut := maxReasonLength
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}
