package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	tenantdomain "github.com/smallbiznis/creditledger/internal/tenant/domain"
	"github.com/smallbiznis/creditledger/internal/webhook/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const renewalBillingReason = "subscription_cycle"

func (s *Service) applyPurchase(ctx context.Context, tx *gorm.DB, stored *domain.BillingEvent) (result, error) {
	session, err := decode[checkoutSession](stored.Payload)
	if err != nil {
		return result{}, err
	}

	tenantID, ok := session.Metadata.id("company_id")
	if !ok {
		return skipped("missing_company_id", nil), nil
	}
	credits, ok := session.Metadata.positiveInt("credits")
	if !ok {
		return skipped("invalid_credits", &tenantID), nil
	}
	tenant, err := s.tenantRepo.FindByID(ctx, tx, tenantID)
	if err != nil {
		return result{}, fmt.Errorf("load tenant: %w", err)
	}
	if tenant == nil {
		return skipped("tenant_not_found", &tenantID), nil
	}

	currency := strings.ToUpper(session.Currency)
	if _, err := s.credits.AddCreditsTx(ctx, tx, tenant.ID, credits, "Credit purchase", ledgerdomain.PurchaseMetadata(ledgerdomain.PurchaseInfo{
		EventID:         stored.ExternalID,
		PaymentIntent:   session.PaymentIntent,
		CheckoutSession: session.ID,
		Currency:        currency,
		AmountPaid:      session.AmountTotal,
	})); err != nil {
		return result{}, fmt.Errorf("add purchased credits: %w", err)
	}

	if err := s.writeHistory(ctx, tx, stored, &domain.BillingHistory{
		TenantID:     tenant.ID,
		Type:         domain.HistoryCreditPurchase,
		CreditsAdded: credits,
		Amount:       session.AmountTotal,
		Currency:     currency,
		Plan:         tenant.Plan,
	}, map[string]any{
		"checkout_session": session.ID,
		"payment_intent":   session.PaymentIntent,
	}); err != nil {
		return result{}, err
	}
	return applied(tenant.ID), nil
}

func (s *Service) applySubscriptionUpdated(ctx context.Context, tx *gorm.DB, stored *domain.BillingEvent) (result, error) {
	sub, err := decode[subscription](stored.Payload)
	if err != nil {
		return result{}, err
	}
	if sub.ended() {
		return s.cancelSubscription(ctx, tx, stored, sub)
	}

	tenant, err := s.resolveTenant(ctx, tx, sub.Metadata, sub.Customer)
	if err != nil {
		return result{}, err
	}
	if tenant == nil {
		return skipped("tenant_not_found", nil), nil
	}
	target, ok := s.catalog.ByPriceID(sub.priceID())
	if !ok {
		return skipped("unknown_price", &tenant.ID), nil
	}

	change := tenantdomain.PlanChange{
		Plan:               target.Slug,
		MonthlyCreditLimit: target.MonthlyCredits,
		SubscriptionID:     optional(sub.ID),
		CustomerID:         optional(sub.Customer),
		RenewsAt:           sub.periodEnd(),
		UpdatedAt:          s.clock.Now(),
	}
	if err := s.applyPlan(ctx, tx, tenant.ID, change); err != nil {
		return result{}, err
	}

	if err := s.writeHistory(ctx, tx, stored, &domain.BillingHistory{
		TenantID: tenant.ID,
		Type:     domain.HistorySubscriptionUpdated,
		Amount:   target.Price,
		Currency: target.Currency,
		Plan:     target.Slug,
	}, map[string]any{
		"subscription_id": sub.ID,
		"previous_plan":   tenant.Plan,
		"status":          sub.Status,
	}); err != nil {
		return result{}, err
	}
	return applied(tenant.ID), nil
}

func (s *Service) applySubscriptionCancelled(ctx context.Context, tx *gorm.DB, stored *domain.BillingEvent) (result, error) {
	sub, err := decode[subscription](stored.Payload)
	if err != nil {
		return result{}, err
	}
	return s.cancelSubscription(ctx, tx, stored, sub)
}

// cancelSubscription moves the tenant to the default plan. Credits already
// granted stay on the balance.
func (s *Service) cancelSubscription(ctx context.Context, tx *gorm.DB, stored *domain.BillingEvent, sub subscription) (result, error) {
	tenant, err := s.resolveTenant(ctx, tx, sub.Metadata, sub.Customer)
	if err != nil {
		return result{}, err
	}
	if tenant == nil {
		return skipped("tenant_not_found", nil), nil
	}
	fallback := s.catalog.Default()
	if fallback.Slug == "" {
		return skipped("no_default_plan", &tenant.ID), nil
	}

	change := tenantdomain.PlanChange{
		Plan:               fallback.Slug,
		MonthlyCreditLimit: fallback.MonthlyCredits,
		UpdatedAt:          s.clock.Now(),
	}
	if err := s.applyPlan(ctx, tx, tenant.ID, change); err != nil {
		return result{}, err
	}

	if err := s.writeHistory(ctx, tx, stored, &domain.BillingHistory{
		TenantID: tenant.ID,
		Type:     domain.HistorySubscriptionCancelled,
		Plan:     fallback.Slug,
		Reason:   "downgraded from " + tenant.Plan,
	}, map[string]any{
		"subscription_id": sub.ID,
		"previous_plan":   tenant.Plan,
		"status":          sub.Status,
	}); err != nil {
		return result{}, err
	}
	return applied(tenant.ID), nil
}

func (s *Service) applyPaymentFailed(ctx context.Context, tx *gorm.DB, stored *domain.BillingEvent) (result, error) {
	inv, err := decode[invoice](stored.Payload)
	if err != nil {
		return result{}, err
	}
	tenant, err := s.resolveTenant(ctx, tx, inv.metadata(), inv.Customer)
	if err != nil {
		return result{}, err
	}
	if tenant == nil {
		return skipped("tenant_not_found", nil), nil
	}

	if err := s.writeHistory(ctx, tx, stored, &domain.BillingHistory{
		TenantID: tenant.ID,
		Type:     domain.HistoryPaymentFailed,
		Amount:   inv.AmountDue,
		Currency: strings.ToUpper(inv.Currency),
		Plan:     tenant.Plan,
		Reason:   inv.failureReason(),
	}, map[string]any{
		"invoice_id":      inv.ID,
		"subscription_id": inv.Subscription,
	}); err != nil {
		return result{}, err
	}
	return applied(tenant.ID), nil
}

// applyInvoicePaid grants the monthly allotment when a subscription renews.
func (s *Service) applyInvoicePaid(ctx context.Context, tx *gorm.DB, stored *domain.BillingEvent) (result, error) {
	inv, err := decode[invoice](stored.Payload)
	if err != nil {
		return result{}, err
	}
	if inv.BillingReason != renewalBillingReason {
		return skipped("not_subscription_cycle", nil), nil
	}
	tenant, err := s.resolveTenant(ctx, tx, inv.metadata(), inv.Customer)
	if err != nil {
		return result{}, err
	}
	if tenant == nil {
		return skipped("tenant_not_found", nil), nil
	}

	current, ok := s.catalog.BySlug(tenant.Plan)
	if !ok {
		current, ok = s.catalog.ByPriceID(inv.priceID())
	}
	if !ok || current.MonthlyCredits <= 0 {
		return skipped("unknown_plan", &tenant.ID), nil
	}

	currency := strings.ToUpper(inv.Currency)
	if _, err := s.credits.AddCreditsTx(ctx, tx, tenant.ID, current.MonthlyCredits, "Monthly credit renewal: "+current.Slug, ledgerdomain.PurchaseMetadata(ledgerdomain.PurchaseInfo{
		EventID:    stored.ExternalID,
		Invoice:    inv.ID,
		Plan:       current.Slug,
		Currency:   currency,
		AmountPaid: inv.AmountPaid,
	})); err != nil {
		return result{}, fmt.Errorf("grant renewal credits: %w", err)
	}

	if err := s.writeHistory(ctx, tx, stored, &domain.BillingHistory{
		TenantID:     tenant.ID,
		Type:         domain.HistoryPlanRenewal,
		CreditsAdded: current.MonthlyCredits,
		Amount:       inv.AmountPaid,
		Currency:     currency,
		Plan:         current.Slug,
	}, map[string]any{
		"invoice_id":      inv.ID,
		"subscription_id": inv.Subscription,
	}); err != nil {
		return result{}, err
	}
	return applied(tenant.ID), nil
}

// resolveTenant prefers metadata.company_id and falls back to the provider
// customer id.
func (s *Service) resolveTenant(ctx context.Context, tx *gorm.DB, meta metadata, customerID string) (*tenantdomain.Tenant, error) {
	if id, ok := meta.id("company_id"); ok {
		tenant, err := s.tenantRepo.FindByID(ctx, tx, id)
		if err != nil {
			return nil, fmt.Errorf("load tenant: %w", err)
		}
		if tenant != nil {
			return tenant, nil
		}
	}
	tenant, err := s.tenantRepo.FindByProviderCustomerID(ctx, tx, customerID)
	if err != nil {
		return nil, fmt.Errorf("load tenant by customer: %w", err)
	}
	return tenant, nil
}

func (s *Service) applyPlan(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, change tenantdomain.PlanChange) error {
	updated, err := s.tenantRepo.ApplyPlan(ctx, tx, tenantID, change)
	if err != nil {
		return fmt.Errorf("apply plan: %w", err)
	}
	if !updated {
		return fmt.Errorf("apply plan: tenant %s not updated", tenantID)
	}
	return nil
}

func (s *Service) writeHistory(ctx context.Context, tx *gorm.DB, stored *domain.BillingEvent, item *domain.BillingHistory, meta map[string]any) error {
	item.ID = s.genID.Generate()
	item.BillingEventID = stored.ID
	item.CreatedAt = s.clock.Now()
	if len(meta) > 0 {
		raw, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("encode history metadata: %w", err)
		}
		item.Metadata = datatypes.JSON(raw)
	}
	if err := s.repo.InsertHistory(ctx, tx, item); err != nil {
		return fmt.Errorf("insert billing history: %w", err)
	}
	return nil
}

func optional(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}
