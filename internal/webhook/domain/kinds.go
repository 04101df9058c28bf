package domain

import "strings"

// Kind is the closed set of provider events the processor understands.
type Kind string

const (
	KindPurchaseCompleted     Kind = "purchase_completed"
	KindSubscriptionUpdated   Kind = "subscription_updated"
	KindSubscriptionCancelled Kind = "subscription_cancelled"
	KindPaymentFailed         Kind = "payment_failed"
	KindInvoicePaid           Kind = "invoice_paid"
	KindUnknown               Kind = "unknown"
)

// ParseKind maps a raw provider event type to its Kind.
func ParseKind(raw string) Kind {
	switch strings.TrimSpace(raw) {
	case "checkout.session.completed":
		return KindPurchaseCompleted
	case "customer.subscription.created", "customer.subscription.updated":
		return KindSubscriptionUpdated
	case "customer.subscription.deleted":
		return KindSubscriptionCancelled
	case "invoice.payment_failed":
		return KindPaymentFailed
	case "invoice.paid":
		return KindInvoicePaid
	default:
		return KindUnknown
	}
}
