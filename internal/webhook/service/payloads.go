package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// metadata holds provider metadata values, which arrive as strings but are
// accepted as numbers too.
type metadata map[string]any

func (m metadata) str(key string) string {
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func (m metadata) id(key string) (snowflake.ID, bool) {
	raw := m.str(key)
	if raw == "" {
		return 0, false
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func (m metadata) positiveInt(key string) (int64, bool) {
	raw := m.str(key)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// merge returns m with keys from other filled in where m has none.
func (m metadata) merge(other metadata) metadata {
	out := make(metadata, len(m)+len(other))
	for k, v := range other {
		out[k] = v
	}
	for k, v := range m {
		out[k] = v
	}
	return out
}

type checkoutSession struct {
	ID            string   `json:"id"`
	Customer      string   `json:"customer"`
	PaymentIntent string   `json:"payment_intent"`
	AmountTotal   int64    `json:"amount_total"`
	Currency      string   `json:"currency"`
	Metadata      metadata `json:"metadata"`
}

type price struct {
	ID string `json:"id"`
}

type subscriptionItem struct {
	Price            price `json:"price"`
	CurrentPeriodEnd int64 `json:"current_period_end"`
}

type subscriptionItems struct {
	Data []subscriptionItem `json:"data"`
}

type subscription struct {
	ID               string            `json:"id"`
	Customer         string            `json:"customer"`
	Status           string            `json:"status"`
	CurrentPeriodEnd int64             `json:"current_period_end"`
	Metadata         metadata          `json:"metadata"`
	Items            subscriptionItems `json:"items"`
}

func (s subscription) priceID() string {
	if len(s.Items.Data) == 0 {
		return ""
	}
	return strings.TrimSpace(s.Items.Data[0].Price.ID)
}

// periodEnd reads current_period_end from the subscription, or from its first
// item on API versions that moved it there.
func (s subscription) periodEnd() *time.Time {
	end := s.CurrentPeriodEnd
	if end == 0 && len(s.Items.Data) > 0 {
		end = s.Items.Data[0].CurrentPeriodEnd
	}
	if end <= 0 {
		return nil
	}
	t := time.Unix(end, 0).UTC()
	return &t
}

// ended reports statuses after which the subscription no longer grants a plan.
func (s subscription) ended() bool {
	switch s.Status {
	case "canceled", "unpaid", "incomplete_expired":
		return true
	default:
		return false
	}
}

type invoiceLine struct {
	Price price `json:"price"`
}

type subscriptionDetails struct {
	Metadata metadata `json:"metadata"`
}

type finalizationError struct {
	Message string `json:"message"`
}

type invoiceLines struct {
	Data []invoiceLine `json:"data"`
}

type invoice struct {
	ID                    string              `json:"id"`
	Customer              string              `json:"customer"`
	Subscription          string              `json:"subscription"`
	BillingReason         string              `json:"billing_reason"`
	AmountDue             int64               `json:"amount_due"`
	AmountPaid            int64               `json:"amount_paid"`
	Currency              string              `json:"currency"`
	Metadata              metadata            `json:"metadata"`
	SubscriptionDetails   subscriptionDetails `json:"subscription_details"`
	LastFinalizationError *finalizationError  `json:"last_finalization_error"`
	Lines                 invoiceLines        `json:"lines"`
}

func (i invoice) metadata() metadata {
	return i.Metadata.merge(i.SubscriptionDetails.Metadata)
}

func (i invoice) priceID() string {
	if len(i.Lines.Data) == 0 {
		return ""
	}
	return strings.TrimSpace(i.Lines.Data[0].Price.ID)
}

func (i invoice) failureReason() string {
	if i.LastFinalizationError != nil && strings.TrimSpace(i.LastFinalizationError.Message) != "" {
		return strings.TrimSpace(i.LastFinalizationError.Message)
	}
	return i.BillingReason
}

func decode[T any](data []byte) (T, error) {
	var out T
	if len(data) == 0 {
		return out, fmt.Errorf("decode payload: empty object")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return out, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}
