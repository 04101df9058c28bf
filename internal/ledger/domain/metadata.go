package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// MetadataKind discriminates the variants a ledger row can carry.
type MetadataKind string

const (
	MetadataKindNone         MetadataKind = ""
	MetadataKindChatUsage    MetadataKind = "chat_usage"
	MetadataKindEngineUsage  MetadataKind = "engine_usage"
	MetadataKindPurchaseInfo MetadataKind = "purchase"
	MetadataKindGrant        MetadataKind = "grant"
)

// ChatUsage describes credits spent on a chat or streaming completion.
type ChatUsage struct {
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Tokens    int64  `json:"tokens,omitempty"`
}

// EngineUsage describes credits spent on game-engine tool actions.
type EngineUsage struct {
	EngineType  string  `json:"engine_type"`
	ActionCount int64   `json:"action_count,omitempty"`
	Surcharge   float64 `json:"surcharge,omitempty"`
}

// PurchaseInfo links a credit grant to the payment that funded it.
type PurchaseInfo struct {
	EventID         string `json:"event_id,omitempty"`
	PaymentIntent   string `json:"payment_intent,omitempty"`
	CheckoutSession string `json:"checkout_session,omitempty"`
	Invoice         string `json:"invoice,omitempty"`
	Plan            string `json:"plan,omitempty"`
	Currency        string `json:"currency,omitempty"`
	AmountPaid      int64  `json:"amount_paid,omitempty"`
}

// Metadata is a tagged union over the known variants. At most one of Chat,
// Engine and Purchase is set, and Kind names it. Keys no variant claims are
// kept in Extra. It encodes as one flat JSON object with a "kind" key, so
// fields like engine_type stay addressable from SQL.
type Metadata struct {
	Kind     MetadataKind
	Chat     *ChatUsage
	Engine   *EngineUsage
	Purchase *PurchaseInfo
	Extra    map[string]any
}

func ChatMetadata(m ChatUsage) Metadata {
	return Metadata{Kind: MetadataKindChatUsage, Chat: &m}
}

func EngineMetadata(m EngineUsage) Metadata {
	return Metadata{Kind: MetadataKindEngineUsage, Engine: &m}
}

func PurchaseMetadata(m PurchaseInfo) Metadata {
	return Metadata{Kind: MetadataKindPurchaseInfo, Purchase: &m}
}

// IsZero reports whether there is nothing to store.
func (m Metadata) IsZero() bool {
	return m.Kind == MetadataKindNone && m.Chat == nil && m.Engine == nil && m.Purchase == nil && len(m.Extra) == 0
}

// EngineType returns the engine a debit was charged for, or "".
func (m Metadata) EngineType() string {
	if m.Engine != nil {
		return m.Engine.EngineType
	}
	if v, ok := m.Extra["engine_type"].(string); ok {
		return v
	}
	return ""
}

// Validate checks that Kind agrees with the populated variant.
func (m Metadata) Validate() error {
	set := 0
	for _, present := range []bool{m.Chat != nil, m.Engine != nil, m.Purchase != nil} {
		if present {
			set++
		}
	}
	if set > 1 {
		return fmt.Errorf("%w: more than one variant set", ErrInvalidMetadata)
	}
	switch m.Kind {
	case MetadataKindChatUsage:
		if m.Chat == nil {
			return fmt.Errorf("%w: kind %s without chat usage", ErrInvalidMetadata, m.Kind)
		}
	case MetadataKindEngineUsage:
		if m.Engine == nil {
			return fmt.Errorf("%w: kind %s without engine usage", ErrInvalidMetadata, m.Kind)
		}
	case MetadataKindPurchaseInfo:
		if m.Purchase == nil {
			return fmt.Errorf("%w: kind %s without purchase info", ErrInvalidMetadata, m.Kind)
		}
	case MetadataKindNone, MetadataKindGrant:
		if set != 0 {
			return fmt.Errorf("%w: variant set without kind", ErrInvalidMetadata)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMetadata, m.Kind)
	}
	return nil
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+4)
	for k, v := range m.Extra {
		out[k] = v
	}

	var variant any
	switch {
	case m.Chat != nil:
		variant = m.Chat
	case m.Engine != nil:
		variant = m.Engine
	case m.Purchase != nil:
		variant = m.Purchase
	}
	if variant != nil {
		fields, err := toMap(variant)
		if err != nil {
			return nil, err
		}
		for k, v := range fields {
			out[k] = v
		}
	}
	if m.Kind != MetadataKindNone {
		out["kind"] = string(m.Kind)
	}
	return json.Marshal(out)
}

func (m *Metadata) UnmarshalJSON(data []byte) error {
	*m = Metadata{}
	if len(data) == 0 || string(data) == "null" {
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}

	if kindRaw, ok := raw["kind"]; ok {
		var kind string
		if err := json.Unmarshal(kindRaw, &kind); err != nil {
			return fmt.Errorf("%w: kind: %v", ErrInvalidMetadata, err)
		}
		m.Kind = MetadataKind(kind)
		delete(raw, "kind")
	} else {
		m.Kind = inferKind(raw)
	}

	var claimed []string
	switch m.Kind {
	case MetadataKindChatUsage:
		m.Chat = &ChatUsage{}
		if err := json.Unmarshal(data, m.Chat); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
		}
		claimed = chatKeys
	case MetadataKindEngineUsage:
		m.Engine = &EngineUsage{}
		if err := json.Unmarshal(data, m.Engine); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
		}
		claimed = engineKeys
	case MetadataKindPurchaseInfo:
		m.Purchase = &PurchaseInfo{}
		if err := json.Unmarshal(data, m.Purchase); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
		}
		claimed = purchaseKeys
	}
	for _, k := range claimed {
		delete(raw, k)
	}

	if len(raw) > 0 {
		m.Extra = make(map[string]any, len(raw))
		for k, v := range raw {
			var value any
			if err := json.Unmarshal(v, &value); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalidMetadata, k, err)
			}
			m.Extra[k] = value
		}
	}
	return nil
}

// Value stores metadata as JSON text, or NULL when empty.
func (m Metadata) Value() (driver.Value, error) {
	if m.IsZero() {
		return nil, nil
	}
	b, err := m.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *Metadata) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case []byte:
		return m.UnmarshalJSON(v)
	case string:
		return m.UnmarshalJSON([]byte(v))
	default:
		return fmt.Errorf("%w: unsupported scan type %T", ErrInvalidMetadata, src)
	}
}

// inferKind classifies untagged objects, such as metadata posted by API callers.
func inferKind(raw map[string]json.RawMessage) MetadataKind {
	has := func(keys ...string) bool {
		for _, k := range keys {
			if _, ok := raw[k]; ok {
				return true
			}
		}
		return false
	}
	switch {
	case has("engine_type"):
		return MetadataKindEngineUsage
	case has("model", "tokens", "session_id"):
		return MetadataKindChatUsage
	case has("payment_intent", "checkout_session"):
		return MetadataKindPurchaseInfo
	default:
		return MetadataKindNone
	}
}

func toMap(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Keys owned by each variant; everything else lands in Extra.
var (
	chatKeys     = []string{"provider", "model", "session_id", "tokens"}
	engineKeys   = []string{"engine_type", "action_count", "surcharge"}
	purchaseKeys = []string{"event_id", "payment_intent", "checkout_session", "invoice", "plan", "currency", "amount_paid"}
)
