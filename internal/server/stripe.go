package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	webhookdomain "github.com/smallbiznis/creditledger/internal/webhook/domain"
)

const (
	stripeSignatureHeader  = "Stripe-Signature"
	defaultStripeTolerance = 5 * time.Minute
)

// StripeVerifier checks the Stripe-Signature header against the endpoint secret.
type StripeVerifier struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

func NewStripeVerifier(secret string, tolerance time.Duration, now func() time.Time) *StripeVerifier {
	if tolerance <= 0 {
		tolerance = defaultStripeTolerance
	}
	if now == nil {
		now = time.Now
	}
	return &StripeVerifier{secret: secret, tolerance: tolerance, now: now}
}

func (v *StripeVerifier) Verify(payload []byte, header string) error {
	if v.secret == "" {
		return fmt.Errorf("%w: webhook secret not configured", ErrInvalidSignature)
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return ErrInvalidSignature
	}

	timestamp, signatures, err := parseStripeSignature(header)
	if err != nil {
		return ErrInvalidSignature
	}
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	age := v.now().Sub(time.Unix(unix, 0))
	if age > v.tolerance || age < -v.tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(v.secret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return ErrInvalidSignature
}

func parseStripeSignature(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}

type stripeEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// parseStripeEvent unwraps the delivery envelope into the event's object.
func parseStripeEvent(payload []byte) (webhookdomain.Event, error) {
	var envelope stripeEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return webhookdomain.Event{}, webhookdomain.ErrInvalidEvent
	}
	return webhookdomain.Event{
		ID:       envelope.ID,
		Type:     envelope.Type,
		Provider: webhookdomain.ProviderStripe,
		Data:     envelope.Data.Object,
	}, nil
}
