package checkout

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Settlement statuses the provider reports.
const (
	StatusPaid   = "paid"
	StatusFailed = "failed"
)

// ErrMalformedPayload reports a webhook body missing required fields.
var ErrMalformedPayload = errors.New("checkout: malformed webhook payload")

// WebhookPayload is the parsed settlement notification. The provider posts
// form-encoded fields, not JSON.
type WebhookPayload struct {
	SessionID string
	Status    string
	Amount    string
	Currency  string
	Signature string
	Metadata  map[string]string
}

// ParseWebhookForm extracts the settlement payload from form values.
func ParseWebhookForm(form url.Values) (WebhookPayload, error) {
	payload := WebhookPayload{
		SessionID: form.Get("session_id"),
		Status:    form.Get("status"),
		Amount:    form.Get("amount"),
		Currency:  form.Get("currency"),
		Signature: form.Get("signature"),
	}
	if payload.SessionID == "" {
		return WebhookPayload{}, fmt.Errorf("%w: session_id is required", ErrMalformedPayload)
	}
	if payload.Status == "" {
		return WebhookPayload{}, fmt.Errorf("%w: status is required", ErrMalformedPayload)
	}
	if payload.Amount == "" {
		return WebhookPayload{}, fmt.Errorf("%w: amount is required", ErrMalformedPayload)
	}
	if payload.Signature == "" {
		return WebhookPayload{}, fmt.Errorf("%w: signature is required", ErrMalformedPayload)
	}

	// Metadata key casing is part of the signature base, so it is preserved.
	metadata := make(map[string]string)
	for key, values := range form {
		if !strings.HasPrefix(key, metadataParamPrefix) || len(values) == 0 {
			continue
		}
		metadata[strings.TrimPrefix(key, metadataParamPrefix)] = values[0]
	}
	if len(metadata) > 0 {
		payload.Metadata = metadata
	}
	return payload, nil
}

// Verify checks the payload signature against the shared secret.
func (payload WebhookPayload) Verify(secret string) bool {
	if secret == "" || payload.Signature == "" {
		return false
	}
	base := BuildWebhookSignatureBase(payload.SessionID, payload.Status, payload.Amount, payload.Currency, payload.Metadata)
	return VerifySignature(Sign(base, secret), payload.Signature)
}
