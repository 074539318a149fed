// Package webhook verifies the check value on PAYable server notifications.
package webhook

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	apperrors "github.com/yashrajoria/salon-payments/services/common/errors"
	"github.com/yashrajoria/salon-payments/services/payment-service/checkvalue"
	"github.com/yashrajoria/salon-payments/services/payment-service/models"
)

// StatusSuccess is the gateway statusCode for a settled payment.
const StatusSuccess = "1"

type Validator struct {
	signer *checkvalue.Signer
}

func NewValidator(merchantKey, merchantToken string) (*Validator, error) {
	signer, err := checkvalue.New(merchantKey, merchantToken)
	if err != nil {
		return nil, err
	}
	return &Validator{signer: signer}, nil
}

// Valid reports whether the payload's check value matches the recomputed digest.
func (v *Validator) Valid(p models.WebhookPayload) bool {
	return v.Verify(p) == nil
}

// Verify returns a signature mismatch error when the payload must be dropped.
func (v *Validator) Verify(p models.WebhookPayload) error {
	if p.CheckValue == "" {
		return apperrors.SignatureMismatch("webhook has no check value")
	}
	if p.MerchantKey != "" && p.MerchantKey != v.signer.MerchantKey() {
		return apperrors.SignatureMismatch("webhook is for another merchant")
	}
	want := v.signer.Webhook(Fields(p))
	got := strings.ToUpper(strings.TrimSpace(p.CheckValue))
	if subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
		return apperrors.SignatureMismatch("webhook check value mismatch")
	}
	return nil
}

// VerifyEvent checks a realtime status event whose payload carries the original notification.
// Payloads without a check value are accepted as already validated upstream.
func (v *Validator) VerifyEvent(ev models.PaymentStatusEvent) error {
	if len(ev.Payload) == 0 {
		return nil
	}
	p, err := Parse("application/json", ev.Payload)
	if err != nil || p.CheckValue == "" {
		return nil
	}
	if p.InvoiceNo != "" && p.InvoiceNo != ev.InvoiceID {
		return apperrors.SignatureMismatch("event invoice does not match its notification")
	}
	if err := v.Verify(p); err != nil {
		return err
	}
	if (ev.Status == models.StatusSuccess || ev.Status == models.StatusFailed) && ev.Status != Status(p) {
		return apperrors.SignatureMismatch("event status does not match its notification")
	}
	return nil
}

func Fields(p models.WebhookPayload) checkvalue.WebhookFields {
	return checkvalue.WebhookFields{
		PayableOrderID:       p.PayableOrderID,
		PayableTransactionID: p.PayableTransactionID,
		PayableAmount:        p.PayableAmount,
		PayableCurrency:      p.PayableCurrency,
		InvoiceNo:            p.InvoiceNo,
		StatusCode:           p.StatusCode,
	}
}

// Status maps the gateway statusCode to a payment status.
func Status(p models.WebhookPayload) models.PaymentStatus {
	if p.StatusCode == StatusSuccess {
		return models.StatusSuccess
	}
	return models.StatusFailed
}

// Parse decodes a JSON or form-encoded notification body. Numeric JSON fields are kept in their
// literal form so they sign exactly as sent.
func Parse(contentType string, body []byte) (models.WebhookPayload, error) {
	var p models.WebhookPayload
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "application/x-www-form-urlencoded") {
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return p, apperrors.Protocol("invalid webhook form body", err)
		}
		return fromLookup(func(k string) string { return values.Get(k) }), nil
	}

	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return p, apperrors.Protocol("invalid webhook json body", err)
	}
	var firstErr error
	p = fromLookup(func(k string) string {
		s, err := literal(raw[k])
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("field %s: %w", k, err)
		}
		return s
	})
	if firstErr != nil {
		return p, apperrors.Protocol("invalid webhook field", firstErr)
	}
	return p, nil
}

func fromLookup(get func(string) string) models.WebhookPayload {
	return models.WebhookPayload{
		MerchantKey:          get("merchantKey"),
		PayableOrderID:       get("payableOrderId"),
		PayableTransactionID: get("payableTransactionId"),
		PayableAmount:        get("payableAmount"),
		PayableCurrency:      get("payableCurrency"),
		InvoiceNo:            get("invoiceNo"),
		StatusCode:           get("statusCode"),
		StatusMessage:        get("statusMessage"),
		PaymentMethod:        get("paymentMethod"),
		CheckValue:           get("checkValue"),
	}
}

func literal(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	switch raw[0] {
	case '"':
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	case '{', '[':
		return "", fmt.Errorf("unexpected composite value")
	case 't', 'f':
		b, err := strconv.ParseBool(string(raw))
		return strconv.FormatBool(b), err
	default:
		return string(raw), nil
	}
}
