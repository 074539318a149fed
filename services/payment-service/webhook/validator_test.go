package webhook

import (
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apperrors "github.com/yashrajoria/salon-payments/services/common/errors"
	"github.com/yashrajoria/salon-payments/services/payment-service/models"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator("TESTMERCHANT01", "TESTTOKEN0123456789")
	require.NoError(t, err)
	return v
}

func signedPayload(v *Validator) models.WebhookPayload {
	p := models.WebhookPayload{
		MerchantKey:          "TESTMERCHANT01",
		PayableOrderID:       "PO-1001",
		PayableTransactionID: "TX-9001",
		PayableAmount:        "100.00",
		PayableCurrency:      "LKR",
		InvoiceNo:            "INV12345678ABCDEFG1",
		StatusCode:           "1",
	}
	p.CheckValue = v.signer.Webhook(Fields(p))
	return p
}

func flipLast(s string) string {
	last := "0"
	if strings.HasSuffix(s, "0") {
		last = "1"
	}
	return s[:len(s)-1] + last
}

func TestNewValidatorRequiresToken(t *testing.T) {
	_, err := NewValidator("TESTMERCHANT01", "")
	assert.True(t, errors.Is(err, apperrors.ErrConfiguration))
}

func TestRoundTrip(t *testing.T) {
	v := newTestValidator(t)
	p := signedPayload(v)

	assert.True(t, v.Valid(p))
	assert.NoError(t, v.Verify(p))

	lower := p
	lower.CheckValue = strings.ToLower(p.CheckValue)
	assert.True(t, v.Valid(lower))
	assert.Equal(t, models.StatusSuccess, Status(p))
}

func TestTamperedFieldsFail(t *testing.T) {
	v := newTestValidator(t)
	tamper := map[string]func(*models.WebhookPayload){
		"order":       func(p *models.WebhookPayload) { p.PayableOrderID = "PO-1002" },
		"transaction": func(p *models.WebhookPayload) { p.PayableTransactionID = "TX-9002" },
		"amount":      func(p *models.WebhookPayload) { p.PayableAmount = "1.00" },
		"currency":    func(p *models.WebhookPayload) { p.PayableCurrency = "USD" },
		"invoice":     func(p *models.WebhookPayload) { p.InvoiceNo = "INV2" },
		"status":      func(p *models.WebhookPayload) { p.StatusCode = "0" },
		"merchant":    func(p *models.WebhookPayload) { p.MerchantKey = "OTHER" },
		"check value": func(p *models.WebhookPayload) { p.CheckValue = flipLast(p.CheckValue) },
		"empty":       func(p *models.WebhookPayload) { p.CheckValue = "" },
	}
	for name, mutate := range tamper {
		t.Run(name, func(t *testing.T) {
			p := signedPayload(v)
			mutate(&p)
			err := v.Verify(p)
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperrors.ErrSignatureMismatch))
			assert.False(t, v.Valid(p))
		})
	}
}

func TestParseJSON(t *testing.T) {
	body := `{"merchantKey":"TESTMERCHANT01","payableOrderId":"PO-1","payableTransactionId":"TX-1","payableAmount":"250.00","payableCurrency":"LKR","invoiceNo":"INV1","statusCode":1,"statusMessage":"SUCCESS","checkValue":"ABC"}`
	p, err := Parse("application/json", []byte(body))
	require.NoError(t, err)
	assert.Equal(t, "1", p.StatusCode)
	assert.Equal(t, "250.00", p.PayableAmount)
	assert.Equal(t, "ABC", p.CheckValue)

	_, err = Parse("application/json", []byte(`{"statusCode":{"x":1}}`))
	assert.True(t, errors.Is(err, apperrors.ErrProtocol))

	_, err = Parse("", []byte(`nope`))
	assert.True(t, errors.Is(err, apperrors.ErrProtocol))
}

func TestParseFormAndVerify(t *testing.T) {
	v := newTestValidator(t)
	signed := signedPayload(v)
	form := url.Values{
		"merchantKey":          {signed.MerchantKey},
		"payableOrderId":       {signed.PayableOrderID},
		"payableTransactionId": {signed.PayableTransactionID},
		"payableAmount":        {signed.PayableAmount},
		"payableCurrency":      {signed.PayableCurrency},
		"invoiceNo":            {signed.InvoiceNo},
		"statusCode":           {signed.StatusCode},
		"checkValue":           {signed.CheckValue},
	}

	p, err := Parse("application/x-www-form-urlencoded; charset=utf-8", []byte(form.Encode()))
	require.NoError(t, err)
	assert.NoError(t, v.Verify(p))
}

func TestVerifyEvent(t *testing.T) {
	v := newTestValidator(t)
	signed := signedPayload(v)
	payload := []byte(`{"merchantKey":"TESTMERCHANT01","payableOrderId":"PO-1001","payableTransactionId":"TX-9001","payableAmount":"100.00","payableCurrency":"LKR","invoiceNo":"INV12345678ABCDEFG1","statusCode":1,"checkValue":"` + signed.CheckValue + `"}`)

	ev := models.PaymentStatusEvent{InvoiceID: "INV12345678ABCDEFG1", Payload: payload}
	assert.NoError(t, v.VerifyEvent(ev))

	assert.NoError(t, v.VerifyEvent(models.PaymentStatusEvent{InvoiceID: "INV1"}))
	assert.NoError(t, v.VerifyEvent(models.PaymentStatusEvent{InvoiceID: "INV1", Payload: []byte(`{"status":"SUCCESS"}`)}))

	other := ev
	other.InvoiceID = "INV99999999ZZZZZZZ9"
	assert.True(t, errors.Is(v.VerifyEvent(other), apperrors.ErrSignatureMismatch))

	forged := ev
	forged.Payload = []byte(strings.Replace(string(payload), `"100.00"`, `"1.00"`, 1))
	assert.True(t, errors.Is(v.VerifyEvent(forged), apperrors.ErrSignatureMismatch))

	settled := ev
	settled.Status = models.StatusSuccess
	assert.NoError(t, v.VerifyEvent(settled))

	flipped := ev
	flipped.Status = models.StatusFailed
	assert.True(t, errors.Is(v.VerifyEvent(flipped), apperrors.ErrSignatureMismatch))
}
