// Package checkvalue computes the SHA-512 check values the PAYable gateway uses to authenticate
// requests and webhook notifications.
//
// Every digest is the uppercase hex SHA-512 of a "|"-joined field list whose last field is the
// hash of the merchant token. The token itself is never part of the outer input.
package checkvalue

import (
	"crypto/sha512"
	"encoding/hex"
	"strings"

	apperrors "github.com/yashrajoria/salon-payments/services/common/errors"
)

// CurrencyLKR is the only currency this deployment signs for.
const CurrencyLKR = "LKR"

// Hash returns the uppercase hex SHA-512 of s.
func Hash(s string) string {
	sum := sha512.Sum512([]byte(s))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// Signer is immutable and safe for concurrent use.
type Signer struct {
	merchantKey string
	tokenHash   string
}

// New fails with a configuration error when either credential is empty.
func New(merchantKey, merchantToken string) (*Signer, error) {
	var missing []string
	if merchantKey == "" {
		missing = append(missing, "merchantKey")
	}
	if merchantToken == "" {
		missing = append(missing, "merchantToken")
	}
	if len(missing) > 0 {
		return nil, apperrors.Configuration(missing...)
	}
	return &Signer{merchantKey: merchantKey, tokenHash: Hash(merchantToken)}, nil
}

func (s *Signer) MerchantKey() string { return s.merchantKey }

func (s *Signer) sign(fields ...string) string {
	parts := make([]string, 0, len(fields)+2)
	parts = append(parts, s.merchantKey)
	parts = append(parts, fields...)
	parts = append(parts, s.tokenHash)
	return Hash(strings.Join(parts, "|"))
}

// Payment signs a one-time or recurring payment. amount must be the exact string sent to the gateway.
func (s *Signer) Payment(invoiceID, amount, currency string) string {
	return s.sign(invoiceID, amount, currency)
}

// Tokenize signs a payment that also stores the card under customerRefNo.
func (s *Signer) Tokenize(invoiceID, amount, currency, customerRefNo string) string {
	return s.sign(invoiceID, amount, currency, customerRefNo)
}

func (s *Signer) SavedCardPayment(invoiceID, amount, currency, customerID, tokenID string) string {
	return s.sign(invoiceID, amount, currency, customerID, tokenID)
}

func (s *Signer) ListCards(customerID string) string {
	return s.sign(customerID)
}

func (s *Signer) DeleteCard(customerID, tokenID string) string {
	return s.sign(customerID, tokenID)
}

// EditCard uses the same field list as DeleteCard; nickname and default flag are not signed.
func (s *Signer) EditCard(customerID, tokenID string) string {
	return s.sign(customerID, tokenID)
}

// WebhookFields are the gateway-declared fields covered by a notification's check value.
type WebhookFields struct {
	PayableOrderID       string
	PayableTransactionID string
	PayableAmount        string
	PayableCurrency      string
	InvoiceNo            string
	StatusCode           string
}

func (s *Signer) Webhook(f WebhookFields) string {
	return s.sign(f.PayableOrderID, f.PayableTransactionID, f.PayableAmount, f.PayableCurrency, f.InvoiceNo, f.StatusCode)
}
