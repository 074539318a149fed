package models

import "time"

// Audit event types published after each gateway interaction.
const (
	EventPaymentInitiated   = "payment_initiated"
	EventSavedCardCharged   = "saved_card_charged"
	EventSavedCardDeclined  = "saved_card_declined"
	EventCardDeleted        = "card_deleted"
	EventCardUpdated        = "card_updated"
	EventPaymentStatusFinal = "payment_status_resolved"
)

type PaymentEvent struct {
	Type          string      `json:"type"`
	InvoiceID     string      `json:"invoice_id"`
	PaymentType   PaymentType `json:"payment_type,omitempty"`
	CustomerID    string      `json:"customer_id,omitempty"`
	TransactionID string      `json:"transaction_id,omitempty"`
	Status        string      `json:"status,omitempty"`
	Amount        string      `json:"amount,omitempty"`
	Currency      string      `json:"currency,omitempty"`
	Message       string      `json:"message,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}

// Key groups events for partitioning and SNS filtering.
func (e PaymentEvent) Key() string {
	if e.InvoiceID != "" {
		return e.InvoiceID
	}
	return e.CustomerID
}

// WebhookPayload is the gateway's server notification body.
type WebhookPayload struct {
	MerchantKey          string `json:"merchantKey" form:"merchantKey"`
	PayableOrderID       string `json:"payableOrderId" form:"payableOrderId"`
	PayableTransactionID string `json:"payableTransactionId" form:"payableTransactionId"`
	PayableAmount        string `json:"payableAmount" form:"payableAmount"`
	PayableCurrency      string `json:"payableCurrency" form:"payableCurrency"`
	InvoiceNo            string `json:"invoiceNo" form:"invoiceNo"`
	StatusCode           string `json:"statusCode" form:"statusCode"`
	StatusMessage        string `json:"statusMessage,omitempty" form:"statusMessage"`
	PaymentMethod        string `json:"paymentMethod,omitempty" form:"paymentMethod"`
	CheckValue           string `json:"checkValue" form:"checkValue"`
}
