package models

import (
	"encoding/json"
	"time"
)

type PaymentType string

const (
	PaymentTypeOneTime   PaymentType = "ONE_TIME"
	PaymentTypeRecurring PaymentType = "RECURRING"
	PaymentTypeTokenize  PaymentType = "TOKENIZE"
)

type PaymentStatus string

const (
	StatusPending PaymentStatus = "PENDING"
	StatusSuccess PaymentStatus = "SUCCESS"
	StatusFailed  PaymentStatus = "FAILED"
)

// Address is a billing or shipping address.
type Address struct {
	Street     string `json:"street"`
	City       string `json:"city"`
	Country    string `json:"country"`
	PostalCode string `json:"postal_code,omitempty"`
	Company    string `json:"company,omitempty"`
}

type Recurrence struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	// Interval is MONTHLY, QUARTERLY or ANNUALLY.
	Interval   string `json:"interval"`
	Cycles     int    `json:"cycles"`
	IsRetry    bool   `json:"is_retry,omitempty"`
	RetryAfter int    `json:"retry_attempts,omitempty"`
}

// PaymentRequest is what the booking UI submits for a checkout. Amount is a decimal string with
// exactly two fraction digits and is signed exactly as given.
type PaymentRequest struct {
	PaymentType PaymentType `json:"payment_type"`
	Amount      string      `json:"amount"`
	InvoiceID   string      `json:"invoice_id,omitempty"`
	Description string      `json:"description,omitempty"`

	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Mobile    string `json:"mobile"`

	Billing  Address  `json:"billing"`
	Shipping *Address `json:"shipping,omitempty"`

	Custom1 string `json:"custom1,omitempty"`
	Custom2 string `json:"custom2,omitempty"`

	CustomerRefNo  string `json:"customer_ref_no,omitempty"`
	IsSaveCard     bool   `json:"is_save_card,omitempty"`
	DoFirstPayment bool   `json:"do_first_payment,omitempty"`

	Recurrence *Recurrence `json:"recurrence,omitempty"`

	// Origin overrides the configured public origin for return and cancel URLs.
	Origin string `json:"origin,omitempty"`
}

// Checkout is the signed payload the UI posts to the gateway checkout page.
type Checkout struct {
	CheckoutURL   string            `json:"checkout_url"`
	Fields        map[string]string `json:"fields"`
	InvoiceID     string            `json:"invoice_id"`
	CustomerRefNo string            `json:"customer_ref_no,omitempty"`
}

type SavedCard struct {
	TokenID      string `json:"tokenId"`
	MaskedCardNo string `json:"maskedCardNo"`
	Expiry       string `json:"exp"`
	Nickname     string `json:"nickname,omitempty"`
	IsDefault    bool   `json:"defaultCard"`
	Status       string `json:"tokenStatus"`
	CardType     string `json:"cardType"`
}

type SavedCardPaymentRequest struct {
	CustomerID  string `json:"customer_id"`
	TokenID     string `json:"token_id"`
	Amount      string `json:"amount"`
	InvoiceID   string `json:"invoice_id,omitempty"`
	Description string `json:"description,omitempty"`
	Custom1     string `json:"custom1,omitempty"`
	Custom2     string `json:"custom2,omitempty"`
	Origin      string `json:"origin,omitempty"`
}

// SavedCardPayment tells the UI where to navigate after a saved-card charge.
type SavedCardPayment struct {
	TransactionID string `json:"transaction_id"`
	InvoiceID     string `json:"invoice_id"`
	RedirectURL   string `json:"redirect_url,omitempty"`
	NavigateTo    string `json:"navigate_to"`
}

type EditCardRequest struct {
	CustomerID string `json:"customer_id"`
	TokenID    string `json:"token_id"`
	Nickname   string `json:"nickname,omitempty"`
	IsDefault  *bool  `json:"is_default,omitempty"`
}

type AccessToken struct {
	Value     string
	ExpiresAt time.Time
}

func (t AccessToken) ValidAt(now time.Time) bool {
	return t.Value != "" && now.Before(t.ExpiresAt)
}

// PaymentStatusEvent is delivered once per invoice and consumed once.
type PaymentStatusEvent struct {
	Type      string          `json:"type"`
	InvoiceID string          `json:"invoiceId"`
	Status    PaymentStatus   `json:"status"`
	Timestamp string          `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"data,omitempty"`
}

// TokenSavedEvent is broadcast to every token listener.
type TokenSavedEvent struct {
	TokenID   string          `json:"tokenId"`
	Timestamp string          `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"data,omitempty"`
}
