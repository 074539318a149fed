package services

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net/mail"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/yashrajoria/salon-payments/services/common/errors"
	"github.com/yashrajoria/salon-payments/services/payment-service/checkvalue"
	"github.com/yashrajoria/salon-payments/services/payment-service/config"
	"github.com/yashrajoria/salon-payments/services/payment-service/gateway"
	"github.com/yashrajoria/salon-payments/services/payment-service/models"
	"go.uber.org/zap"
)

const (
	countryCode        = "LK"
	invoicePrefix      = "INV"
	invoiceIDMaxLen    = 20
	defaultDescription = "Salon booking payment"
	publishTimeout     = 5 * time.Second
)

// Gateway payment type codes for the checkout form.
var gatewayPaymentType = map[models.PaymentType]string{
	models.PaymentTypeOneTime:   "1",
	models.PaymentTypeRecurring: "2",
	models.PaymentTypeTokenize:  "3",
}

var amountPattern = regexp.MustCompile(`^\d+\.\d{2}$`)

// PaymentService is what the HTTP layer depends on.
type PaymentService interface {
	ProcessOneTimePayment(ctx context.Context, req models.PaymentRequest) (*models.Checkout, error)
	ProcessRecurringPayment(ctx context.Context, req models.PaymentRequest) (*models.Checkout, error)
	ProcessTokenizePayment(ctx context.Context, req models.PaymentRequest) (*models.Checkout, error)
	GetSavedCards(ctx context.Context, customerID string) []models.SavedCard
	PayWithSavedCard(ctx context.Context, req models.SavedCardPaymentRequest) (*models.SavedCardPayment, error)
	DeleteSavedCard(ctx context.Context, customerID, tokenID string) (bool, error)
	EditSavedCard(ctx context.Context, req models.EditCardRequest) (bool, error)
	GenerateInvoiceID() string
	ValidateConfig() error
}

// CardGateway is the subset of gateway.Client used for card management.
type CardGateway interface {
	ListCards(ctx context.Context, req gateway.ListCardsRequest) (*gateway.ListCardsResponse, error)
	Pay(ctx context.Context, bearer string, req gateway.PayRequest) (*gateway.PayResponse, error)
	DeleteCard(ctx context.Context, req gateway.DeleteCardRequest) (*gateway.MutationResponse, error)
	EditCard(ctx context.Context, bearer string, req gateway.EditCardRequest) (*gateway.MutationResponse, error)
}

// BearerSource is satisfied by *TokenService.
type BearerSource interface {
	AccessToken(ctx context.Context) (string, error)
	Invalidate(rejected string)
}

// EventPublisher receives audit events. Implementations live in the kafka and events packages.
type EventPublisher interface {
	Publish(ctx context.Context, event models.PaymentEvent) error
}

type PaymentProcessor struct {
	creds          config.Credentials
	signer         *checkvalue.Signer
	checkoutURL    string
	publicOrigin   string
	webhookURL     string
	allowedOrigins map[string]bool

	gateway   CardGateway
	tokens    BearerSource
	publisher EventPublisher
	logger    *zap.Logger
	now       func() time.Time
}

func NewPaymentProcessor(cfg *config.Config, gw CardGateway, tokens BearerSource, publisher EventPublisher, logger *zap.Logger) *PaymentProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &PaymentProcessor{
		creds:          cfg.Credentials,
		checkoutURL:    cfg.CheckoutURL,
		publicOrigin:   strings.TrimRight(cfg.PublicOrigin, "/"),
		webhookURL:     cfg.WebhookURL,
		allowedOrigins: make(map[string]bool),
		gateway:        gw,
		tokens:         tokens,
		publisher:      publisher,
		logger:         logger,
		now:            time.Now,
	}
	for _, o := range strings.Split(cfg.AllowedOrigins, ",") {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			p.allowedOrigins[o] = true
		}
	}
	// A nil signer is reported by ValidateConfig before any signed operation.
	if signer, err := checkvalue.New(cfg.MerchantKey, cfg.MerchantToken); err == nil {
		p.signer = signer
	}
	return p
}

// ValidateConfig names every missing or placeholder credential.
func (p *PaymentProcessor) ValidateConfig() error {
	if err := p.creds.Validate(); err != nil {
		return err
	}
	if p.signer == nil {
		return apperrors.Configuration("merchantKey", "merchantToken")
	}
	return nil
}

// GenerateInvoiceID returns "INV", the last 8 digits of the unix millisecond clock and a random
// uppercase alphanumeric tail, 20 characters in total. Uniqueness is not checked.
func (p *PaymentProcessor) GenerateInvoiceID() string {
	ts := strconv.FormatInt(p.now().UnixMilli(), 10)
	if len(ts) > 8 {
		ts = ts[len(ts)-8:]
	}
	id := invoicePrefix + ts + randomAlphanumeric(invoiceIDMaxLen-len(invoicePrefix)-len(ts))
	if len(id) > invoiceIDMaxLen {
		id = id[:invoiceIDMaxLen]
	}
	return id
}

func (p *PaymentProcessor) ProcessOneTimePayment(ctx context.Context, req models.PaymentRequest) (*models.Checkout, error) {
	req.PaymentType = models.PaymentTypeOneTime
	return p.checkout(ctx, req)
}

func (p *PaymentProcessor) ProcessRecurringPayment(ctx context.Context, req models.PaymentRequest) (*models.Checkout, error) {
	req.PaymentType = models.PaymentTypeRecurring
	if req.Recurrence == nil {
		return nil, apperrors.Validation("recurrence is required for recurring payments")
	}
	if req.Recurrence.StartDate == "" || req.Recurrence.Interval == "" {
		return nil, apperrors.Validation("recurrence start_date and interval are required")
	}
	return p.checkout(ctx, req)
}

// ProcessTokenizePayment stores the card under CustomerRefNo, charging it first when DoFirstPayment is set.
func (p *PaymentProcessor) ProcessTokenizePayment(ctx context.Context, req models.PaymentRequest) (*models.Checkout, error) {
	req.PaymentType = models.PaymentTypeTokenize
	if req.CustomerRefNo == "" {
		req.CustomerRefNo = newCustomerRefNo()
	}
	req.IsSaveCard = true
	return p.checkout(ctx, req)
}

// checkout signs the request and returns the form the UI posts to the gateway. It does not wait
// for settlement.
func (p *PaymentProcessor) checkout(ctx context.Context, req models.PaymentRequest) (*models.Checkout, error) {
	if err := p.ValidateConfig(); err != nil {
		return nil, err
	}
	if err := validatePaymentRequest(req); err != nil {
		return nil, err
	}
	if req.InvoiceID == "" {
		req.InvoiceID = p.GenerateInvoiceID()
	} else if err := validateInvoiceID(req.InvoiceID); err != nil {
		return nil, err
	}

	var check string
	if req.PaymentType == models.PaymentTypeTokenize {
		check = p.signer.Tokenize(req.InvoiceID, req.Amount, checkvalue.CurrencyLKR, req.CustomerRefNo)
	} else {
		check = p.signer.Payment(req.InvoiceID, req.Amount, checkvalue.CurrencyLKR)
	}

	origin := p.origin(req.Origin)
	description := req.Description
	if description == "" {
		description = defaultDescription
	}
	fields := map[string]string{
		"merchantKey":           p.signer.MerchantKey(),
		"invoiceId":             req.InvoiceID,
		"amount":                req.Amount,
		"currencyCode":          checkvalue.CurrencyLKR,
		"paymentType":           gatewayPaymentType[req.PaymentType],
		"checkValue":            check,
		"orderDescription":      description,
		"customerFirstName":     req.FirstName,
		"customerLastName":      req.LastName,
		"customerEmail":         req.Email,
		"customerMobilePhone":   req.Mobile,
		"billingAddressStreet":  req.Billing.Street,
		"billingAddressCity":    req.Billing.City,
		"billingAddressCountry": countryCode,
		"returnUrl":             origin + "/payment/success?invoiceId=" + url.QueryEscape(req.InvoiceID),
		"cancelUrl":             origin + "/payment/cancel?invoiceId=" + url.QueryEscape(req.InvoiceID),
		"notifyUrl":             p.webhookURL,
	}
	setIf(fields, "billingAddressPostcodeZip", req.Billing.PostalCode)
	setIf(fields, "billingCompanyName", req.Billing.Company)
	setIf(fields, "custom1", req.Custom1)
	setIf(fields, "custom2", req.Custom2)
	if s := req.Shipping; s != nil {
		setIf(fields, "shippingAddressStreet", s.Street)
		setIf(fields, "shippingAddressCity", s.City)
		setIf(fields, "shippingAddressCountry", s.Country)
		setIf(fields, "shippingAddressPostcodeZip", s.PostalCode)
		setIf(fields, "shippingCompanyName", s.Company)
	}

	switch req.PaymentType {
	case models.PaymentTypeRecurring:
		r := req.Recurrence
		fields["startDate"] = r.StartDate
		setIf(fields, "endDate", r.EndDate)
		fields["interval"] = strings.ToUpper(r.Interval)
		fields["recurringAmount"] = req.Amount
		fields["doFirstPayment"] = boolFlag(req.DoFirstPayment)
		if r.Cycles > 0 {
			fields["cycles"] = strconv.Itoa(r.Cycles)
		}
		if r.IsRetry {
			fields["isRetry"] = "1"
			fields["retryAttempts"] = strconv.Itoa(r.RetryAfter)
		}
	case models.PaymentTypeTokenize:
		fields["customerRefNo"] = req.CustomerRefNo
		fields["isSaveCard"] = boolFlag(req.IsSaveCard)
		fields["doFirstPayment"] = boolFlag(req.DoFirstPayment)
	}

	p.logger.Info("checkout prepared",
		zap.String("invoice_id", req.InvoiceID),
		zap.String("payment_type", string(req.PaymentType)),
		zap.String("amount", req.Amount),
	)
	p.publish(ctx, models.PaymentEvent{
		Type:        models.EventPaymentInitiated,
		InvoiceID:   req.InvoiceID,
		PaymentType: req.PaymentType,
		CustomerID:  req.CustomerRefNo,
		Status:      string(models.StatusPending),
		Amount:      req.Amount,
		Currency:    checkvalue.CurrencyLKR,
	})

	return &models.Checkout{
		CheckoutURL:   p.checkoutURL,
		Fields:        fields,
		InvoiceID:     req.InvoiceID,
		CustomerRefNo: req.CustomerRefNo,
	}, nil
}

// GetSavedCards never fails; any problem degrades to an empty list.
func (p *PaymentProcessor) GetSavedCards(ctx context.Context, customerID string) []models.SavedCard {
	cards := []models.SavedCard{}
	if err := p.ValidateConfig(); err != nil {
		p.logger.Warn("saved cards unavailable", zap.Error(err))
		return cards
	}
	if customerID == "" {
		return cards
	}

	resp, err := p.gateway.ListCards(ctx, gateway.ListCardsRequest{
		MerchantID: p.signer.MerchantKey(),
		CustomerID: customerID,
		CheckValue: p.signer.ListCards(customerID),
	})
	if err != nil {
		p.logger.Warn("list saved cards failed", zap.String("customer_id", customerID), zap.Error(err))
		return cards
	}
	if !resp.Success {
		p.logger.Warn("list saved cards declined", zap.String("customer_id", customerID), zap.String("message", string(resp.Error)))
		return cards
	}

	for _, c := range resp.Cards {
		cards = append(cards, models.SavedCard{
			TokenID:      c.TokenID,
			MaskedCardNo: c.MaskedCardNo,
			Expiry:       c.Exp,
			Nickname:     c.NickName,
			IsDefault:    c.DefaultCard == 1,
			Status:       c.TokenStatus,
			CardType:     c.CardType,
		})
	}
	return cards
}

func (p *PaymentProcessor) PayWithSavedCard(ctx context.Context, req models.SavedCardPaymentRequest) (*models.SavedCardPayment, error) {
	if err := p.ValidateConfig(); err != nil {
		return nil, err
	}
	if req.CustomerID == "" || req.TokenID == "" {
		return nil, apperrors.Validation("customer_id and token_id are required")
	}
	if err := validateAmount(req.Amount); err != nil {
		return nil, err
	}
	if req.InvoiceID == "" {
		req.InvoiceID = p.GenerateInvoiceID()
	} else if err := validateInvoiceID(req.InvoiceID); err != nil {
		return nil, err
	}
	description := req.Description
	if description == "" {
		description = defaultDescription
	}

	payReq := gateway.PayRequest{
		MerchantID:       p.signer.MerchantKey(),
		InvoiceID:        req.InvoiceID,
		Amount:           req.Amount,
		CurrencyCode:     checkvalue.CurrencyLKR,
		CustomerID:       req.CustomerID,
		TokenID:          req.TokenID,
		OrderDescription: description,
		CheckValue:       p.signer.SavedCardPayment(req.InvoiceID, req.Amount, checkvalue.CurrencyLKR, req.CustomerID, req.TokenID),
		WebhookURL:       p.webhookURL,
		Custom1:          req.Custom1,
		Custom2:          req.Custom2,
	}

	var resp *gateway.PayResponse
	err := p.withBearer(ctx, func(bearer string) error {
		var err error
		resp, err = p.gateway.Pay(ctx, bearer, payReq)
		return err
	})
	if err != nil {
		p.logger.Error("saved card payment failed", zap.String("invoice_id", req.InvoiceID), zap.Error(err))
		return nil, err
	}

	event := models.PaymentEvent{
		InvoiceID:     req.InvoiceID,
		CustomerID:    req.CustomerID,
		TransactionID: resp.PayableTransactionID,
		Amount:        req.Amount,
		Currency:      checkvalue.CurrencyLKR,
	}
	if !resp.Success {
		event.Type = models.EventSavedCardDeclined
		event.Status = string(models.StatusFailed)
		event.Message = string(resp.Error)
		p.publish(ctx, event)
		p.logger.Warn("saved card payment declined", zap.String("invoice_id", req.InvoiceID), zap.String("message", string(resp.Error)))
		return nil, apperrors.GatewayDecline(string(resp.Error))
	}

	event.Type = models.EventSavedCardCharged
	event.Status = string(models.StatusSuccess)
	p.publish(ctx, event)

	out := &models.SavedCardPayment{
		TransactionID: resp.PayableTransactionID,
		InvoiceID:     req.InvoiceID,
		RedirectURL:   resp.RedirectURL,
		NavigateTo:    resp.RedirectURL,
	}
	if out.NavigateTo == "" {
		out.NavigateTo = p.origin(req.Origin) + "/payment/success?transactionId=" + url.QueryEscape(resp.PayableTransactionID)
	}
	return out, nil
}

// DeleteSavedCard returns false without an error when the gateway declines.
func (p *PaymentProcessor) DeleteSavedCard(ctx context.Context, customerID, tokenID string) (bool, error) {
	if err := p.ValidateConfig(); err != nil {
		return false, err
	}
	if customerID == "" || tokenID == "" {
		return false, apperrors.Validation("customer_id and token_id are required")
	}

	resp, err := p.gateway.DeleteCard(ctx, gateway.DeleteCardRequest{
		MerchantID: p.signer.MerchantKey(),
		CustomerID: customerID,
		TokenID:    tokenID,
		CheckValue: p.signer.DeleteCard(customerID, tokenID),
	})
	if err != nil {
		return false, err
	}
	if !resp.Success {
		p.logger.Warn("delete card declined", zap.String("customer_id", customerID), zap.String("message", string(resp.Error)))
		return false, nil
	}

	p.publish(ctx, models.PaymentEvent{Type: models.EventCardDeleted, CustomerID: customerID, Message: tokenID})
	return true, nil
}

// EditSavedCard returns false without an error when the gateway declines.
func (p *PaymentProcessor) EditSavedCard(ctx context.Context, req models.EditCardRequest) (bool, error) {
	if err := p.ValidateConfig(); err != nil {
		return false, err
	}
	if req.CustomerID == "" || req.TokenID == "" {
		return false, apperrors.Validation("customer_id and token_id are required")
	}

	editReq := gateway.EditCardRequest{
		MerchantID: p.signer.MerchantKey(),
		CustomerID: req.CustomerID,
		TokenID:    req.TokenID,
		NickName:   req.Nickname,
		CheckValue: p.signer.EditCard(req.CustomerID, req.TokenID),
	}
	if req.IsDefault != nil {
		flag := 0
		if *req.IsDefault {
			flag = 1
		}
		editReq.IsDefaultCard = &flag
	}

	var resp *gateway.MutationResponse
	err := p.withBearer(ctx, func(bearer string) error {
		var err error
		resp, err = p.gateway.EditCard(ctx, bearer, editReq)
		return err
	})
	if err != nil {
		return false, err
	}
	if !resp.Success {
		p.logger.Warn("edit card declined", zap.String("customer_id", req.CustomerID), zap.String("message", string(resp.Error)))
		return false, nil
	}

	p.publish(ctx, models.PaymentEvent{Type: models.EventCardUpdated, CustomerID: req.CustomerID, Message: req.TokenID})
	return true, nil
}

// withBearer runs call with the cached token and retries once with a fresh one after a 401.
func (p *PaymentProcessor) withBearer(ctx context.Context, call func(bearer string) error) error {
	bearer, err := p.tokens.AccessToken(ctx)
	if err != nil {
		return err
	}
	err = call(bearer)
	if !gateway.IsUnauthorized(err) {
		return err
	}

	p.logger.Info("bearer token rejected, refreshing")
	p.tokens.Invalidate(bearer)
	if bearer, err = p.tokens.AccessToken(ctx); err != nil {
		return err
	}
	return call(bearer)
}

func (p *PaymentProcessor) publish(ctx context.Context, event models.PaymentEvent) {
	if p.publisher == nil {
		return
	}
	event.Timestamp = p.now().UTC()
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := p.publisher.Publish(pctx, event); err != nil {
		p.logger.Error("failed to publish payment event",
			zap.String("event_type", event.Type),
			zap.String("invoice_id", event.InvoiceID),
			zap.Error(err),
		)
	}
}

func (p *PaymentProcessor) origin(requested string) string {
	requested = strings.TrimRight(requested, "/")
	if requested != "" && p.allowedOrigins[requested] {
		return requested
	}
	return p.publicOrigin
}

// ---- validation helpers ----

func validatePaymentRequest(req models.PaymentRequest) error {
	if err := validateAmount(req.Amount); err != nil {
		return err
	}
	var missing []string
	for name, v := range map[string]string{
		"first_name":     req.FirstName,
		"last_name":      req.LastName,
		"email":          req.Email,
		"mobile":         req.Mobile,
		"billing.street": req.Billing.Street,
		"billing.city":   req.Billing.City,
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return apperrors.Validation("missing required fields: %s", strings.Join(missing, ", "))
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return apperrors.Validation("invalid email %q", req.Email)
	}
	return nil
}

func validateAmount(amount string) error {
	if !amountPattern.MatchString(amount) {
		return apperrors.Validation("amount must have exactly two decimals, got %q", amount)
	}
	if strings.Trim(amount, "0.") == "" {
		return apperrors.Validation("amount must be greater than zero")
	}
	return nil
}

func validateInvoiceID(id string) error {
	if len(id) > invoiceIDMaxLen {
		return apperrors.Validation("invoice_id must be at most %d characters", invoiceIDMaxLen)
	}
	for _, r := range id {
		if !isAlphanumeric(r) {
			return apperrors.Validation("invoice_id must be alphanumeric")
		}
	}
	return nil
}

func isAlphanumeric(r rune) bool {
	return (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
}

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomAlphanumeric(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, n)
	limit := big.NewInt(int64(len(alphanumeric)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
		}
		b[i] = alphanumeric[idx.Int64()]
	}
	return string(b)
}

func newCustomerRefNo() string {
	return "CUS" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:17]
}

func setIf(fields map[string]string, key, value string) {
	if value != "" {
		fields[key] = value
	}
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
