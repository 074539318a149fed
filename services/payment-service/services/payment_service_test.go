package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	apperrors "github.com/yashrajoria/salon-payments/services/common/errors"
	"github.com/yashrajoria/salon-payments/services/payment-service/checkvalue"
	"github.com/yashrajoria/salon-payments/services/payment-service/config"
	"github.com/yashrajoria/salon-payments/services/payment-service/gateway"
	"github.com/yashrajoria/salon-payments/services/payment-service/models"
)

// ---- gateway stub ----

type stubGateway struct {
	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	bodies   map[string]map[string]interface{}
	auths    map[string]string
	tokens   atomic.Int32
}

func newStubGateway(t *testing.T) (*stubGateway, *httptest.Server) {
	g := &stubGateway{
		handlers: map[string]http.HandlerFunc{},
		bodies:   map[string]map[string]interface{}{},
		auths:    map[string]string{},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		g.mu.Lock()
		g.bodies[r.URL.Path] = body
		g.auths[r.URL.Path] = r.Header.Get("Authorization")
		h := g.handlers[r.URL.Path]
		g.mu.Unlock()

		if r.URL.Path == "/auth/tokenize" && h == nil {
			n := g.tokens.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"accessToken": fmt.Sprintf("bearer-%d", n), "expiresIn": 3600})
			return
		}
		if h == nil {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return g, srv
}

func (g *stubGateway) on(path, response string) {
	g.onFunc(path, func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(response)) })
}

func (g *stubGateway) onFunc(path string, h http.HandlerFunc) {
	g.mu.Lock()
	g.handlers[path] = h
	g.mu.Unlock()
}

func (g *stubGateway) body(path string) map[string]interface{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bodies[path]
}

func (g *stubGateway) auth(path string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.auths[path]
}

// ---- publisher mock ----

type mockPublisher struct{ mock.Mock }

func (m *mockPublisher) Publish(ctx context.Context, event models.PaymentEvent) error {
	return m.Called(ctx, event).Error(0)
}

func testConfig(root string) *config.Config {
	return &config.Config{
		Credentials: config.Credentials{
			MerchantKey:   "TESTMERCHANT01",
			MerchantToken: "TESTTOKEN0123456789",
			BusinessKey:   "BK01",
			BusinessToken: "BT01",
			TestMode:      true,
		},
		APIRoot:        root,
		CheckoutURL:    "https://sandbox.example/checkout",
		PublicOrigin:   "https://book.example.lk",
		WebhookURL:     "https://api.example.lk/payments/webhook",
		AllowedOrigins: "https://book.example.lk,https://admin.example.lk",
	}
}

func newTestProcessor(t *testing.T, pub EventPublisher) (*PaymentProcessor, *stubGateway) {
	stub, srv := newStubGateway(t)
	cfg := testConfig(srv.URL)
	client := gateway.NewClient(srv.URL, gateway.Options{Timeout: 2 * time.Second}, nil)
	tokens := NewTokenService(client, cfg.BusinessKey, cfg.BusinessToken, 0, nil, nil)
	return NewPaymentProcessor(cfg, client, tokens, pub, nil), stub
}

func validRequest() models.PaymentRequest {
	return models.PaymentRequest{
		Amount:    "100.00",
		FirstName: "Nimali",
		LastName:  "Perera",
		Email:     "nimali@example.lk",
		Mobile:    "0771234567",
		Billing:   models.Address{Street: "12 Galle Rd", City: "Colombo", Country: "Sri Lanka"},
	}
}

var invoicePattern = regexp.MustCompile(`^[A-Za-z0-9]{1,20}$`)

func TestGenerateInvoiceID(t *testing.T) {
	p, _ := newTestProcessor(t, nil)
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		id := p.GenerateInvoiceID()
		assert.Regexp(t, invoicePattern, id)
		assert.LessOrEqual(t, len(id), 20)
		seen[id] = true
	}
	assert.Greater(t, len(seen), 190)
}

func TestValidateConfig(t *testing.T) {
	cfg := testConfig("http://unused")
	cfg.MerchantToken = ""
	cfg.BusinessKey = "your_business_key"
	p := NewPaymentProcessor(cfg, nil, nil, nil, nil)

	err := p.ValidateConfig()
	require.Error(t, err)
	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, []string{"merchantToken", "businessKey"}, appErr.Missing)

	_, err = p.ProcessOneTimePayment(context.Background(), validRequest())
	assert.True(t, errors.Is(err, apperrors.ErrConfiguration))
	assert.Empty(t, p.GetSavedCards(context.Background(), "C1"))
}

func TestProcessOneTimePayment(t *testing.T) {
	pub := new(mockPublisher)
	pub.On("Publish", mock.Anything, mock.MatchedBy(func(e models.PaymentEvent) bool {
		return e.Type == models.EventPaymentInitiated && e.InvoiceID == "INV12345678ABCDEFG1"
	})).Return(nil).Once()
	p, _ := newTestProcessor(t, pub)

	req := validRequest()
	req.InvoiceID = "INV12345678ABCDEFG1"
	req.Origin = "https://admin.example.lk"
	out, err := p.ProcessOneTimePayment(context.Background(), req)
	require.NoError(t, err)

	signer, _ := checkvalue.New("TESTMERCHANT01", "TESTTOKEN0123456789")
	assert.Equal(t, "https://sandbox.example/checkout", out.CheckoutURL)
	assert.Equal(t, signer.Payment("INV12345678ABCDEFG1", "100.00", "LKR"), out.Fields["checkValue"])
	assert.Equal(t, "LK", out.Fields["billingAddressCountry"])
	assert.Equal(t, "1", out.Fields["paymentType"])
	assert.Equal(t, "https://admin.example.lk/payment/success?invoiceId=INV12345678ABCDEFG1", out.Fields["returnUrl"])
	assert.Equal(t, "https://api.example.lk/payments/webhook", out.Fields["notifyUrl"])
	pub.AssertExpectations(t)
}

func TestProcessPaymentRejectsUnknownOrigin(t *testing.T) {
	p, _ := newTestProcessor(t, nil)
	req := validRequest()
	req.Origin = "https://evil.example"
	out, err := p.ProcessOneTimePayment(context.Background(), req)
	require.NoError(t, err)
	assert.Contains(t, out.Fields["cancelUrl"], "https://book.example.lk/payment/cancel")
	assert.Regexp(t, invoicePattern, out.InvoiceID)
}

func TestProcessPaymentValidation(t *testing.T) {
	p, _ := newTestProcessor(t, nil)
	ctx := context.Background()

	for _, amount := range []string{"100", "100.0", "1e2", "-1.00", "0.00", ""} {
		req := validRequest()
		req.Amount = amount
		_, err := p.ProcessOneTimePayment(ctx, req)
		assert.True(t, errors.Is(err, apperrors.ErrValidation), amount)
	}

	req := validRequest()
	req.Billing.City = ""
	req.Email = "not-an-email"
	_, err := p.ProcessOneTimePayment(ctx, req)
	assert.ErrorContains(t, err, "billing.city")

	req = validRequest()
	req.Email = "not-an-email"
	_, err = p.ProcessOneTimePayment(ctx, req)
	assert.ErrorContains(t, err, "invalid email")

	req = validRequest()
	req.InvoiceID = "INV-1"
	_, err = p.ProcessOneTimePayment(ctx, req)
	assert.ErrorContains(t, err, "alphanumeric")

	_, err = p.ProcessRecurringPayment(ctx, validRequest())
	assert.True(t, errors.Is(err, apperrors.ErrValidation))
}

func TestProcessRecurringPayment(t *testing.T) {
	p, _ := newTestProcessor(t, nil)
	req := validRequest()
	req.Recurrence = &models.Recurrence{StartDate: "2026-11-01", EndDate: "2027-11-01", Interval: "monthly", Cycles: 12}

	out, err := p.ProcessRecurringPayment(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "2", out.Fields["paymentType"])
	assert.Equal(t, "MONTHLY", out.Fields["interval"])
	assert.Equal(t, "12", out.Fields["cycles"])
	assert.Equal(t, "100.00", out.Fields["recurringAmount"])
}

func TestProcessTokenizePayment(t *testing.T) {
	p, _ := newTestProcessor(t, nil)
	req := validRequest()
	req.InvoiceID = "INV1"
	req.DoFirstPayment = true

	out, err := p.ProcessTokenizePayment(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, out.CustomerRefNo)
	assert.Equal(t, out.CustomerRefNo, out.Fields["customerRefNo"])
	assert.Equal(t, "1", out.Fields["isSaveCard"])
	assert.Equal(t, "1", out.Fields["doFirstPayment"])
	assert.Equal(t, "3", out.Fields["paymentType"])

	signer, _ := checkvalue.New("TESTMERCHANT01", "TESTTOKEN0123456789")
	assert.Equal(t, signer.Tokenize("INV1", "100.00", "LKR", out.CustomerRefNo), out.Fields["checkValue"])

	req.CustomerRefNo = "CUSTFIXED"
	out, err = p.ProcessTokenizePayment(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "CUSTFIXED", out.CustomerRefNo)
}

func TestGetSavedCards(t *testing.T) {
	p, stub := newTestProcessor(t, nil)
	ctx := context.Background()

	stub.on("/tokenize/listCard", `{"success":true,"cards":[{"tokenId":"T1","maskedCardNo":"4111********1111","exp":"12/28","nickName":"Visa","defaultCard":1,"tokenStatus":"ACTIVE","cardType":"VISA"}]}`)
	cards := p.GetSavedCards(ctx, "C1")
	require.Len(t, cards, 1)
	assert.Equal(t, "T1", cards[0].TokenID)
	assert.True(t, cards[0].IsDefault)
	assert.Equal(t, "C1", stub.body("/tokenize/listCard")["customerId"])
	assert.Equal(t, p.signer.ListCards("C1"), stub.body("/tokenize/listCard")["checkValue"])

	stub.on("/tokenize/listCard", `{"success":false,"error":"unknown customer"}`)
	assert.Empty(t, p.GetSavedCards(ctx, "C1"))

	stub.onFunc("/tokenize/listCard", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	cards = p.GetSavedCards(ctx, "C1")
	assert.NotNil(t, cards)
	assert.Empty(t, cards)
}

func TestPayWithSavedCard(t *testing.T) {
	ctx := context.Background()

	t.Run("success without redirect navigates to success page", func(t *testing.T) {
		pub := new(mockPublisher)
		pub.On("Publish", mock.Anything, mock.MatchedBy(func(e models.PaymentEvent) bool {
			return e.Type == models.EventSavedCardCharged && e.TransactionID == "TX9"
		})).Return(nil).Once()
		p, stub := newTestProcessor(t, pub)
		stub.on("/tokenize/pay", `{"success":true,"payableTransactionId":"TX9"}`)

		out, err := p.PayWithSavedCard(ctx, models.SavedCardPaymentRequest{CustomerID: "C1", TokenID: "T1", Amount: "2500.00", InvoiceID: "INV77"})
		require.NoError(t, err)
		assert.Equal(t, "TX9", out.TransactionID)
		assert.Equal(t, "https://book.example.lk/payment/success?transactionId=TX9", out.NavigateTo)
		assert.Equal(t, "Bearer bearer-1", stub.auth("/tokenize/pay"))

		body := stub.body("/tokenize/pay")
		assert.Equal(t, p.signer.SavedCardPayment("INV77", "2500.00", "LKR", "C1", "T1"), body["checkValue"])
		assert.Equal(t, "https://api.example.lk/payments/webhook", body["webhookUrl"])
		pub.AssertExpectations(t)
	})

	t.Run("gateway redirect wins", func(t *testing.T) {
		p, stub := newTestProcessor(t, nil)
		stub.on("/tokenize/pay", `{"success":true,"payableTransactionId":"TX1","redirectUrl":"https://3ds.example/challenge"}`)

		out, err := p.PayWithSavedCard(ctx, models.SavedCardPaymentRequest{CustomerID: "C1", TokenID: "T1", Amount: "1.00"})
		require.NoError(t, err)
		assert.Equal(t, "https://3ds.example/challenge", out.NavigateTo)
		assert.Regexp(t, invoicePattern, out.InvoiceID)
	})

	t.Run("decline surfaces gateway message", func(t *testing.T) {
		p, stub := newTestProcessor(t, nil)
		stub.on("/tokenize/pay", `{"success":false,"error":"Card expired"}`)

		_, err := p.PayWithSavedCard(ctx, models.SavedCardPaymentRequest{CustomerID: "C1", TokenID: "T1", Amount: "1.00"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, apperrors.ErrGatewayDecline))
		assert.Equal(t, "Card expired", err.Error())
	})

	t.Run("401 refreshes token once", func(t *testing.T) {
		p, stub := newTestProcessor(t, nil)
		var calls atomic.Int32
		stub.onFunc("/tokenize/pay", func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = w.Write([]byte(`{"success":true,"payableTransactionId":"TX2"}`))
		})

		out, err := p.PayWithSavedCard(ctx, models.SavedCardPaymentRequest{CustomerID: "C1", TokenID: "T1", Amount: "1.00"})
		require.NoError(t, err)
		assert.Equal(t, "TX2", out.TransactionID)
		assert.EqualValues(t, 2, stub.tokens.Load())
		assert.Equal(t, "Bearer bearer-2", stub.auth("/tokenize/pay"))
	})

	t.Run("non-2xx keeps gateway message", func(t *testing.T) {
		p, stub := newTestProcessor(t, nil)
		stub.onFunc("/tokenize/pay", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"success":false,"error":"Card expired"}`))
		})

		_, err := p.PayWithSavedCard(ctx, models.SavedCardPaymentRequest{CustomerID: "C1", TokenID: "T1", Amount: "1.00"})
		appErr, ok := apperrors.As(err)
		require.True(t, ok)
		assert.Equal(t, apperrors.KindTransport, appErr.Kind)
		assert.Equal(t, "Card expired", appErr.Message)
	})

	t.Run("transport failure", func(t *testing.T) {
		p, stub := newTestProcessor(t, nil)
		stub.onFunc("/tokenize/pay", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})
		_, err := p.PayWithSavedCard(ctx, models.SavedCardPaymentRequest{CustomerID: "C1", TokenID: "T1", Amount: "1.00"})
		assert.True(t, errors.Is(err, apperrors.ErrTransport))
	})
}

func TestDeleteSavedCard(t *testing.T) {
	ctx := context.Background()
	p, stub := newTestProcessor(t, nil)

	stub.on("/tokenize/deleteCard", `{"success":true}`)
	ok, err := p.DeleteSavedCard(ctx, "C1", "T1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, p.signer.DeleteCard("C1", "T1"), stub.body("/tokenize/deleteCard")["checkValue"])
	assert.Empty(t, stub.auth("/tokenize/deleteCard"))

	stub.on("/tokenize/deleteCard", `{"success":false,"error":"not found"}`)
	ok, err = p.DeleteSavedCard(ctx, "C1", "T1")
	require.NoError(t, err)
	assert.False(t, ok)

	stub.onFunc("/tokenize/deleteCard", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	ok, err = p.DeleteSavedCard(ctx, "C1", "T1")
	assert.False(t, ok)
	assert.True(t, errors.Is(err, apperrors.ErrTransport))
}

func TestEditSavedCard(t *testing.T) {
	ctx := context.Background()
	p, stub := newTestProcessor(t, nil)
	isDefault := true

	stub.on("/tokenize/editCard", `{"success":true}`)
	ok, err := p.EditSavedCard(ctx, models.EditCardRequest{CustomerID: "C1", TokenID: "T1", Nickname: "Work card", IsDefault: &isDefault})
	require.NoError(t, err)
	assert.True(t, ok)

	body := stub.body("/tokenize/editCard")
	assert.Equal(t, "Work card", body["nickName"])
	assert.EqualValues(t, 1, body["isDefaultCard"])
	assert.Equal(t, p.signer.EditCard("C1", "T1"), body["checkValue"])
	assert.Equal(t, "Bearer bearer-1", stub.auth("/tokenize/editCard"))

	stub.on("/tokenize/editCard", `{"success":false}`)
	ok, err = p.EditSavedCard(ctx, models.EditCardRequest{CustomerID: "C1", TokenID: "T1"})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = p.EditSavedCard(ctx, models.EditCardRequest{CustomerID: "C1"})
	assert.True(t, errors.Is(err, apperrors.ErrValidation))
}

func TestPublisherFailureDoesNotFailPayment(t *testing.T) {
	pub := new(mockPublisher)
	pub.On("Publish", mock.Anything, mock.Anything).Return(errors.New("broker down"))
	p, _ := newTestProcessor(t, pub)

	_, err := p.ProcessOneTimePayment(context.Background(), validRequest())
	assert.NoError(t, err)
}
