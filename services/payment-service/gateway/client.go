// Package gateway is the JSON-over-HTTP transport to the PAYable IPG card APIs.
package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	awspkg "github.com/yashrajoria/salon-payments/pkg/aws"
	apperrors "github.com/yashrajoria/salon-payments/services/common/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	pathAuth       = "/auth/tokenize"
	pathListCards  = "/tokenize/listCard"
	pathPay        = "/tokenize/pay"
	pathDeleteCard = "/tokenize/deleteCard"
	pathEditCard   = "/tokenize/editCard"

	maxResponseBytes = 1 << 20
)

// StatusError is a non-2xx answer from the gateway.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway responded with status %d: %s", e.StatusCode, e.Body)
}

// IsUnauthorized reports whether err carries a 401 from the gateway.
func IsUnauthorized(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized
}

type Options struct {
	Timeout time.Duration
	// RequestsPerSecond caps outbound calls; zero disables the limiter.
	RequestsPerSecond float64
	HTTPClient        *http.Client
	Metrics           *awspkg.MetricsClient
}

type Client struct {
	root       string
	httpClient *http.Client
	limiter    *rate.Limiter
	metrics    *awspkg.MetricsClient
	logger     *zap.Logger
}

func NewClient(root string, opts Options, logger *zap.Logger) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		root:       root,
		httpClient: httpClient,
		limiter:    limiter,
		metrics:    opts.Metrics,
		logger:     logger,
	}
}

// ---- wire types ----

type TokenResponse struct {
	AccessToken string `json:"accessToken"`
	TokenType   string `json:"tokenType,omitempty"`
	// ExpiresIn is in seconds; zero when the gateway omits it.
	ExpiresIn int64 `json:"expiresIn,omitempty"`
}

type ListCardsRequest struct {
	MerchantID string `json:"merchantId"`
	CustomerID string `json:"customerId"`
	CheckValue string `json:"checkValue"`
}

type ListCardsResponse struct {
	Success bool             `json:"success"`
	Cards   []SavedCardEntry `json:"cards"`
	Error   Message          `json:"error,omitempty"`
}

// SavedCardEntry mirrors the gateway's card listing entry.
type SavedCardEntry struct {
	TokenID      string `json:"tokenId"`
	MaskedCardNo string `json:"maskedCardNo"`
	Exp          string `json:"exp"`
	NickName     string `json:"nickName"`
	DefaultCard  int    `json:"defaultCard"`
	TokenStatus  string `json:"tokenStatus"`
	CardType     string `json:"cardType"`
}

type PayRequest struct {
	MerchantID       string `json:"merchantId"`
	InvoiceID        string `json:"invoiceId"`
	Amount           string `json:"amount"`
	CurrencyCode     string `json:"currencyCode"`
	CustomerID       string `json:"customerId"`
	TokenID          string `json:"tokenId"`
	OrderDescription string `json:"orderDescription"`
	CheckValue       string `json:"checkValue"`
	WebhookURL       string `json:"webhookUrl"`
	Custom1          string `json:"custom1,omitempty"`
	Custom2          string `json:"custom2,omitempty"`
}

type PayResponse struct {
	Success              bool    `json:"success"`
	RedirectURL          string  `json:"redirectUrl,omitempty"`
	PayableTransactionID string  `json:"payableTransactionId"`
	Error                Message `json:"error,omitempty"`
}

type DeleteCardRequest struct {
	MerchantID string `json:"merchantId"`
	CustomerID string `json:"customerId"`
	TokenID    string `json:"tokenId"`
	CheckValue string `json:"checkValue"`
}

type EditCardRequest struct {
	MerchantID    string `json:"merchantId"`
	CustomerID    string `json:"customerId"`
	TokenID       string `json:"tokenId"`
	NickName      string `json:"nickName,omitempty"`
	IsDefaultCard *int   `json:"isDefaultCard,omitempty"`
	CheckValue    string `json:"checkValue"`
}

type MutationResponse struct {
	Success bool    `json:"success"`
	Error   Message `json:"error,omitempty"`
}

// Message accepts the gateway's error either as a plain string or as {"message": "..."}.
type Message string

func (m *Message) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*m = Message(s)
		return nil
	}
	var obj struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	if obj.Message != "" {
		*m = Message(obj.Message)
	} else {
		*m = Message(obj.Error)
	}
	return nil
}

// ---- endpoints ----

// ExchangeToken performs the client-credentials grant with Basic auth.
func (c *Client) ExchangeToken(ctx context.Context, businessKey, businessToken string) (*TokenResponse, error) {
	basic := base64.StdEncoding.EncodeToString([]byte(businessKey + ":" + businessToken))
	var out TokenResponse
	body := map[string]string{"grant_type": "client_credentials"}
	if err := c.doRequest(ctx, http.MethodPost, pathAuth, "Basic "+basic, body, &out); err != nil {
		return nil, err
	}
	if out.AccessToken == "" {
		return nil, apperrors.Transport("token exchange returned no access token", nil)
	}
	return &out, nil
}

func (c *Client) ListCards(ctx context.Context, req ListCardsRequest) (*ListCardsResponse, error) {
	var out ListCardsResponse
	if err := c.doRequest(ctx, http.MethodPost, pathListCards, "", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Pay(ctx context.Context, bearer string, req PayRequest) (*PayResponse, error) {
	var out PayResponse
	if err := c.doRequest(ctx, http.MethodPost, pathPay, "Bearer "+bearer, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteCard(ctx context.Context, req DeleteCardRequest) (*MutationResponse, error) {
	var out MutationResponse
	if err := c.doRequest(ctx, http.MethodPost, pathDeleteCard, "", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) EditCard(ctx context.Context, bearer string, req EditCardRequest) (*MutationResponse, error) {
	var out MutationResponse
	if err := c.doRequest(ctx, http.MethodPost, pathEditCard, "Bearer "+bearer, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ---- HTTP helper ----

func (c *Client) doRequest(ctx context.Context, method, path, authorization string, body interface{}, out interface{}) (err error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return apperrors.Transport("gateway rate limit wait aborted", err)
		}
	}

	start := time.Now()
	defer func() { c.record(ctx, path, time.Since(start), err) }()

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.root+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Transport("payment gateway unreachable", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return apperrors.Transport("read gateway response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperrors.Transport(errorMessage(respBytes), &StatusError{StatusCode: resp.StatusCode, Body: string(respBytes)})
	}

	if out != nil {
		if err := json.Unmarshal(respBytes, out); err != nil {
			return apperrors.Transport("decode gateway response", err)
		}
	}
	return nil
}

// errorMessage extracts the gateway's human-readable error from a non-2xx body.
func errorMessage(body []byte) string {
	var out struct {
		Error   Message `json:"error"`
		Message string  `json:"message"`
	}
	if json.Unmarshal(body, &out) == nil {
		if out.Error != "" {
			return string(out.Error)
		}
		if out.Message != "" {
			return out.Message
		}
	}
	return "payment gateway error"
}

func (c *Client) record(ctx context.Context, path string, d time.Duration, err error) {
	if err != nil {
		c.logger.Warn("gateway call failed", zap.String("endpoint", path), zap.Duration("latency", d), zap.Error(err))
	} else {
		c.logger.Debug("gateway call", zap.String("endpoint", path), zap.Duration("latency", d))
	}
	if !c.metrics.IsEnabled() {
		return
	}
	dims := map[string]string{"Endpoint": path}
	go func() {
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = c.metrics.RecordCount(mctx, awspkg.MetricGatewayCalls, dims)
		_ = c.metrics.RecordLatency(mctx, awspkg.MetricGatewayLatency, d, dims)
		if err != nil {
			_ = c.metrics.RecordCount(mctx, awspkg.MetricGatewayErrors, dims)
		}
	}()
}
