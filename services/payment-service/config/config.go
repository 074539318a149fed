package config

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	apperrors "github.com/yashrajoria/salon-payments/services/common/errors"
)

// CredentialsSecretName is the Secrets Manager entry read when AWS_USE_SECRETS=true.
const CredentialsSecretName = "payments/PAYABLE_CREDENTIALS"

const (
	defaultAPIRoot     = "https://payable.lk/ipg/pro"
	defaultSandboxRoot = "https://sandboxipgpayment.payable.lk/ipg/sandbox"
	defaultCheckoutURL = "https://payable.lk/ipg/pro/checkout"
	defaultSandboxPage = "https://sandboxipgpayment.payable.lk/ipg/sandbox/checkout"
)

// Credentials are loaded once at startup and never mutated afterwards.
type Credentials struct {
	MerchantKey   string
	MerchantToken string
	BusinessKey   string
	BusinessToken string
	TestMode      bool
}

type Config struct {
	Credentials

	Port        string
	Env         string
	APIRoot     string
	CheckoutURL string
	WSURL       string
	// PublicOrigin is the booking UI origin used for return, cancel and success URLs.
	PublicOrigin   string
	WebhookURL     string
	AllowedOrigins string

	KafkaBrokers       []string
	PaymentEventsTopic string
	PaymentSNSTopicARN string

	RequestTimeout time.Duration
	GatewayRPS     float64
	TokenMargin    time.Duration
	UseAWSSecrets  bool

	// JWTSecret verifies booking UI bearer tokens. When empty the service trusts X-User-ID from the gateway.
	JWTSecret string
}

// SecretReader is satisfied by pkg/aws.SecretsClient.
type SecretReader interface {
	GetSecretMap(ctx context.Context, name string) (map[string]string, error)
}

func LoadConfig() (*Config, error) {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	env := &envReader{}
	testMode := env.Bool("PAYABLE_TEST_MODE", true)
	apiRoot, checkout := defaultAPIRoot, defaultCheckoutURL
	if testMode {
		apiRoot, checkout = defaultSandboxRoot, defaultSandboxPage
	}

	cfg := &Config{
		Credentials: Credentials{
			MerchantKey:   strings.TrimSpace(os.Getenv("PAYABLE_MERCHANT_KEY")),
			MerchantToken: strings.TrimSpace(os.Getenv("PAYABLE_MERCHANT_TOKEN")),
			BusinessKey:   strings.TrimSpace(os.Getenv("PAYABLE_BUSINESS_KEY")),
			BusinessToken: strings.TrimSpace(os.Getenv("PAYABLE_BUSINESS_TOKEN")),
			TestMode:      testMode,
		},
		Port:               getEnv("PORT", "8088"),
		Env:                getEnv("APP_ENV", "development"),
		APIRoot:            strings.TrimRight(getEnv("PAYABLE_API_ROOT", apiRoot), "/"),
		CheckoutURL:        getEnv("PAYABLE_CHECKOUT_URL", checkout),
		WSURL:              strings.TrimRight(getEnv("PAYMENTS_WS_URL", "ws://localhost:8080"), "/"),
		PublicOrigin:       strings.TrimRight(getEnv("PUBLIC_ORIGIN", "http://localhost:3000"), "/"),
		WebhookURL:         os.Getenv("PAYABLE_WEBHOOK_URL"),
		AllowedOrigins:     getEnv("ALLOWED_ORIGINS", "http://localhost:3000"),
		KafkaBrokers:       splitList(os.Getenv("KAFKA_BROKERS")),
		PaymentEventsTopic: getEnv("PAYMENT_EVENTS_TOPIC", "salon-payment-events"),
		PaymentSNSTopicARN: os.Getenv("PAYMENT_SNS_TOPIC_ARN"),
		RequestTimeout:     env.Duration("GATEWAY_TIMEOUT", 15*time.Second),
		GatewayRPS:         env.Float("GATEWAY_RPS", 5),
		TokenMargin:        env.Duration("TOKEN_REFRESH_MARGIN", 10*time.Minute),
		UseAWSSecrets:      env.Bool("AWS_USE_SECRETS", false),
		JWTSecret:          strings.TrimSpace(os.Getenv("JWT_SECRET")),
	}
	if err := errors.Join(env.errs...); err != nil {
		return nil, err
	}
	if cfg.WebhookURL == "" {
		cfg.WebhookURL = cfg.PublicOrigin + "/api/payments/webhook"
	}

	return cfg, nil
}

// ApplySecrets overrides any credential present in the Secrets Manager entry.
func (c *Config) ApplySecrets(ctx context.Context, secrets SecretReader) error {
	m, err := secrets.GetSecretMap(ctx, CredentialsSecretName)
	if err != nil {
		return apperrors.New(apperrors.KindConfiguration, http.StatusServiceUnavailable, "failed to read gateway credentials", err)
	}
	override := func(dst *string, key string) {
		if v := strings.TrimSpace(m[key]); v != "" {
			*dst = v
		}
	}
	override(&c.MerchantKey, "PAYABLE_MERCHANT_KEY")
	override(&c.MerchantToken, "PAYABLE_MERCHANT_TOKEN")
	override(&c.BusinessKey, "PAYABLE_BUSINESS_KEY")
	override(&c.BusinessToken, "PAYABLE_BUSINESS_TOKEN")
	override(&c.JWTSecret, "JWT_SECRET")
	return nil
}

// Missing lists every required credential that is empty or still a placeholder.
func (c Credentials) Missing() []string {
	var missing []string
	check := func(name, v string) {
		if v == "" || isPlaceholder(v) {
			missing = append(missing, name)
		}
	}
	check("merchantKey", c.MerchantKey)
	check("merchantToken", c.MerchantToken)
	check("businessKey", c.BusinessKey)
	check("businessToken", c.BusinessToken)
	return missing
}

// Validate returns a configuration error naming every missing field, or nil.
func (c Credentials) Validate() error {
	if missing := c.Missing(); len(missing) > 0 {
		return apperrors.Configuration(missing...)
	}
	return nil
}

func isPlaceholder(v string) bool {
	l := strings.ToLower(v)
	switch {
	case strings.HasPrefix(l, "your_"), strings.HasPrefix(l, "your-"):
		return true
	case strings.HasPrefix(l, "<") && strings.HasSuffix(l, ">"):
		return true
	case l == "changeme", l == "xxx", l == "placeholder", l == "todo":
		return true
	}
	return false
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

// envReader parses typed variables, falling back on unset ones and collecting malformed ones.
type envReader struct {
	errs []error
}

func (r *envReader) lookup(key string) (string, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	return raw, raw != ""
}

func (r *envReader) fail(key, raw, want string) {
	r.errs = append(r.errs, fmt.Errorf("invalid %s %q: want %s", key, raw, want))
}

func (r *envReader) Bool(key string, fallback bool) bool {
	raw, ok := r.lookup(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		r.fail(key, raw, "a boolean")
		return fallback
	}
	return b
}

func (r *envReader) Float(key string, fallback float64) float64 {
	raw, ok := r.lookup(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f <= 0 {
		r.fail(key, raw, "a positive number")
		return fallback
	}
	return f
}

func (r *envReader) Duration(key string, fallback time.Duration) time.Duration {
	raw, ok := r.lookup(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		r.fail(key, raw, "a positive duration such as 15s")
		return fallback
	}
	return d
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
