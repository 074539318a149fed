package config

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apperrors "github.com/yashrajoria/salon-payments/services/common/errors"
)

type fakeSecrets struct {
	values map[string]string
	err    error
}

func (f fakeSecrets) GetSecretMap(_ context.Context, name string) (map[string]string, error) {
	if name != CredentialsSecretName {
		return nil, errors.New("unexpected secret " + name)
	}
	return f.values, f.err
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("PAYABLE_MERCHANT_KEY", " MK123 ")
	t.Setenv("PAYABLE_MERCHANT_TOKEN", "MT456")
	t.Setenv("PAYABLE_BUSINESS_KEY", "BK")
	t.Setenv("PAYABLE_BUSINESS_TOKEN", "BT")
	t.Setenv("PAYABLE_TEST_MODE", "false")
	t.Setenv("PUBLIC_ORIGIN", "https://book.example.lk/")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("GATEWAY_TIMEOUT", "3s")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "MK123", cfg.MerchantKey)
	assert.False(t, cfg.TestMode)
	assert.Equal(t, defaultAPIRoot, cfg.APIRoot)
	assert.Equal(t, "https://book.example.lk", cfg.PublicOrigin)
	assert.Equal(t, "https://book.example.lk/api/payments/webhook", cfg.WebhookURL)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 3*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 10*time.Minute, cfg.TokenMargin)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigSandboxDefaults(t *testing.T) {
	t.Setenv("PAYABLE_TEST_MODE", "")
	t.Setenv("PAYABLE_API_ROOT", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.True(t, cfg.TestMode)
	assert.Equal(t, defaultSandboxRoot, cfg.APIRoot)
}

func TestLoadConfigRejectsMalformedValues(t *testing.T) {
	t.Setenv("PAYABLE_TEST_MODE", "sandbox")
	t.Setenv("GATEWAY_TIMEOUT", "15")
	t.Setenv("GATEWAY_RPS", "-1")
	t.Setenv("TOKEN_REFRESH_MARGIN", "10m")

	cfg, err := LoadConfig()
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "PAYABLE_TEST_MODE")
	assert.Contains(t, err.Error(), "GATEWAY_TIMEOUT")
	assert.Contains(t, err.Error(), "GATEWAY_RPS")
	assert.NotContains(t, err.Error(), "TOKEN_REFRESH_MARGIN")
}

func TestCredentialsValidate(t *testing.T) {
	t.Run("names every missing field", func(t *testing.T) {
		creds := Credentials{MerchantKey: "MK", BusinessToken: "your_business_token"}

		err := creds.Validate()
		require.Error(t, err)
		assert.True(t, errors.Is(err, apperrors.ErrConfiguration))

		appErr, ok := apperrors.As(err)
		require.True(t, ok)
		assert.Equal(t, []string{"merchantToken", "businessKey", "businessToken"}, appErr.Missing)
	})

	t.Run("placeholders", func(t *testing.T) {
		for _, v := range []string{"<merchant-key>", "CHANGEME", "your-key"} {
			assert.True(t, isPlaceholder(v), v)
		}
		assert.False(t, isPlaceholder("A1B2C3"))
	})
}

func TestApplySecrets(t *testing.T) {
	cfg := &Config{Credentials: Credentials{MerchantKey: "env-key", MerchantToken: "env-token"}}

	err := cfg.ApplySecrets(context.Background(), fakeSecrets{values: map[string]string{
		"PAYABLE_MERCHANT_TOKEN": "secret-token",
		"PAYABLE_BUSINESS_KEY":   "secret-bk",
	}})
	require.NoError(t, err)
	assert.Equal(t, "env-key", cfg.MerchantKey)
	assert.Equal(t, "secret-token", cfg.MerchantToken)
	assert.Equal(t, "secret-bk", cfg.BusinessKey)

	err = cfg.ApplySecrets(context.Background(), fakeSecrets{err: errors.New("denied")})
	assert.True(t, errors.Is(err, apperrors.ErrConfiguration))
}
