package services

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	awspkg "github.com/yashrajoria/salon-payments/pkg/aws"
	"github.com/yashrajoria/salon-payments/services/payment-service/gateway"
	"github.com/yashrajoria/salon-payments/services/payment-service/models"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultTokenTTL      = 60 * time.Minute
	defaultRefreshMargin = 10 * time.Minute
)

// TokenExchanger performs the client-credentials grant.
type TokenExchanger interface {
	ExchangeToken(ctx context.Context, businessKey, businessToken string) (*gateway.TokenResponse, error)
}

// TokenService caches the gateway bearer token. Concurrent callers share a single in-flight
// exchange and the cache is only replaced after a successful one.
type TokenService struct {
	exchanger     TokenExchanger
	businessKey   string
	businessToken string
	margin        time.Duration
	metrics       *awspkg.MetricsClient
	logger        *zap.Logger
	now           func() time.Time

	mu     sync.RWMutex
	cached models.AccessToken
	group  singleflight.Group
}

func NewTokenService(exchanger TokenExchanger, businessKey, businessToken string, margin time.Duration, metrics *awspkg.MetricsClient, logger *zap.Logger) *TokenService {
	if margin <= 0 {
		margin = defaultRefreshMargin
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenService{
		exchanger:     exchanger,
		businessKey:   businessKey,
		businessToken: businessToken,
		margin:        margin,
		metrics:       metrics,
		logger:        logger,
		now:           time.Now,
	}
}

// AccessToken returns the cached bearer token or refreshes it. Cancelling ctx abandons only this
// caller's wait; the shared exchange keeps running for the others.
func (s *TokenService) AccessToken(ctx context.Context) (string, error) {
	s.mu.RLock()
	tok := s.cached
	s.mu.RUnlock()
	if tok.ValidAt(s.now()) {
		return tok.Value, nil
	}

	ch := s.group.DoChan("token", func() (interface{}, error) {
		return s.refresh(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(models.AccessToken).Value, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Invalidate drops the cached token if it is still the rejected one, so a token another caller
// already refreshed survives a late 401.
func (s *TokenService) Invalidate(rejected string) {
	s.mu.Lock()
	if s.cached.Value == rejected {
		s.cached = models.AccessToken{}
	}
	s.mu.Unlock()
}

func (s *TokenService) refresh(ctx context.Context) (models.AccessToken, error) {
	// A caller that queued behind a finished flight may find a fresh token already cached.
	s.mu.RLock()
	tok := s.cached
	s.mu.RUnlock()
	if tok.ValidAt(s.now()) {
		return tok, nil
	}

	issued := s.now()
	resp, err := s.exchanger.ExchangeToken(ctx, s.businessKey, s.businessToken)
	_ = s.metrics.RecordCount(ctx, awspkg.MetricTokenExchanges, nil)
	if err != nil {
		s.logger.Error("bearer token exchange failed", zap.Error(err))
		return models.AccessToken{}, err
	}

	ttl := tokenTTL(resp, issued)
	lifetime := ttl - s.margin
	if lifetime <= 0 {
		// short-lived token: still cache it for half its life
		lifetime = ttl / 2
	}
	fresh := models.AccessToken{
		Value:     resp.AccessToken,
		ExpiresAt: issued.Add(lifetime),
	}

	s.mu.Lock()
	s.cached = fresh
	s.mu.Unlock()

	s.logger.Info("bearer token refreshed", zap.Time("expires_at", fresh.ExpiresAt))
	return fresh, nil
}

// tokenTTL prefers expiresIn, then the JWT exp claim, then the default.
func tokenTTL(resp *gateway.TokenResponse, issued time.Time) time.Duration {
	if resp.ExpiresIn > 0 {
		return time.Duration(resp.ExpiresIn) * time.Second
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(resp.AccessToken, claims); err == nil {
		if exp, ok := claims["exp"].(float64); ok {
			if ttl := time.Unix(int64(exp), 0).Sub(issued); ttl > 0 {
				return ttl
			}
		}
	}
	return defaultTokenTTL
}
