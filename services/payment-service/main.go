package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	awspkg "github.com/yashrajoria/salon-payments/pkg/aws"
	"github.com/yashrajoria/salon-payments/services/common/auth"
	apperrors "github.com/yashrajoria/salon-payments/services/common/errors"
	"github.com/yashrajoria/salon-payments/services/common/logger"
	commonmw "github.com/yashrajoria/salon-payments/services/common/middleware"
	"github.com/yashrajoria/salon-payments/services/payment-service/config"
	"github.com/yashrajoria/salon-payments/services/payment-service/controllers"
	"github.com/yashrajoria/salon-payments/services/payment-service/events"
	"github.com/yashrajoria/salon-payments/services/payment-service/gateway"
	"github.com/yashrajoria/salon-payments/services/payment-service/kafka"
	"github.com/yashrajoria/salon-payments/services/payment-service/realtime"
	"github.com/yashrajoria/salon-payments/services/payment-service/routes"
	"github.com/yashrajoria/salon-payments/services/payment-service/services"
	"github.com/yashrajoria/salon-payments/services/payment-service/webhook"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const serviceName = "payment-service"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Initialize("development")
		logger.Log.Fatal("Failed to load config", zap.Error(err))
	}

	// --- CloudWatch (Logs + Metrics) ---
	cwLogs, err := awspkg.NewCloudWatchLogsClient(context.Background(), serviceName)
	if err != nil || !cwLogs.IsEnabled() {
		logger.Initialize(cfg.Env)
	} else {
		logger.InitializeWithWriter(cfg.Env, cwLogs)
	}
	defer logger.Sync()
	log := logger.Log
	if err != nil {
		log.Warn("CloudWatch logs client init failed (non-fatal)", zap.Error(err))
	}

	metricsClient, err := awspkg.NewMetricsClient(context.Background())
	if err != nil {
		log.Warn("CloudWatch metrics client init failed (non-fatal)", zap.Error(err))
	}

	// AWS clients
	awsCfg, awsErr := awspkg.LoadAWSConfig(context.Background())
	if awsErr != nil {
		log.Warn("AWS config unavailable, secrets and SNS disabled", zap.Error(awsErr))
	}
	if cfg.UseAWSSecrets && awsErr == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := cfg.ApplySecrets(ctx, awspkg.NewSecretsClient(awsCfg)); err != nil {
			log.Error("Failed to load gateway credentials from Secrets Manager", zap.Error(err))
		}
		cancel()
	}
	if err := cfg.Validate(); err != nil {
		// the service still starts; every gateway operation reports the same configuration error
		log.Warn("Payment gateway credentials incomplete", zap.Error(err))
	}

	// Audit events: Kafka first, SNS best effort
	var publishers []events.Publisher
	var producer *kafka.PaymentEventProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = kafka.NewPaymentEventProducer(cfg.KafkaBrokers, cfg.PaymentEventsTopic, log)
		defer producer.Close()
		publishers = append(publishers, producer)
	}
	if cfg.PaymentSNSTopicARN != "" && awsErr == nil {
		snsPub, err := events.NewSNSPublisher(awspkg.NewSNSClient(awsCfg), cfg.PaymentSNSTopicARN)
		if err != nil {
			log.Warn("SNS publisher disabled", zap.Error(err))
		} else {
			publishers = append(publishers, snsPub)
		}
	}
	var publisher services.EventPublisher
	if len(publishers) > 0 {
		publisher = events.NewFanout(logger.Named("events"), publishers[0], publishers[1:]...)
	}

	// Gateway and DI chain
	gw := gateway.NewClient(cfg.APIRoot, gateway.Options{
		Timeout:           cfg.RequestTimeout,
		RequestsPerSecond: cfg.GatewayRPS,
		Metrics:           metricsClient,
	}, logger.Named("gateway"))
	tokens := services.NewTokenService(gw, cfg.BusinessKey, cfg.BusinessToken, cfg.TokenMargin, metricsClient, logger.Named("token"))
	paymentService := services.NewPaymentProcessor(cfg, gw, tokens, publisher, logger.Named("payments"))

	notifierOpts := realtime.Options{
		AutoReconnect: true,
		Metrics:       metricsClient,
		Logger:        logger.Named("realtime"),
	}
	if v, err := webhook.NewValidator(cfg.MerchantKey, cfg.MerchantToken); err == nil {
		notifierOpts.VerifyEvent = v.VerifyEvent
	}
	registry := realtime.NewRegistry(cfg.WSURL, notifierOpts)
	defer registry.Close()

	paymentController := controllers.NewPaymentController(paymentService, registry, publisher, logger.Named("http"))

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(commonmw.RequestID())
	r.Use(commonmw.RequestLogger(log))
	if metricsClient != nil {
		r.Use(commonmw.MetricsMiddleware(metricsClient, serviceName))
	}
	r.Use(commonmw.SecurityHeaders())
	r.Use(commonmw.CORSMiddleware(cfg.AllowedOrigins))

	limiterCtx, stopLimiter := context.WithCancel(context.Background())
	defer stopLimiter()
	r.Use(commonmw.RateLimitMiddleware(commonmw.NewRateLimiter(limiterCtx, rate.Limit(20), 40, 5*time.Minute)))
	r.Use(apperrors.ErrorMiddleware())

	routes.RegisterPaymentRoutes(r, paymentController, auth.NewTokenValidator(cfg.JWTSecret))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("Payment service started", zap.String("port", cfg.Port), zap.Bool("test_mode", cfg.TestMode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down payment service...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	log.Info("Server exited cleanly")
}
