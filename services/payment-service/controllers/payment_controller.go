package controllers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	apperrors "github.com/yashrajoria/salon-payments/services/common/errors"
	"github.com/yashrajoria/salon-payments/services/common/logger"
	"github.com/yashrajoria/salon-payments/services/payment-service/middleware"
	"github.com/yashrajoria/salon-payments/services/payment-service/models"
	"github.com/yashrajoria/salon-payments/services/payment-service/realtime"
	"github.com/yashrajoria/salon-payments/services/payment-service/services"
	"go.uber.org/zap"
)

const (
	defaultStatusWait = 30 * time.Second
	maxStatusWait     = 2 * time.Minute
)

// StatusAwaiter is satisfied by *realtime.Registry.
type StatusAwaiter interface {
	Await(ctx context.Context, salonID, invoiceID string) (models.PaymentStatusEvent, error)
}

type PaymentController struct {
	Payments services.PaymentService
	Status   StatusAwaiter
	Events   services.EventPublisher
	Logger   *zap.Logger
}

func NewPaymentController(payments services.PaymentService, status StatusAwaiter, events services.EventPublisher, logger *zap.Logger) *PaymentController {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaymentController{Payments: payments, Status: status, Events: events, Logger: logger}
}

func (pc *PaymentController) OneTimePayment(c *gin.Context) {
	pc.checkout(c, pc.Payments.ProcessOneTimePayment)
}

func (pc *PaymentController) RecurringPayment(c *gin.Context) {
	pc.checkout(c, pc.Payments.ProcessRecurringPayment)
}

func (pc *PaymentController) TokenizePayment(c *gin.Context) {
	pc.checkout(c, pc.Payments.ProcessTokenizePayment)
}

func (pc *PaymentController) checkout(c *gin.Context, process func(context.Context, models.PaymentRequest) (*models.Checkout, error)) {
	var req models.PaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.Validation("invalid JSON body"))
		return
	}

	out, err := process(c.Request.Context(), req)
	if err != nil {
		pc.Logger.Warn("checkout failed",
			zap.String("request_id", logger.RequestID(c)),
			zap.String("user_id", middleware.GetUserID(c)),
			zap.String("invoice_id", req.InvoiceID),
			zap.Error(err),
		)
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (pc *PaymentController) InvoiceID(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"invoice_id": pc.Payments.GenerateInvoiceID()})
}

// PaymentStatus long-polls the salon's payments channel for one invoice. It answers 204 when no
// event arrives within ?wait so the UI can fall back to the gateway return URL.
func (pc *PaymentController) PaymentStatus(c *gin.Context) {
	salonID, invoiceID := c.Param("salonId"), c.Param("invoiceId")

	wait := defaultStatusWait
	if raw := c.Query("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			_ = c.Error(apperrors.Validation("wait must be a positive duration such as 30s"))
			return
		}
		wait = min(d, maxStatusWait)
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), wait)
	defer cancel()

	ev, err := pc.Status.Await(ctx, salonID, invoiceID)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		c.Status(http.StatusNoContent)
		return
	case errors.Is(err, realtime.ErrReplaced):
		_ = c.Error(apperrors.New(apperrors.KindProtocol, http.StatusConflict, "a newer status request replaced this one", err))
		return
	case errors.Is(err, realtime.ErrNotConnected), errors.Is(err, realtime.ErrClosed):
		_ = c.Error(apperrors.Transport("payments channel unavailable", err))
		return
	default:
		_ = c.Error(err)
		return
	}

	if pc.Events != nil {
		err := pc.Events.Publish(context.WithoutCancel(c.Request.Context()), models.PaymentEvent{
			Type:      models.EventPaymentStatusFinal,
			InvoiceID: ev.InvoiceID,
			Status:    string(ev.Status),
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			pc.Logger.Error("failed to publish status event",
				zap.String("request_id", logger.RequestID(c)),
				zap.String("invoice_id", ev.InvoiceID),
				zap.Error(err),
			)
		}
	}
	c.JSON(http.StatusOK, ev)
}

func (pc *PaymentController) ListCards(c *gin.Context) {
	cards := pc.Payments.GetSavedCards(c.Request.Context(), c.Param("customerId"))
	c.JSON(http.StatusOK, gin.H{"cards": cards})
}

func (pc *PaymentController) PayWithCard(c *gin.Context) {
	var req models.SavedCardPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.Validation("invalid JSON body"))
		return
	}
	req.CustomerID = c.Param("customerId")
	req.TokenID = c.Param("tokenId")

	out, err := pc.Payments.PayWithSavedCard(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (pc *PaymentController) EditCard(c *gin.Context) {
	var req models.EditCardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.Validation("invalid JSON body"))
		return
	}
	req.CustomerID = c.Param("customerId")
	req.TokenID = c.Param("tokenId")

	ok, err := pc.Payments.EditSavedCard(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": ok})
}

func (pc *PaymentController) DeleteCard(c *gin.Context) {
	ok, err := pc.Payments.DeleteSavedCard(c.Request.Context(), c.Param("customerId"), c.Param("tokenId"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": ok})
}

// Healthz stays 200 while the process is up; the body reports whether gateway credentials are usable.
func (pc *PaymentController) Healthz(c *gin.Context) {
	if err := pc.Payments.ValidateConfig(); err != nil {
		body := gin.H{"status": "degraded", "error": err.Error()}
		if appErr, ok := apperrors.As(err); ok && len(appErr.Missing) > 0 {
			body["missing"] = appErr.Missing
		}
		c.JSON(http.StatusOK, body)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
