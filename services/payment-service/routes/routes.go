package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/yashrajoria/salon-payments/services/common/auth"
	"github.com/yashrajoria/salon-payments/services/payment-service/controllers"
	"github.com/yashrajoria/salon-payments/services/payment-service/middleware"
)

func RegisterPaymentRoutes(r *gin.Engine, pc *controllers.PaymentController, tokens *auth.TokenValidator) {
	r.GET("/healthz", pc.Healthz)

	authed := r.Group("/")
	authed.Use(middleware.AuthMiddleware(tokens))

	payments := authed.Group("/payments")
	payments.POST("/one-time", pc.OneTimePayment)
	payments.POST("/recurring", pc.RecurringPayment)
	payments.POST("/tokenize", pc.TokenizePayment)
	payments.GET("/invoice-id", pc.InvoiceID)

	authed.GET("/salons/:salonId/payments/:invoiceId/status", pc.PaymentStatus)

	cards := authed.Group("/customers/:customerId/cards")
	cards.GET("", pc.ListCards)
	cards.POST("/:tokenId/pay", pc.PayWithCard)
	cards.PATCH("/:tokenId", pc.EditCard)
	cards.DELETE("/:tokenId", pc.DeleteCard)
}
