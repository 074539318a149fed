package routes

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/yashrajoria/salon-payments/services/payment-service/controllers"
)

func TestRegisterPaymentRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterPaymentRoutes(r, controllers.NewPaymentController(nil, nil, nil, nil), nil)

	want := map[string]bool{
		"GET /healthz":                                    true,
		"POST /payments/one-time":                         true,
		"POST /payments/recurring":                        true,
		"POST /payments/tokenize":                         true,
		"GET /payments/invoice-id":                        true,
		"GET /salons/:salonId/payments/:invoiceId/status": true,
		"GET /customers/:customerId/cards":                true,
		"POST /customers/:customerId/cards/:tokenId/pay":  true,
		"PATCH /customers/:customerId/cards/:tokenId":     true,
		"DELETE /customers/:customerId/cards/:tokenId":    true,
	}
	for _, route := range r.Routes() {
		delete(want, route.Method+" "+route.Path)
	}
	assert.Empty(t, want)

	// card routes sit behind auth
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/customers/CUS1/cards", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
