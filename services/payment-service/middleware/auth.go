package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/yashrajoria/salon-payments/services/common/auth"
)

const UserKey = "userID"

// AuthMiddleware accepts a bearer access token when tokens is set, and otherwise the X-User-ID
// header stamped by the API gateway.
func AuthMiddleware(tokens *auth.TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := ""
		if tokens != nil {
			raw := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
			if raw != "" {
				claims, err := tokens.ParseAndValidateToken(raw, "access")
				if err != nil {
					c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
					return
				}
				userID = auth.Subject(claims)
			}
		} else {
			userID = c.GetHeader("X-User-ID")
		}
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Set(UserKey, userID)
		c.Next()
	}
}

func GetUserID(c *gin.Context) string {
	if val, exists := c.Get(UserKey); exists {
		return val.(string)
	}
	return ""
}
