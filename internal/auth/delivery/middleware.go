package delivery

import (
	"net/http"
	"strings"

	"inbox-agent/internal/auth/usecase"

	"github.com/gin-gonic/gin"
)

// OperatorKey is the context key of the authenticated *domain.Operator.
const OperatorKey = "operator"

// AuthMiddleware admits requests carrying a valid admin bearer token.
func AuthMiddleware(authUsecase usecase.AuthUsecase) gin.HandlerFunc {
	return func(c *gin.Context) {
		scheme, token, ok := strings.Cut(c.GetHeader("Authorization"), " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "bearer token required"})
			return
		}

		op, err := authUsecase.ValidateToken(strings.TrimSpace(token))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}

		c.Set(OperatorKey, op)
		c.Next()
	}
}
