package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tieubaoca/ragchat/types"
	"github.com/tieubaoca/ragchat/utils"
)

// UserIDKey is the gin context key holding the authenticated owner id.
const UserIDKey = "userID"

// AuthMiddleware accepts "Authorization: Bearer <token>". Browsers cannot set
// headers on EventSource or WebSocket requests, so a "token" query parameter
// is accepted as well.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, msg := bearerToken(c)
		if token == "" {
			abort(c, msg)
			return
		}

		claims, err := utils.ParseToken(secret, token)
		if err != nil {
			zap.L().Debug("rejected token", zap.Error(err))
			abort(c, "Invalid or expired token")
			return
		}

		c.Set(UserIDKey, claims.Subject)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, string) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if token := c.Query("token"); token != "" {
			return token, ""
		}
		return "", "Authorization header is required"
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", "Authorization header format must be Bearer {token}"
	}
	return parts[1], ""
}

func abort(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, types.DataResponse{
		Status:  false,
		Message: message,
	})
}
