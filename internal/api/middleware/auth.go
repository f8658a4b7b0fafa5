package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"critic/internal/api"
)

const RoleKey = "role"

// AuthMiddleware recognizes the admin bearer token. Requests without an Authorization header pass
// through anonymously; an empty adminToken matches nothing.
func AuthMiddleware(adminToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				abortUnauthorized(c, "invalid authorization format")
				return
			}

			if adminToken == "" || parts[1] != adminToken {
				abortUnauthorized(c, "invalid token")
				return
			}
			c.Set(RoleKey, "admin")
		}

		c.Next()
	}
}

func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		role, _ := c.Get(RoleKey)
		if role != "admin" {
			abortUnauthorized(c, "admin token required")
			return
		}
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, api.ErrorResponse{
		Error: api.Error{Code: api.ErrCodeUnauthorized, Message: message},
	})
}
