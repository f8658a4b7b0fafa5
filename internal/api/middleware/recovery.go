package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"critic/internal/api"
	"critic/internal/metrics"
)

func RecoveryMiddleware() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		metrics.ErrorsTotal.WithLabelValues("panic", "api").Inc()
		log.Error().
			Interface("panic", recovered).
			Str("request_id", c.GetString(RequestIDKey)).
			Str("layer", "middleware").
			Msg("panic recovered in HTTP request")
		c.AbortWithStatusJSON(http.StatusInternalServerError, api.ErrorResponse{
			Error: api.Error{Code: api.ErrCodeInternalError, Message: "internal server error"},
		})
	})
}
