package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"critic/internal/api"
	"critic/internal/api/middleware"
)

func (h *Handler) Health(c *gin.Context) {
	if err := h.service.Health(c.Request.Context()); err != nil {
		log.Warn().
			Err(err).
			Str("request_id", c.GetString(middleware.RequestIDKey)).
			Str("layer", "handler").
			Msg("health check failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Wake nudges a background service; used by the external shim and by operators.
func (h *Handler) Wake(c *gin.Context) {
	service := c.Param("service")

	log.Info().
		Str("request_id", c.GetString(middleware.RequestIDKey)).
		Str("layer", "handler").
		Str("service", service).
		Msg("wake requested")

	if err := h.service.Wake(c.Request.Context(), service); err != nil {
		handleDomainError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"service": service})
}

func (h *Handler) GetPendingRefUpdate(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		log.Warn().
			Str("request_id", c.GetString(middleware.RequestIDKey)).
			Str("layer", "handler").
			Str("id", c.Param("id")).
			Msg("invalid pending ref update id")

		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Error: api.Error{
				Code:    api.ErrCodeInvalidRequest,
				Message: "id must be a positive integer",
			},
		})
		return
	}

	status, err := h.service.PendingRefUpdate(c.Request.Context(), id)
	if err != nil {
		handleDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, mapPendingRefUpdateToAPI(status))
}

func (h *Handler) GetPendingRefUpdateStats(c *gin.Context) {
	counts, err := h.service.PendingRefUpdateCounts(c.Request.Context())
	if err != nil {
		handleDomainError(c, err)
		return
	}
	states := make(map[string]int64, len(counts))
	for state, n := range counts {
		states[string(state)] = n
	}
	c.JSON(http.StatusOK, gin.H{"states": states})
}
