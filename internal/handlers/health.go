package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HealthResponse reports service liveness and the state of the results sink.
type HealthResponse struct {
	Status  string `json:"status"`
	Results string `json:"results"`
}

// HealthCheck reports whether the service can persist run records.
// @Summary Health check
// @Description Returns service health and results sink connectivity
// @Tags health
// @Produce json
// @Success 200 {object} HealthResponse
// @Failure 503 {object} HealthResponse
// @Router /health [get]
func (a *API) HealthCheck(c *gin.Context) {
	response := HealthResponse{Status: "ok"}

	switch sink := a.Sink.(type) {
	case nil:
		response.Results = "not configured"
	case interface{ Status(context.Context) error }:
		// Postgres-backed sinks expose a connectivity probe.
		if err := sink.Status(c.Request.Context()); err != nil {
			response.Results = "disconnected"
			c.JSON(http.StatusServiceUnavailable, response)
			return
		}
		response.Results = "connected"
	default:
		response.Results = "local file"
	}

	c.JSON(http.StatusOK, response)
}
