package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kbukum/flowkit/component"
)

// HealthResponse is the /health body.
type HealthResponse struct {
	Service    string                 `json:"service"`
	Status     component.HealthStatus `json:"status"`
	Components []component.Health     `json:"components"`
}

// Health reports every registered component. Degraded still answers 200.
func Health(service string, reg *component.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		reports := reg.HealthAll(c.Request.Context())
		status := component.Overall(reports)
		code := http.StatusOK
		if status == component.StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, HealthResponse{Service: service, Status: status, Components: reports})
	}
}

// Alive answers 200 while the process serves requests.
func Alive() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
	}
}

// RegisterHealth adds /health and /alive.
func (s *Server) RegisterHealth(service string, reg *component.Registry) {
	s.engine.GET("/health", Health(service, reg))
	s.engine.GET("/alive", Alive())
}
