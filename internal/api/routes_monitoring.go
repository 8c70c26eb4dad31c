package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/charlesng35/sessionkeeper/internal/app"
	"github.com/charlesng35/sessionkeeper/internal/handlers"
	"github.com/charlesng35/sessionkeeper/internal/monitoring"
)

func registerMonitoringRoutes(r *gin.Engine, cfg *app.Config, health *monitoring.HealthManager) {
	if cfg.Monitoring.Health.Enabled {
		r.GET("/health", handlers.Health(health))
	} else {
		r.GET("/health", disabledHealthHandler)
	}

	if cfg.Monitoring.Prometheus.Enabled {
		endpoint := strings.TrimSpace(cfg.Monitoring.Prometheus.Endpoint)
		if endpoint == "" {
			endpoint = "/metrics"
		}
		if !strings.HasPrefix(endpoint, "/") {
			endpoint = "/" + endpoint
		}
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}
}

func disabledHealthHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{
		"success": false,
		"status":  "disabled",
	})
}
