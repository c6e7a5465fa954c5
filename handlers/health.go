package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Health reports liveness plus a few counters useful when debugging
func (a *API) Health(c *gin.Context) {
	body := gin.H{
		"status":      "ok",
		"vpn":         a.VPN.Status().Status,
		"running":     a.Downloads.Running(),
		"subscribers": a.Events.Count(),
	}
	if !a.StartedAt.IsZero() {
		body["uptime_seconds"] = int64(time.Since(a.StartedAt).Seconds())
	}
	c.JSON(http.StatusOK, body)
}
