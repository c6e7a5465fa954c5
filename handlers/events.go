package handlers

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tunneldl/api/internal/events"
	"github.com/tunneldl/api/middleware"
	"github.com/tunneldl/api/services"
)

const defaultPingInterval = 15 * time.Second

// StreamEvents pushes live job and VPN events over SSE. The current VPN
// state is sent first; earlier events are not replayed.
func (a *API) StreamEvents(c *gin.Context) {
	sub := a.Events.Subscribe()
	defer a.Events.Unsubscribe(sub)

	interval := a.PingInterval
	if interval <= 0 {
		interval = defaultPingInterval
	}
	ping := time.NewTicker(interval)
	defer ping.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	c.SSEvent(events.TypeVPNStatus, events.Event{Type: events.TypeVPNStatus, Data: a.VPN.Status(), Time: time.Now()})
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case e, ok := <-sub.Events():
			if !ok {
				// Dropped for falling behind; the client reconnects and refetches.
				return false
			}
			c.SSEvent(e.Type, e)
			return true
		case t := <-ping.C:
			c.SSEvent("ping", t.Unix())
			return true
		}
	})
}

// GetEventsToken issues a Centrifugo connection token for the downloads channel
func (a *API) GetEventsToken(c *gin.Context) {
	if a.Realtime == nil {
		respondError(c, services.ErrRelayDisabled)
		return
	}

	token, expires, err := a.Realtime.GenerateClientToken(middleware.GetPrincipal(c).Username)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"channel":    services.DownloadsChannel,
		"expires_at": expires,
	})
}
