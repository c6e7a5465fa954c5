package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tunneldl/api/models"
)

// GetVPNStatus returns the cached VPN snapshot
func (a *API) GetVPNStatus(c *gin.Context) {
	c.JSON(http.StatusOK, a.VPN.Status())
}

func (a *API) ListExitNodes(c *gin.Context) {
	nodes, err := a.VPN.ListExitNodes(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"exit_nodes": nodes})
}

// SelectExitNode switches the exit node and saves the choice
func (a *API) SelectExitNode(c *gin.Context) {
	var req ExitNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "exit_node_id is required")
		return
	}

	node, err := a.VPN.SelectExitNode(c.Request.Context(), req.ExitNodeID)
	if err != nil {
		respondError(c, err)
		return
	}

	if _, err := a.Records.Update(func(rec *models.ConfigRecord) error {
		rec.VPN.ExitNodeID = node.ID
		return nil
	}); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"exit_node": node,
		"vpn":       a.VPN.Status(),
	})
}

// ReconnectVPN re-establishes the tunnel from saved settings
func (a *API) ReconnectVPN(c *gin.Context) {
	if err := a.VPN.Reconnect(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, a.VPN.Status())
}

func (a *API) DisconnectVPN(c *gin.Context) {
	if err := a.VPN.Disconnect(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, a.VPN.Status())
}
