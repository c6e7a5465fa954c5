package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tunneldl/api/internal/setup"
)

// GetSetupStatus tells the UI whether to show the wizard
func (a *API) GetSetupStatus(c *gin.Context) {
	c.JSON(http.StatusOK, a.Wizard.Status())
}

type SetupCredentialsRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// SetupCredentials validates the step 1 draft
func (a *API) SetupCredentials(c *gin.Context) {
	var req SetupCredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Username and password are required")
		return
	}

	if err := a.Wizard.SetCredentials(req.Username, req.Password); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, a.Wizard.Status())
}

type SetupConnectRequest struct {
	ControlServerURL string `json:"control_server_url" binding:"required"`
	AuthKey          string `json:"auth_key" binding:"required"`
}

// SetupConnect brings the VPN up with the submitted identity
func (a *API) SetupConnect(c *gin.Context) {
	var req SetupConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, setup.ErrMissingVPNFields)
		return
	}

	nodes, err := a.Wizard.Connect(c.Request.Context(), req.ControlServerURL, req.AuthKey)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"vpn":        a.VPN.Status(),
		"exit_nodes": nodes,
	})
}

// GetSetupExitNodes lists exit nodes while the wizard is open
func (a *API) GetSetupExitNodes(c *gin.Context) {
	nodes, err := a.Wizard.ExitNodes(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"exit_nodes": nodes})
}

type ExitNodeRequest struct {
	ExitNodeID string `json:"exit_node_id" binding:"required"`
}

// SetupExitNode routes traffic through the chosen exit node
func (a *API) SetupExitNode(c *gin.Context) {
	var req ExitNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "exit_node_id is required")
		return
	}

	node, err := a.Wizard.SelectExitNode(c.Request.Context(), req.ExitNodeID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"exit_node": node,
		"vpn":       a.VPN.Status(),
	})
}

type SetupCompleteRequest struct {
	Username         string `json:"username"`
	Password         string `json:"password"`
	ControlServerURL string `json:"control_server_url"`
	AuthKey          string `json:"auth_key"`
	ExitNodeID       string `json:"exit_node_id"`
}

// SetupComplete commits the config record and signs the operator in
func (a *API) SetupComplete(c *gin.Context) {
	var req SetupCompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	token, err := a.Wizard.Complete(c.Request.Context(), setup.CompleteRequest{
		Username:         req.Username,
		Password:         req.Password,
		ControlServerURL: req.ControlServerURL,
		AuthKey:          req.AuthKey,
		ExitNodeID:       req.ExitNodeID,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, token)
}
