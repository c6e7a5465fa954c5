package handlers

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tunneldl/api/internal/session"
	"github.com/tunneldl/api/internal/vpn"
	"github.com/tunneldl/api/models"
)

func (a *API) loadRecord(c *gin.Context) (*models.ConfigRecord, bool) {
	rec, err := a.Records.Load()
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	if rec == nil || !rec.SetupComplete {
		respondError(c, session.ErrSetupIncomplete)
		return nil, false
	}
	return rec, true
}

// GetSettings returns the saved configuration without secrets
func (a *API) GetSettings(c *gin.Context) {
	rec, ok := a.loadRecord(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, rec.ToResponse())
}

type UpdateSettingsRequest struct {
	PublicURL *string `json:"public_url"`
}

// UpdateSettings changes general settings; only fields present are applied
func (a *API) UpdateSettings(c *gin.Context) {
	var req UpdateSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	if req.PublicURL != nil {
		public := strings.TrimRight(strings.TrimSpace(*req.PublicURL), "/")
		if public != "" {
			u, err := url.Parse(public)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				badRequest(c, "public_url must be an absolute http(s) URL")
				return
			}
		}
		req.PublicURL = &public
	}

	rec, err := a.Records.Update(func(rec *models.ConfigRecord) error {
		if req.PublicURL != nil {
			rec.PublicURL = *req.PublicURL
		}
		return nil
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec.ToResponse())
}

// GetVPNSettings returns the saved VPN identity without the auth key
func (a *API) GetVPNSettings(c *gin.Context) {
	rec, ok := a.loadRecord(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"control_server_url": rec.VPN.ControlServerURL,
		"exit_node_id":       rec.VPN.ExitNodeID,
		"auth_key_set":       rec.VPN.AuthKey != "",
		"proxy_endpoint":     rec.ProxyEndpoint,
	})
}

type UpdateVPNSettingsRequest struct {
	ControlServerURL string `json:"control_server_url" binding:"required"`
	AuthKey          string `json:"auth_key"` // empty keeps the saved key
}

// UpdateVPNSettings reconnects with the new identity and saves it only once
// the tunnel is up
func (a *API) UpdateVPNSettings(c *gin.Context) {
	var req UpdateVPNSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "control_server_url is required")
		return
	}
	rec, ok := a.loadRecord(c)
	if !ok {
		return
	}

	controlURL := strings.TrimRight(strings.TrimSpace(req.ControlServerURL), "/")
	authKey := strings.TrimSpace(req.AuthKey)
	if authKey == "" {
		authKey = rec.VPN.AuthKey
	}

	if err := a.VPN.Connect(c.Request.Context(), controlURL, authKey); err != nil {
		if vpn.KindOf(err) == vpn.KindAuthKeyInvalid {
			c.JSON(http.StatusBadRequest, gin.H{"error": vpn.ErrAuthKeyInvalid.Message, "code": string(vpn.KindAuthKeyInvalid)})
			return
		}
		respondError(c, err)
		return
	}

	rec, err := a.Records.Update(func(rec *models.ConfigRecord) error {
		rec.VPN.ControlServerURL = controlURL
		rec.VPN.AuthKey = authKey
		return nil
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"settings": rec.ToResponse(),
		"vpn":      a.VPN.Status(),
	})
}
