package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tunneldl/api/internal/share"
	"github.com/tunneldl/api/middleware"
	"github.com/tunneldl/api/models"
)

type CreateShareRequest struct {
	Password       string `json:"password"`
	ExpiresInHours int    `json:"expires_in_hours"` // 0 never expires
}

// CreateShare creates a public link to a completed download
func (a *API) CreateShare(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req CreateShareRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "Invalid request body")
		return
	}

	link, err := a.Shares.Create(c.Request.Context(), id, share.CreateOptions{
		Password:  req.Password,
		ExpiresIn: time.Duration(req.ExpiresInHours) * time.Hour,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, link.ToResponse(a.Shares.URL(link)))
}

func (a *API) ListShares(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	links, err := a.Shares.List(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	responses := make([]models.ShareLinkResponse, 0, len(links))
	for i := range links {
		responses = append(responses, links[i].ToResponse(a.Shares.URL(&links[i])))
	}
	c.JSON(http.StatusOK, gin.H{"shares": responses})
}

func (a *API) DeleteShare(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	if err := a.Shares.Delete(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Share link deleted"})
}

// GetShareQRCode renders the share URL as a PNG QR code
func (a *API) GetShareQRCode(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	link, err := a.Shares.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	png, err := a.Shares.QRCode(link)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

// GetPublicShare describes a shared download to an anonymous visitor
func (a *API) GetPublicShare(c *gin.Context) {
	link, d, err := a.Shares.Resolve(c.Request.Context(), c.Param("token"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"title":        d.Title,
		"filename":     d.Filename,
		"filesize":     d.Filesize,
		"has_password": link.HasPassword(),
		"expires_at":   link.ExpiresAt,
	})
}

type VerifyShareRequest struct {
	Password string `json:"password"`
}

// VerifyShare exchanges the link password for a short-lived access token
func (a *API) VerifyShare(c *gin.Context) {
	var req VerifyShareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	access, expires, err := a.Shares.Verify(c.Request.Context(), c.Param("token"), req.Password)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token": access,
		"expires_at":   expires,
	})
}

// StreamShare serves a shared file; runs behind middleware.ShareAccess
func (a *API) StreamShare(c *gin.Context) {
	_, d := middleware.GetShare(c)
	if serveable(c, d) {
		c.File(d.OutputPath)
	}
}
