package middleware

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tunneldl/api/internal/share"
	"github.com/tunneldl/api/models"
)

const (
	ShareAccessHeader = "X-Share-Access"
	shareLinkKey      = "share_link"
	sharedDownloadKey = "shared_download"
)

// ShareAuthorizer checks a public share token and optional access token
type ShareAuthorizer interface {
	Authorize(ctx context.Context, token, access string) (*models.ShareLink, models.Download, error)
}

// ShareAccess middleware resolves the :token share link. Password-protected
// links need the access token from /verify in X-Share-Access or ?access=.
func ShareAccess(shares ShareAuthorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		access := c.GetHeader(ShareAccessHeader)
		if access == "" {
			access = c.Query("access")
		}

		link, d, err := shares.Authorize(c.Request.Context(), c.Param("token"), access)
		if err != nil {
			status, code := http.StatusInternalServerError, "internal"
			switch {
			case errors.Is(err, share.ErrNotFound):
				status, code = http.StatusNotFound, "not_found"
			case errors.Is(err, share.ErrExpired):
				status, code = http.StatusGone, "expired"
			case errors.Is(err, share.ErrPasswordRequired), errors.Is(err, share.ErrInvalidAccess):
				status, code = http.StatusUnauthorized, "password_required"
			default:
				log.Printf("[Shares] Failed to authorize share link: %v", err)
			}
			c.AbortWithStatusJSON(status, gin.H{"error": err.Error(), "code": code})
			return
		}

		c.Set(shareLinkKey, link)
		c.Set(sharedDownloadKey, d)
		c.Next()
	}
}

// GetShare retrieves the share link and its download from context
func GetShare(c *gin.Context) (*models.ShareLink, models.Download) {
	link, exists := c.Get(shareLinkKey)
	if !exists {
		return nil, models.Download{}
	}
	d, _ := c.Get(sharedDownloadKey)
	return link.(*models.ShareLink), d.(models.Download)
}
