package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tunneldl/api/middleware"
	"github.com/tunneldl/api/models"
)

// LoginRequest is the request body for login
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login authenticates the operator and issues a session token
func (a *API) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Username and password are required")
		return
	}

	token, err := a.Sessions.Login(req.Username, req.Password)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, token)
}

// ValidateSession reports whether the caller's token is still good
func (a *API) ValidateSession(c *gin.Context) {
	p := middleware.GetPrincipal(c)
	c.JSON(http.StatusOK, gin.H{
		"valid":      true,
		"username":   p.Username,
		"expires_at": p.ExpiresAt,
	})
}

// Logout revokes the caller's token
func (a *API) Logout(c *gin.Context) {
	a.Sessions.Revoke(middleware.GetPrincipal(c).Token)
	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}

type ChangeCredentialsRequest struct {
	CurrentPassword string `json:"current_password" binding:"required"`
	Username        string `json:"username"`
	NewPassword     string `json:"new_password"`
}

// ChangeCredentials updates the login and signs out every other session
func (a *API) ChangeCredentials(c *gin.Context) {
	var req ChangeCredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "current_password is required")
		return
	}

	principal := middleware.GetPrincipal(c)
	err := a.Sessions.ChangeCredentials(principal, req.CurrentPassword, strings.TrimSpace(req.Username), req.NewPassword,
		func(creds models.Credentials) error {
			_, err := a.Records.Update(func(rec *models.ConfigRecord) error {
				rec.Credentials = creds
				return nil
			})
			return err
		})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Credentials updated"})
}
