package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tunneldl/api/internal/downloads"
	"github.com/tunneldl/api/internal/session"
	"github.com/tunneldl/api/internal/setup"
	"github.com/tunneldl/api/internal/share"
	"github.com/tunneldl/api/internal/store"
	"github.com/tunneldl/api/internal/vpn"
	"github.com/tunneldl/api/services"
)

type errorMapping struct {
	err    error
	status int
	code   string
}

var errorTable = []errorMapping{
	{session.ErrInvalidCredentials, http.StatusUnauthorized, "invalid_credentials"},
	{session.ErrInvalidToken, http.StatusUnauthorized, "unauthorized"},
	{session.ErrSetupIncomplete, http.StatusForbidden, "setup_incomplete"},
	{session.ErrUsernameRequired, http.StatusBadRequest, "validation"},
	{session.ErrPasswordTooShort, http.StatusBadRequest, "validation"},

	{setup.ErrAlreadyComplete, http.StatusForbidden, "setup_complete"},
	{setup.ErrNotConnected, http.StatusConflict, "vpn_not_connected"},
	{setup.ErrExitNodeRequired, http.StatusConflict, "exit_node_required"},
	{setup.ErrMissingVPNFields, http.StatusBadRequest, "validation"},

	{vpn.ErrNotConfigured, http.StatusConflict, "vpn_not_configured"},

	{downloads.ErrVPNNotConnected, http.StatusConflict, "vpn_not_connected"},
	{downloads.ErrQueueFull, http.StatusTooManyRequests, "queue_full"},
	{downloads.ErrQueueCreate, http.StatusInternalServerError, "queue_create"},
	{downloads.ErrNotCancellable, http.StatusConflict, "not_cancellable"},
	{downloads.ErrNotFound, http.StatusNotFound, "not_found"},
	{downloads.ErrInvalidURL, http.StatusBadRequest, "invalid_url"},
	{downloads.ErrStillActive, http.StatusConflict, "still_active"},
	{downloads.ErrNotRetryable, http.StatusConflict, "not_retryable"},
	{downloads.ErrShuttingDown, http.StatusServiceUnavailable, "shutting_down"},

	{store.ErrNotFound, http.StatusNotFound, "not_found"},
	{store.ErrDuplicateName, http.StatusConflict, "duplicate_name"},
	{store.ErrInvalidName, http.StatusBadRequest, "validation"},
	{store.ErrStoreUnavailable, http.StatusServiceUnavailable, "store_unavailable"},

	{share.ErrNotFound, http.StatusNotFound, "not_found"},
	{share.ErrExpired, http.StatusGone, "expired"},
	{share.ErrNotShareable, http.StatusConflict, "not_shareable"},
	{share.ErrWrongPassword, http.StatusUnauthorized, "wrong_password"},
	{share.ErrPasswordRequired, http.StatusUnauthorized, "password_required"},
	{share.ErrInvalidAccess, http.StatusUnauthorized, "password_required"},
	{share.ErrInvalidExpiry, http.StatusBadRequest, "validation"},

	{services.ErrRelayDisabled, http.StatusNotFound, "relay_disabled"},
}

// vpnStatus maps VPN error kinds; auth key failures are 401 during setup
var vpnStatus = map[vpn.ErrorKind]int{
	vpn.KindUnreachable:         http.StatusBadGateway,
	vpn.KindAuthKeyInvalid:      http.StatusUnauthorized,
	vpn.KindExitNodeUnavailable: http.StatusConflict,
}

// respondError writes {"error","code"} with the status the error maps to
func respondError(c *gin.Context, err error) {
	var vpnErr *vpn.Error
	if errors.As(err, &vpnErr) {
		body := gin.H{"error": vpnErr.Message, "code": string(vpnErr.Kind)}
		if vpnErr.Err != nil {
			body["detail"] = vpnErr.Err.Error()
		}
		c.JSON(vpnStatus[vpnErr.Kind], body)
		return
	}

	for _, m := range errorTable {
		if errors.Is(err, m.err) {
			c.JSON(m.status, gin.H{"error": m.err.Error(), "code": m.code})
			return
		}
	}

	log.Printf("[API] %s %s: %v", c.Request.Method, c.FullPath(), err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error, check the server logs", "code": "internal"})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": message, "code": "validation"})
}
